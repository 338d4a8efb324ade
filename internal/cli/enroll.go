package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newEnrollCommand(opts *options) *cobra.Command {
	var tenant, subject string

	cmd := &cobra.Command{
		Use:   "enroll --tenant T --subject S IMAGE...",
		Short: "Enroll a subject from one or more face images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isValidID(subject) {
				return fmt.Errorf("invalid subject id: %q", subject)
			}
			if !isValidID(tenant) {
				return fmt.Errorf("invalid tenant id: %q", tenant)
			}

			frames, err := readFrames(args...)
			if err != nil {
				return err
			}

			app, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			added, err := app.Engine.Enroll(cmd.Context(), tenant, subject, frames...)
			if err != nil {
				return fmt.Errorf("enrollment failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Enrolled %s in %s\n", subject, tenant)
			fmt.Fprintf(out, "Samples added: %d of %d\n", added, len(frames))
			fmt.Fprintf(out, "Extraction: %s\n", app.Engine.ExtractionMode())
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant (branch) id")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject id to enroll")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newRemoveCommand(opts *options) *cobra.Command {
	var tenant string
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove --tenant T SUBJECT",
		Short: "Delete every embedding of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := args[0]
			out := cmd.OutOrStdout()

			if !yes {
				fmt.Fprintf(out, "Are you sure you want to delete enrollment for '%s' in %s? [y/N]: ", subject, tenant)
				response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				response = strings.ToLower(strings.TrimSpace(response))
				if response != "y" && response != "yes" {
					fmt.Fprintln(out, "Deletion cancelled.")
					return nil
				}
			}

			app, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			n, err := app.Engine.Remove(cmd.Context(), tenant, subject)
			if err != nil {
				return fmt.Errorf("failed to remove subject: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("subject not found: %s", subject)
			}
			fmt.Fprintf(out, "Removed %d embedding(s) of '%s'\n", n, subject)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant (branch) id")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func readFrames(paths ...string) ([][]byte, error) {
	frames := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		frames = append(frames, data)
	}
	return frames, nil
}

func isValidID(id string) bool {
	if id == "" || len(id) > 256 {
		return false
	}

	for _, c := range id {
		isLower := c >= 'a' && c <= 'z'
		isUpper := c >= 'A' && c <= 'Z'
		isDigit := c >= '0' && c <= '9'
		isSpecial := c == '_' || c == '-' || c == '.' || c == '@'

		if !isLower && !isUpper && !isDigit && !isSpecial {
			return false
		}
	}

	return true
}
