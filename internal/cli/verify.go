package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/FaceGate/internal/auth"
	"github.com/MrCodeEU/FaceGate/internal/liveness"
)

func newIdentifyCommand(opts *options) *cobra.Command {
	var tenant, device string
	var top int

	cmd := &cobra.Command{
		Use:   "identify --tenant T IMAGE",
		Short: "Identify the face in an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frames, err := readFrames(args[0])
			if err != nil {
				return err
			}

			app, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			out := cmd.OutOrStdout()
			if top > 0 {
				matches, err := app.Engine.Candidates(cmd.Context(), tenant, frames[0], top)
				if err != nil {
					return err
				}
				if len(matches) == 0 {
					fmt.Fprintln(out, "No enrolled subjects found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RANK\tSUBJECT\tSIMILARITY\tCONFIDENCE")
				for i, m := range matches {
					fmt.Fprintf(w, "%d\t%s\t%.4f\t%.4f\n", i+1, m.Subject, m.Similarity, m.Confidence())
				}
				return w.Flush()
			}

			d, err := app.Engine.Identify(cmd.Context(), tenant, device, frames[0])
			if err != nil {
				return err
			}
			printDecision(out, d)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant (branch) id")
	cmd.Flags().StringVar(&device, "device", "cli", "Device code recorded in the audit log")
	cmd.Flags().IntVar(&top, "top", 0, "List the top K candidates instead of deciding")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newVerifyCommand(opts *options) *cobra.Command {
	var tenant, device, challenge, claim string

	cmd := &cobra.Command{
		Use:   "verify --tenant T --challenge KIND FRAME_A FRAME_B",
		Short: "Run a liveness-gated verification on two frames",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := liveness.Kind(challenge)
			if !kind.Valid() {
				return fmt.Errorf("unknown challenge: %s", challenge)
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

			d, err := app.Engine.Verify(cmd.Context(), auth.VerifyRequest{
				FrameA:         frames[0],
				FrameB:         frames[1],
				Challenge:      kind,
				Tenant:         tenant,
				Device:         device,
				ClaimedSubject: claim,
			})
			if err != nil {
				return err
			}
			printDecision(cmd.OutOrStdout(), d)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant (branch) id")
	cmd.Flags().StringVar(&device, "device", "cli", "Device code recorded in the audit log")
	cmd.Flags().StringVar(&challenge, "challenge", "", "Challenge performed between the frames (turn_left, turn_right, blink, open_mouth)")
	cmd.Flags().StringVar(&claim, "claim", "", "Reject unless the best match is this subject")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("challenge")
	return cmd
}

func newChallengeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "challenge",
		Short: "Draw a random liveness challenge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ch := liveness.NewIssuer(opts.cfg.Challenge, nil).Issue()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Challenge: %s\n", ch.Kind)
			fmt.Fprintf(out, "Instruction: %s\n", ch.Description)
			fmt.Fprintf(out, "Expires in: %ds\n", ch.ExpiresInSeconds())
			return nil
		},
	}
}

func printDecision(w io.Writer, d *auth.Decision) {
	fmt.Fprintln(w, "Verification Result")
	fmt.Fprintln(w, "===================")
	fmt.Fprintf(w, "Accepted: %v\n", d.Accepted)
	fmt.Fprintf(w, "Reason: %s\n", d.Reason)
	if d.Subject != "" {
		fmt.Fprintf(w, "Subject: %s\n", d.Subject)
	}
	if d.Liveness != nil {
		fmt.Fprintf(w, "Liveness: %v (%s)\n", d.Liveness.Passed, d.Liveness.Mode)
	}
	if d.Reason != auth.ReasonLivenessFailed && d.Reason != auth.ReasonNoFaceDetected {
		fmt.Fprintf(w, "Similarity: %.4f\n", d.Similarity)
		fmt.Fprintf(w, "Confidence: %.4f\n", d.Confidence)
	}
	if d.Backend != "" {
		fmt.Fprintf(w, "Backend: %s\n", d.Backend)
	}
	fmt.Fprintf(w, "Processing time: %v\n", d.ProcessingTime)
}
