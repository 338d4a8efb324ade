package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrCodeEU/FaceGate/internal/audit"
	"github.com/MrCodeEU/FaceGate/internal/config"
	"github.com/MrCodeEU/FaceGate/internal/daemon"
	"github.com/MrCodeEU/FaceGate/pkg/models"
)

// bootstrap builds the service graph for a command
func (o *options) bootstrap(cmd *cobra.Command) (*App, error) {
	app, err := Bootstrap(cmd.Context(), o.cfg, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return app, nil
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the verification daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			server := daemon.NewServer(app.Engine, app.Config, app.Logger)
			ctx, cancel := daemon.SignalContext(cmd.Context(), opts.configPath, app.Logger, func(cfg *config.Config) {
				server.SetConfig(cfg)
				if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil && !opts.verbose {
					app.Logger.SetLevel(level)
				}
			})
			defer cancel()

			app.Logger.WithFields(logrus.Fields{
				"extraction": app.Engine.ExtractionMode(),
				"backend":    app.Engine.Backend(ctx),
				"socket":     app.Config.Server.SocketPath,
			}).Info("FaceGate ready")

			return daemon.Run(ctx, app.Config, server, app.Registry, app.Logger)
		},
	}
}

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report which extraction and index backends are active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.bootstrap(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Extraction\t%s\n", app.Engine.ExtractionMode())
			fmt.Fprintf(w, "Index backend\t%s\n", app.Engine.Backend(cmd.Context()))
			if app.Inference == nil {
				fmt.Fprintf(w, "Inference\tdisabled\n")
			} else {
				for _, service := range []string{models.DetectorService, models.EmbedderService, models.LandmarkerService} {
					status := "not serving"
					if app.Inference.Serving(cmd.Context(), service) {
						status = "serving"
					}
					fmt.Fprintf(w, "%s\t%s\n", service, status)
				}
			}
			return w.Flush()
		},
	}
}

func newHistoryCommand(opts *options) *cobra.Command {
	var tenant string
	var limit int

	cmd := &cobra.Command{
		Use:   "history --tenant T",
		Short: "Show recent verification decisions from the local audit database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sink, err := audit.NewSQLiteSink(opts.cfg.Audit.DatabasePath)
			if err != nil {
				return err
			}
			defer func() { _ = sink.Close() }()

			records, err := sink.Recent(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No audit records found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSUBJECT\tDEVICE\tCHALLENGE\tOK\tCONFIDENCE\tREASON")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%.3f\t%s\n",
					r.CreatedAt.Format("2006-01-02 15:04:05"), r.SubjectID, r.DeviceID,
					r.Challenge, r.Accepted, r.Confidence, r.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal: %d record(s)\n", len(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant (branch) id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(opts.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init PATH",
		Short: "Write the default configuration to PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}
