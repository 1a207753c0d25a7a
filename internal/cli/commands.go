package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"movie-pipeline/internal/api"
	"movie-pipeline/internal/config"
	"movie-pipeline/internal/model"
	"movie-pipeline/internal/store"
)

func newRunCommand() *cobra.Command {
	var spec model.PipelineJobSpec

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch and land every source, then publish and transform",
		Example: `  # Full run over every configured source
  pipeline run

  # Land pages 2-3 of one source without transforming
  pipeline run --source movies --start-page 2 --pages 2 --skip-transform

  # Continue where the previous run stopped
  pipeline run --resume`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openEnvironment(ctx, getConfig(cmd.Context()))
			if err != nil {
				return err
			}
			defer env.Close() //nolint:errcheck // best effort on exit

			summary, runErr := env.runner.Run(ctx, spec)
			if summary != nil {
				if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVar(&spec.Sources, "source", nil, "sources to run (default: all)")
	cmd.Flags().IntVar(&spec.StartPage, "start-page", 0, "first page to fetch")
	cmd.Flags().IntVar(&spec.Pages, "pages", 0, "number of pages to fetch per source (0: all)")
	cmd.Flags().BoolVar(&spec.SkipTransform, "skip-transform", false, "only fetch and land")
	cmd.Flags().BoolVar(&spec.Resume, "resume", false, "continue from the stored cursor")
	cmd.Flags().StringVar(&spec.JobTimeout, "timeout", "", "job timeout, e.g. 5m")
	return cmd
}

func newTransformCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transform",
		Short: "Publish landed records and materialise transforms without fetching",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openEnvironment(ctx, getConfig(cmd.Context()))
			if err != nil {
				return err
			}
			defer env.Close() //nolint:errcheck // best effort on exit

			report, runErr := env.runner.Transform(ctx)
			if report != nil {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return Serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

// Serve runs the API until SIGINT or SIGTERM, then waits for active runs
// to record their final status.
func Serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openEnvironment(ctx, cfg)
	if err != nil {
		return err
	}
	defer env.Close() //nolint:errcheck // best effort on exit

	r := api.NewRouter(env.runner)
	serveErr := r.Start(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := env.runner.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("wait for active runs: %w", err)
	}
	return serveErr
}

func newTablesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List published tables and their versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnvironment(cmd.Context(), getConfig(cmd.Context()))
			if err != nil {
				return err
			}
			defer env.Close() //nolint:errcheck // best effort on exit

			tables, err := env.wh.Tables(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tROWS\tCREATED")
			for _, t := range tables {
				fmt.Fprintf(tw, "%s\t%.12s\t%d\t%s\n", t.Name, t.Version, t.RowCount, t.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply state store migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			if err := ensureDir(cfg.State.Path); err != nil {
				return err
			}
			// Open migrates.
			st, err := store.Open(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck // best effort on exit

			v, err := st.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state store at version %d\n", v)
			return nil
		},
	}
}
