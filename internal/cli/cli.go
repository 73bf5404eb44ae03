// Package cli implements jobctl, the operator command line for the job store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/cuongbtq/media-jobs/internal/api/dto"
	"github.com/cuongbtq/media-jobs/internal/artifact"
	"github.com/cuongbtq/media-jobs/internal/config"
	"github.com/cuongbtq/media-jobs/internal/domain"
	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"github.com/cuongbtq/media-jobs/internal/sweeper"
	"github.com/spf13/cobra"
)

// Deps are the backends a command runs against
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Queue     queue.Queue
	Artifacts artifact.Store
	// Migrate applies pending schema migrations
	Migrate func(ctx context.Context) error
}

// Opener builds Deps from a config file; close releases them
type Opener func(ctx context.Context, configPath string) (deps *Deps, close func(), err error)

// NewRootCmd builds the jobctl command tree
func NewRootCmd(open Opener, defaultConfigPath string) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and maintain media jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	// with runs fn against freshly opened backends
	with := func(fn func(cmd *cobra.Command, args []string, d *Deps) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			d, closeDeps, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer closeDeps()
			return fn(cmd, args, d)
		}
	}

	rootCmd.AddCommand(
		migrateCmd(with),
		getCmd(with),
		listCmd(with),
		sweepCmd(with),
		reconcileCmd(with),
	)
	return rootCmd
}

type runner func(fn func(cmd *cobra.Command, args []string, d *Deps) error) func(*cobra.Command, []string) error

func migrateCmd(with runner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, d *Deps) error {
			if err := d.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		}),
	}
}

func getCmd(with runner) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job_id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, d *Deps) error {
			job, err := d.Store.GetJobByID(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get job %s: %w", args[0], err)
			}
			return writeJSON(cmd.OutOrStdout(), dto.NewJobDTO(job))
		}),
	}
}

func listCmd(with runner) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs newest first",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, d *Deps) error {
			s := domain.Status(status)
			if s != "" && !s.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if limit < 1 {
				return fmt.Errorf("--limit must be at least 1")
			}

			jobs, err := d.Store.ListJobs(cmd.Context(), storage.JobFilter{Status: s, PageSize: limit})
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) > limit {
				jobs = jobs[:limit]
			}

			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tENGINE\tCREATED")
			for _, job := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
					job.ID, job.Status, job.AttemptCount, job.MaxAttempts,
					job.Parameters.Engine, job.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued, running, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to print")
	return cmd
}

func sweepCmd(with runner) *cobra.Command {
	var horizon time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep now",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, d *Deps) error {
			if horizon <= 0 {
				horizon = d.Config.Retention.Horizon
			}

			report, err := sweeper.New(&sweeper.Config{
				Logger:     d.Logger,
				Store:      d.Store,
				Artifacts:  d.Artifacts,
				Horizon:    horizon,
				BatchSize:  d.Config.Retention.BatchSize,
				DeleteRate: d.Config.Retention.DeleteRate,
			}).Sweep(cmd.Context())

			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d deleted=%d artifacts_deleted=%d artifacts_shared=%d failed=%d\n",
				report.Scanned, report.Deleted, report.ArtifactsDeleted, report.ArtifactsShared, report.Failed)
			return err
		}),
	}
	cmd.Flags().DurationVar(&horizon, "horizon", 0, "Override the retention horizon (default from config)")
	return cmd
}

func reconcileCmd(with runner) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-enqueue stranded jobs now",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, d *Deps) error {
			n, err := sweeper.NewReconciler(&sweeper.ReconcilerConfig{
				Logger:      d.Logger,
				Store:       d.Store,
				Queue:       d.Queue,
				OrphanAfter: d.Config.Retention.OrphanAfter,
				StaleAfter:  d.Config.Worker.StaleAfter,
				BatchSize:   d.Config.Retention.BatchSize,
			}).Reconcile(cmd.Context())

			fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued=%d\n", n)
			return err
		}),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
