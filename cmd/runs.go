package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
	"github.com/clarence2022/transferlens/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing runs, their skipped work, and overall pipeline health.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		table, _ := cmd.Flags().GetBool("table")

		runs, err := env.Store.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Kind:   kind,
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if table {
			formatRunsList(cmd.OutOrStdout(), runs)
			return nil
		}
		if runs == nil {
			runs = []model.Run{}
		}
		return writeJSON(cmd.OutOrStdout(), runs)
	},
}

// -- runs failures --

var runsFailuresCmd = &cobra.Command{
	Use:   "failures <run-id>",
	Short: "List the work a run skipped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return &model.NotFoundError{Entity: "run", ID: args[0]}
		}

		stage, _ := cmd.Flags().GetString("stage")
		code, _ := cmd.Flags().GetString("code")
		limit, _ := cmd.Flags().GetInt("limit")

		failures, err := env.Store.ListFailures(ctx, store.FailureFilter{
			RunID: run.ID,
			Stage: stage,
			Code:  model.Code(code),
			Limit: limit,
		})
		if err != nil {
			return err
		}
		if failures == nil {
			failures = []model.StageFailure{}
		}
		return writeJSON(cmd.OutOrStdout(), failures)
	},
}

// -- runs health --

type healthReport struct {
	Snapshot *monitoring.Snapshot `json:"snapshot"`
	Alerts   []monitoring.Alert   `json:"alerts"`
}

var runsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarize recent runs and send any alerts",
	Long:  "Collects a health snapshot over the lookback window and evaluates alert rules. With --watch, repeats every --interval until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		lookback, _ := cmd.Flags().GetInt("lookback-hours")
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")

		collector := monitoring.NewCollector(env.Store, env.Clock, horizons())
		checker := monitoring.NewChecker(collector, env.Alerter, interval, lookback)

		if watch {
			checker.Run(ctx)
			return nil
		}

		snap, err := collector.Collect(ctx, lookback)
		if err != nil {
			return err
		}
		alerts := env.Alerter.Evaluate(snap)
		env.Alerter.SendAlerts(ctx, alerts)
		if alerts == nil {
			alerts = []monitoring.Alert{}
		}
		return writeJSON(cmd.OutOrStdout(), healthReport{Snapshot: snap, Alerts: alerts})
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "only runs with this status")
	runsListCmd.Flags().String("kind", "", "only runs of this kind (daily, predict)")
	runsListCmd.Flags().Int("limit", 20, "maximum rows")
	runsListCmd.Flags().Bool("table", false, "print a table instead of JSON")

	runsFailuresCmd.Flags().String("stage", "", "only this stage")
	runsFailuresCmd.Flags().String("code", "", "only this error code")
	runsFailuresCmd.Flags().Int("limit", 0, "maximum rows (default 100)")

	runsHealthCmd.Flags().Int("lookback-hours", 24, "window of runs to summarize")
	runsHealthCmd.Flags().Bool("watch", false, "keep checking until interrupted")
	runsHealthCmd.Flags().Duration("interval", 5*time.Minute, "time between checks with --watch")

	runsCmd.AddCommand(runsListCmd, runsFailuresCmd, runsHealthCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular run listing to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tAS_OF\tHORIZON\tSTATUS\tPROCESSED\tSKIPPED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t-------\t------\t---------\t-------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		processed, skipped := 0, 0
		if r.Result != nil {
			processed, skipped = r.Result.Processed, r.Result.Skipped
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%dd\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Kind,
			r.AsOf.Format(time.DateOnly),
			int(r.Horizon),
			r.Status,
			processed,
			skipped,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID shortens a uuid for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
