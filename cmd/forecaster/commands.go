package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/metrics"
)

var (
	trainHorizon string
	trainAsOf    string

	predictCheckpoint string
	predictHorizon    string
	predictAt         string

	versionsHorizon string

	rollbackHorizon string
	rollbackVersion int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the training pipeline once",
	Long: `Train a model for one horizon (or all) using only data up to --as-of.

Example usage:
  forecaster train --horizon short
  forecaster train --horizon all --as-of 2024-03-05T08:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.train(ctx, cmd.OutOrStdout(), trainHorizon, trainAsOf)
		})
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict the status of a checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.predict(ctx, cmd.OutOrStdout(), predictCheckpoint, predictHorizon, predictAt)
		})
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List stored model versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.versions(ctx, cmd.OutOrStdout(), versionsHorizon)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Reactivate a previously published model version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.rollback(ctx, cmd.OutOrStdout(), rollbackHorizon, rollbackVersion)
		})
	},
}

func init() {
	trainCmd.Flags().StringVar(&trainHorizon, "horizon", "all", "Horizon to train: short, long or all")
	trainCmd.Flags().StringVar(&trainAsOf, "as-of", "", "Training cutoff (RFC3339), defaults to now")

	predictCmd.Flags().StringVar(&predictCheckpoint, "checkpoint", "", "Checkpoint id")
	predictCmd.Flags().StringVar(&predictHorizon, "horizon", "short", "Horizon: short or long")
	predictCmd.Flags().StringVar(&predictAt, "at", "", "Reference time (RFC3339), defaults to now")
	predictCmd.MarkFlagRequired("checkpoint")

	versionsCmd.Flags().StringVar(&versionsHorizon, "horizon", "all", "Horizon: short, long or all")

	rollbackCmd.Flags().StringVar(&rollbackHorizon, "horizon", "", "Horizon: short or long")
	rollbackCmd.Flags().IntVar(&rollbackVersion, "version", 0, "Version to activate")
	rollbackCmd.MarkFlagRequired("horizon")
	rollbackCmd.MarkFlagRequired("version")
}

// withApp builds the app for a one-shot command. One-shot commands keep their
// metrics in a private registry.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, settings, metrics.NewWithRegistry(nil))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// parseTime reads an RFC3339 flag value; empty means now.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", v, err)
	}
	return t.UTC(), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) train(ctx context.Context, w io.Writer, horizon, asOf string) error {
	horizons, err := parseHorizons(horizon)
	if err != nil {
		return err
	}
	at, err := parseTime(asOf)
	if err != nil {
		return err
	}

	jobs := make([]domain.TrainingJob, 0, len(horizons))
	var failed []string
	for _, h := range horizons {
		job, err := a.pipeline.Run(ctx, h, at)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		if job.Status != domain.JobSucceeded {
			failed = append(failed, fmt.Sprintf("%s: %s", h, job.Status))
		}
	}
	if err := writeJSON(w, jobs); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("no model published for %v", failed)
	}
	return nil
}

func (a *app) predict(ctx context.Context, w io.Writer, checkpointID, horizon, at string) error {
	if checkpointID == "" {
		return errors.New("checkpoint id is required")
	}
	h, err := domain.ParseHorizon(horizon)
	if err != nil {
		return err
	}
	ref, err := parseTime(at)
	if err != nil {
		return err
	}
	p, err := a.engine.Predict(ctx, checkpointID, h, ref)
	if err != nil {
		return err
	}
	return writeJSON(w, p)
}

func (a *app) versions(ctx context.Context, w io.Writer, horizon string) error {
	horizons, err := parseHorizons(horizon)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HORIZON\tVERSION\tACTIVE\tSCHEMA\tBALANCED ACC\tSAMPLES\tCREATED")
	for _, h := range horizons {
		infos, err := a.registry.ListVersions(ctx, h)
		if err != nil {
			return err
		}
		for _, info := range infos {
			active := ""
			if info.Active {
				active = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.3f\t%d\t%s\n",
				h, info.Version, active, info.SchemaVersion,
				info.Metrics.BalancedAccuracy, info.Metrics.TrainSamples,
				info.CreatedAt.Format(time.RFC3339))
		}
	}
	return tw.Flush()
}

func (a *app) rollback(ctx context.Context, w io.Writer, horizon string, version int) error {
	h, err := domain.ParseHorizon(horizon)
	if err != nil {
		return err
	}
	if version <= 0 {
		return errors.New("version must be positive")
	}
	if err := a.registry.Rollback(ctx, h, version); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s horizon now serves version %d\n", h, version)
	return nil
}
