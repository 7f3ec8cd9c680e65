package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"checkpoint-forecast/internal/backtest"
	"checkpoint-forecast/internal/domain"
)

var (
	backtestHorizon     string
	backtestFrom        string
	backtestTo          string
	backtestDays        int
	backtestStep        time.Duration
	backtestCheckpoints []string
	backtestOutput      string
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay the active model over past anchors",
	Long: `Replay the active model of a horizon over a past period and score each
prediction against the status observed at its target time.

Example usage:
  forecaster backtest --horizon short --days 7
  forecaster backtest --horizon long --from 2024-02-01T00:00:00Z --to 2024-03-01T00:00:00Z --output ./report`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return a.backtest(ctx, cmd.OutOrStdout(), backtestOptions{
				horizon:     backtestHorizon,
				from:        backtestFrom,
				to:          backtestTo,
				days:        backtestDays,
				step:        backtestStep,
				checkpoints: backtestCheckpoints,
				output:      backtestOutput,
			})
		})
	},
}

func init() {
	backtestCmd.Flags().StringVar(&backtestHorizon, "horizon", "short", "Horizon: short or long")
	backtestCmd.Flags().StringVar(&backtestFrom, "from", "", "First anchor (RFC3339), defaults to --days before --to")
	backtestCmd.Flags().StringVar(&backtestTo, "to", "", "Last anchor (RFC3339), defaults to now less the label offset")
	backtestCmd.Flags().IntVar(&backtestDays, "days", 7, "Days to replay when --from is not set")
	backtestCmd.Flags().DurationVar(&backtestStep, "step", 0, "Anchor spacing, defaults to the horizon sample step")
	backtestCmd.Flags().StringSliceVar(&backtestCheckpoints, "checkpoint", nil, "Checkpoint ids to replay (repeatable), defaults to all")
	backtestCmd.Flags().StringVar(&backtestOutput, "output", "", "Directory for the report files")
}

type backtestOptions struct {
	horizon     string
	from        string
	to          string
	days        int
	step        time.Duration
	checkpoints []string
	output      string
}

func (a *app) backtestConfig(opts backtestOptions) (backtest.Config, error) {
	h, err := domain.ParseHorizon(opts.horizon)
	if err != nil {
		return backtest.Config{}, err
	}
	hs := a.settings.Horizon(h)

	to := time.Now().UTC().Add(-hs.LabelOffset).Truncate(time.Hour)
	if opts.to != "" {
		if to, err = parseTime(opts.to); err != nil {
			return backtest.Config{}, err
		}
	}
	if opts.days <= 0 && opts.from == "" {
		return backtest.Config{}, fmt.Errorf("days must be positive, got %d", opts.days)
	}
	from := to.AddDate(0, 0, -opts.days)
	if opts.from != "" {
		if from, err = parseTime(opts.from); err != nil {
			return backtest.Config{}, err
		}
	}
	step := opts.step
	if step == 0 {
		step = hs.SampleStep
	}

	return backtest.Config{
		Horizon:        h,
		From:           from,
		To:             to,
		Step:           step,
		LabelOffset:    hs.LabelOffset,
		LabelTolerance: hs.LabelTolerance,
		Checkpoints:    opts.checkpoints,
	}, nil
}

func (a *app) backtest(ctx context.Context, w io.Writer, opts backtestOptions) error {
	cfg, err := a.backtestConfig(opts)
	if err != nil {
		return err
	}
	engine, err := backtest.NewEngine(cfg, a.engine, backtest.NewDataLoader(a.repo, a.extractor))
	if err != nil {
		return err
	}
	res, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	reporter := backtest.NewReporter(res, opts.output)
	reporter.PrintSummary(w)
	if opts.output == "" {
		return nil
	}
	return reporter.GenerateReport()
}
