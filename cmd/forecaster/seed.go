package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/stream"
)

var (
	seedDays int
	seedRand int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate synthetic checkpoints, observations and status history",
	Long: `Write a reproducible synthetic history into the configured sink so the
pipeline can be exercised without a live collector.

Example usage:
  forecaster seed --days 45
  forecaster seed --days 10 --seed 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			end := time.Now().UTC().Truncate(time.Hour)
			return seedSampleData(ctx, cmd.OutOrStdout(), a.sink, rand.New(rand.NewSource(seedRand)),
				end.AddDate(0, 0, -seedDays), end)
		})
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedDays, "days", 45, "Days of history to generate")
	seedCmd.Flags().Int64Var(&seedRand, "seed", 42, "Random seed")
}

// sampleCheckpoint pairs reference data with the closure propensity used by the generator.
type sampleCheckpoint struct {
	domain.Checkpoint
	baseClosure float64
}

var sampleCheckpoints = []sampleCheckpoint{
	{domain.Checkpoint{ID: "qalandiya", Names: map[string]string{"en": "Qalandiya", "ar": "قلنديا"},
		Latitude: 31.8636, Longitude: 35.2145, Type: domain.CheckpointPermanent, Region: "ramallah"}, 0.25},
	{domain.Checkpoint{ID: "container", Names: map[string]string{"en": "Container", "ar": "الكونتينر"},
		Latitude: 31.7319, Longitude: 35.2533, Type: domain.CheckpointPermanent, Region: "bethlehem"}, 0.3},
	{domain.Checkpoint{ID: "huwwara", Names: map[string]string{"en": "Huwwara", "ar": "حوارة"},
		Latitude: 32.1561, Longitude: 35.2575, Type: domain.CheckpointPermanent, Region: "nablus"}, 0.35},
	{domain.Checkpoint{ID: "atara", Names: map[string]string{"en": "Atara", "ar": "عطارة"},
		Latitude: 31.9640, Longitude: 35.1972, Type: domain.CheckpointFlying, Region: "ramallah"}, 0.15},
}

// closureChance is the generator's ground truth: a base rate raised at the morning and
// evening peaks and on Fridays.
func closureChance(base float64, t time.Time) float64 {
	p := base
	switch h := t.Hour(); {
	case h >= 6 && h < 9:
		p += 0.25
	case h >= 15 && h < 18:
		p += 0.15
	case h < 5:
		p -= 0.1
	}
	if t.Weekday() == time.Friday {
		p += 0.15
	}
	return math.Max(0.02, math.Min(0.95, p))
}

func drawStatus(rng *rand.Rand, pClosed float64) domain.Status {
	r := rng.Float64()
	switch {
	case r < pClosed:
		return domain.StatusClosed
	case r < pClosed+0.15:
		return domain.StatusPartial
	default:
		return domain.StatusOpen
	}
}

// generateSampleData builds hourly status records and the observations a collector
// would have emitted around them over [from, to).
func generateSampleData(rng *rand.Rand, cps []sampleCheckpoint, from, to time.Time) ([]domain.Observation, []domain.StatusRecord) {
	var obs []domain.Observation
	var recs []domain.StatusRecord

	for _, cp := range cps {
		prev := domain.StatusOpen
		for t := from; t.Before(to); t = t.Add(time.Hour) {
			st := drawStatus(rng, closureChance(cp.baseClosure, t))
			// statuses persist for a while
			if rng.Float64() < 0.4 {
				st = prev
			}
			prev = st
			recs = append(recs, domain.StatusRecord{
				CheckpointID: cp.ID,
				Status:       st,
				Timestamp:    t,
				Provenance:   "synthetic",
			})

			mentions := rng.Intn(4)
			if st == domain.StatusClosed {
				mentions += 2
			}
			for i := 0; i < mentions; i++ {
				sentiment := 0.4 + 0.3*rng.NormFloat64()
				inferred := domain.StatusOpen
				if st != domain.StatusOpen {
					sentiment = -0.5 + 0.3*rng.NormFloat64()
					inferred = st
				}
				if rng.Float64() < 0.2 {
					inferred = domain.StatusUnknown
				}
				ts := t.Add(time.Duration(rng.Int63n(int64(time.Hour))))
				if !ts.Before(to) {
					continue
				}
				obs = append(obs, domain.Observation{
					ID:                   fmt.Sprintf("%s-%d-%d", cp.ID, t.Unix(), i),
					CheckpointID:         cp.ID,
					Source:               "synthetic",
					InferredStatus:       inferred,
					SentimentScore:       math.Max(-1, math.Min(1, sentiment)),
					ExtractionConfidence: 0.5 + 0.5*rng.Float64(),
					Timestamp:            ts,
					Engagement: domain.Engagement{
						Likes:    rng.Intn(50),
						Shares:   rng.Intn(10),
						Comments: rng.Intn(20),
					},
				})
			}
		}
	}
	return obs, recs
}

// seedSampleData writes the synthetic history to sink.
func seedSampleData(ctx context.Context, w io.Writer, sink stream.Sink, rng *rand.Rand, from, to time.Time) error {
	for _, cp := range sampleCheckpoints {
		if err := sink.SaveCheckpoint(ctx, cp.Checkpoint); err != nil {
			return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
		}
	}

	obs, recs := generateSampleData(rng, sampleCheckpoints, from, to)
	if err := sink.SaveStatusRecords(ctx, recs...); err != nil {
		return fmt.Errorf("save status records: %w", err)
	}
	if err := sink.SaveObservations(ctx, obs...); err != nil {
		return fmt.Errorf("save observations: %w", err)
	}

	log.Info().
		Int("checkpoints", len(sampleCheckpoints)).
		Int("status_records", len(recs)).
		Int("observations", len(obs)).
		Time("from", from).
		Time("to", to).
		Msg("Sample data generated")
	fmt.Fprintf(w, "Generated %d status records and %d observations for %d checkpoints\n",
		len(recs), len(obs), len(sampleCheckpoints))
	return nil
}
