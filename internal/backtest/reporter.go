package backtest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
)

// Reporter writes backtest reports
type Reporter struct {
	results    *Results
	outputPath string
}

// NewReporter creates a new reporter
func NewReporter(results *Results, outputPath string) *Reporter {
	return &Reporter{
		results:    results,
		outputPath: outputPath,
	}
}

// GenerateReport writes the summary, the replay log and the JSON report.
func (r *Reporter) GenerateReport() error {
	if err := os.MkdirAll(r.outputPath, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := r.generateSummary(); err != nil {
		return err
	}
	if err := r.generateReplayLog(); err != nil {
		return err
	}
	return r.generateJSONReport()
}

func (r *Reporter) generateSummary() error {
	summaryPath := filepath.Join(r.outputPath, "backtest_summary.txt")
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	r.PrintSummary(file)
	log.Info().Str("file", summaryPath).Msg("Summary report generated")
	return nil
}

func (r *Reporter) generateReplayLog() error {
	csvPath := filepath.Join(r.outputPath, "replays.csv")
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create replay log: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"Checkpoint", "At", "Prediction For", "Predicted", "Actual", "Confidence", "Model Version", "Correct"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, rp := range r.results.Replays {
		record := []string{
			rp.CheckpointID,
			rp.At.Format(time.RFC3339),
			rp.PredictionFor.Format(time.RFC3339),
			string(rp.Predicted),
			string(rp.Actual),
			strconv.FormatFloat(rp.Confidence, 'f', 4, 64),
			strconv.Itoa(rp.ModelVersion),
			strconv.FormatBool(rp.Correct()),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}

	log.Info().Str("file", csvPath).Int("replays", len(r.results.Replays)).Msg("Replay log generated")
	return nil
}

type jsonReport struct {
	*Results
	Checkpoints []CheckpointStats `json:"checkpoints"`
	Daily       []DailyMetrics    `json:"daily"`
	Calibration []CalibrationBin  `json:"calibration"`
}

func (r *Reporter) generateJSONReport() error {
	jsonPath := filepath.Join(r.outputPath, "backtest_report.json")
	data, err := json.MarshalIndent(jsonReport{
		Results:     r.results,
		Checkpoints: r.CheckpointStats(),
		Daily:       r.DailyMetrics(),
		Calibration: r.Calibration(5),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}
	log.Info().Str("file", jsonPath).Msg("JSON report generated")
	return nil
}

// CheckpointStats is the hit rate of one checkpoint.
type CheckpointStats struct {
	CheckpointID string  `json:"checkpoint_id"`
	Count        int     `json:"count"`
	Accuracy     float64 `json:"accuracy"`
	Closures     int     `json:"closures"`
	ClosureHits  int     `json:"closure_hits"`
}

// CheckpointStats groups replays by checkpoint, ordered by id.
func (r *Reporter) CheckpointStats() []CheckpointStats {
	byID := make(map[string]*CheckpointStats)
	for _, rp := range r.results.Replays {
		s, ok := byID[rp.CheckpointID]
		if !ok {
			s = &CheckpointStats{CheckpointID: rp.CheckpointID}
			byID[rp.CheckpointID] = s
		}
		s.Count++
		if rp.Correct() {
			s.Accuracy++
		}
		if rp.Actual == domain.StatusClosed {
			s.Closures++
			if rp.Predicted == domain.StatusClosed {
				s.ClosureHits++
			}
		}
	}

	out := make([]CheckpointStats, 0, len(byID))
	for _, s := range byID {
		s.Accuracy /= float64(s.Count)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckpointID < out[j].CheckpointID })
	return out
}

// DailyMetrics is the accuracy of one UTC day and the running accuracy up to it.
type DailyMetrics struct {
	Date               string  `json:"date"`
	Count              int     `json:"count"`
	Accuracy           float64 `json:"accuracy"`
	CumulativeAccuracy float64 `json:"cumulative_accuracy"`
}

// DailyMetrics buckets replays by anchor day.
func (r *Reporter) DailyMetrics() []DailyMetrics {
	type tally struct{ n, hits int }
	byDay := make(map[string]*tally)
	for _, rp := range r.results.Replays {
		day := rp.At.UTC().Format("2006-01-02")
		t, ok := byDay[day]
		if !ok {
			t = &tally{}
			byDay[day] = t
		}
		t.n++
		if rp.Correct() {
			t.hits++
		}
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	out := make([]DailyMetrics, 0, len(days))
	var n, hits int
	for _, d := range days {
		t := byDay[d]
		n += t.n
		hits += t.hits
		out = append(out, DailyMetrics{
			Date:               d,
			Count:              t.n,
			Accuracy:           float64(t.hits) / float64(t.n),
			CumulativeAccuracy: float64(hits) / float64(n),
		})
	}
	return out
}

// CalibrationBin compares reported confidence with the observed hit rate.
type CalibrationBin struct {
	Lower          float64 `json:"lower"`
	Upper          float64 `json:"upper"`
	Count          int     `json:"count"`
	MeanConfidence float64 `json:"mean_confidence"`
	Accuracy       float64 `json:"accuracy"`
}

// Calibration splits [0, 1] into the given number of equal-width confidence bins. Empty
// bins are kept.
func (r *Reporter) Calibration(bins int) []CalibrationBin {
	if bins < 1 {
		bins = 1
	}
	out := make([]CalibrationBin, bins)
	width := 1 / float64(bins)
	for i := range out {
		out[i].Lower = float64(i) * width
		out[i].Upper = float64(i+1) * width
	}
	for _, rp := range r.results.Replays {
		i := int(rp.Confidence / width)
		if i >= bins {
			i = bins - 1
		}
		if i < 0 {
			i = 0
		}
		out[i].Count++
		out[i].MeanConfidence += rp.Confidence
		if rp.Correct() {
			out[i].Accuracy++
		}
	}
	for i := range out {
		if out[i].Count > 0 {
			out[i].MeanConfidence /= float64(out[i].Count)
			out[i].Accuracy /= float64(out[i].Count)
		}
	}
	return out
}

// PrintSummary writes a human-readable summary to w.
func (r *Reporter) PrintSummary(w io.Writer) {
	res := r.results
	fmt.Fprintf(w, "BACKTEST RESULTS SUMMARY\n")
	fmt.Fprintf(w, "========================\n\n")
	fmt.Fprintf(w, "Horizon: %s (model v%d)\n", res.Horizon, res.ModelVersion)
	fmt.Fprintf(w, "Time Period: %s to %s\n\n", res.From.Format(time.RFC3339), res.To.Format(time.RFC3339))

	fmt.Fprintf(w, "Replayed: %d\n", len(res.Replays))
	fmt.Fprintf(w, "Skipped (no label): %d\n", res.Unlabeled)
	fmt.Fprintf(w, "Skipped (no signal): %d\n\n", res.NoSignal)

	if len(res.Replays) == 0 {
		fmt.Fprintf(w, "No labelled anchors in range.\n")
		return
	}

	m := res.Metrics
	fmt.Fprintf(w, "Accuracy: %.2f%%\n", m.Accuracy*100)
	fmt.Fprintf(w, "Balanced Accuracy: %.2f%%\n", m.BalancedAccuracy*100)
	fmt.Fprintf(w, "Macro F1: %.3f\n", m.MacroF1)
	for _, s := range domain.Statuses {
		if rec, ok := m.PerClassRecall[s]; ok {
			fmt.Fprintf(w, "  %-8s recall %.2f%%\n", s, rec*100)
		}
	}

	fmt.Fprintf(w, "\nBY CHECKPOINT\n")
	fmt.Fprintf(w, "-------------\n")
	for _, s := range r.CheckpointStats() {
		fmt.Fprintf(w, "%s: %d anchors, %.2f%% accuracy, %d/%d closures caught\n",
			s.CheckpointID, s.Count, s.Accuracy*100, s.ClosureHits, s.Closures)
	}
}
