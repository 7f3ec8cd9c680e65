package features

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"checkpoint-forecast/internal/domain"
)

// minConfidenceWeight keeps zero-confidence mentions from zeroing the aggregation weights.
const minConfidenceWeight = 0.05

// minDecayWeight keeps stale mentions from underflowing the aggregation weights to zero.
const minDecayWeight = 1e-12

// defaultRate is reported for closure rates with no history behind them.
const defaultRate = 0.5

var temporalNames = []string{
	"hour_of_day", "day_of_week", "hour_sin", "hour_cos", "dow_sin", "dow_cos",
	"is_weekend", "is_peak_morning", "is_peak_evening", "is_holiday",
	"days_to_next_holiday", "minutes_since_last_observation",
}

var socialNames = []string{
	"sentiment_mean", "sentiment_std", "sentiment_min", "sentiment_max", "sentiment_conf_weighted",
	"vote_open", "vote_closed", "vote_partial", "vote_unknown",
	"source_diversity", "mention_rate_per_hour", "engagement_log", "extraction_confidence_mean",
}

var historicalNames = []string{
	"closure_rate", "partial_rate", "closure_rate_slot", "closure_rate_hour",
	"closure_rate_weekday", "closure_rate_weekend", "closure_trend_slope",
	"hours_since_last_status", "last_status_open", "last_status_closed",
	"last_status_partial", "last_status_unknown", "history_records",
}

var checkpointNames = []string{
	"type_permanent", "type_flying", "type_temporary", "type_barrier",
	"region_ordinal", "latitude", "longitude",
}

// MetricsTracker receives extraction counters. Implementations must be safe for
// concurrent use.
type MetricsTracker interface {
	FeatureVectorsInc(horizon string)
	MalformedObservationsInc()
}

// Extractor computes feature vectors for both horizons.
type Extractor struct {
	schemas  map[domain.Horizon]*Schema
	calendar *Calendar
	metrics  MetricsTracker
}

// NewExtractor builds an extractor with one schema per horizon. Horizons missing from
// params use DefaultParams. metrics may be nil.
func NewExtractor(cal *Calendar, params map[domain.Horizon]Params, metrics MetricsTracker) (*Extractor, error) {
	if cal == nil {
		var err error
		if cal, err = NewCalendar(time.UTC, nil); err != nil {
			return nil, err
		}
	}
	e := &Extractor{
		schemas:  make(map[domain.Horizon]*Schema, len(domain.Horizons)),
		calendar: cal,
		metrics:  metrics,
	}
	for _, h := range domain.Horizons {
		p, ok := params[h]
		if !ok {
			p = DefaultParams(h)
		}
		s, err := NewSchema(h, p)
		if err != nil {
			return nil, err
		}
		e.schemas[h] = s
	}
	return e, nil
}

// Schema returns the layout used for h.
func (e *Extractor) Schema(h domain.Horizon) (*Schema, error) {
	s, ok := e.schemas[h]
	if !ok {
		return nil, fmt.Errorf("no feature schema for horizon %q", h)
	}
	return s, nil
}

// Local returns t in the calendar's timezone.
func (e *Extractor) Local(t time.Time) time.Time { return e.calendar.Local(t) }

// ObservationWindow is the inclusive observation range Extract reads for ref.
func (e *Extractor) ObservationWindow(h domain.Horizon, ref time.Time) (from, to time.Time, err error) {
	s, err := e.Schema(h)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return ref.Add(-s.Params.Lookback()), ref, nil
}

// HistoryWindow is the inclusive status-record range Extract reads for ref.
func (e *Extractor) HistoryWindow(h domain.Horizon, ref time.Time) (from, to time.Time, err error) {
	s, err := e.Schema(h)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return ref.Add(-s.Params.HistoryLookback), ref, nil
}

// Extract computes the feature vector of cp at ref for horizon h.
//
// Observations are used when ref-lookback < timestamp <= ref and status records when
// ref-historyLookback <= timestamp < ref; anything outside those bounds, or belonging to
// another checkpoint, is ignored. Malformed observations are skipped.
func (e *Extractor) Extract(cp domain.Checkpoint, ref time.Time, h domain.Horizon,
	obs []domain.Observation, hist []domain.StatusRecord) (Vector, error) {
	s, err := e.Schema(h)
	if err != nil {
		return Vector{}, err
	}
	if ref.IsZero() {
		return Vector{}, errors.New("reference time is required")
	}

	values := make([]float64, s.Len())
	set := func(name string, v float64) {
		values[s.index[name]] = v
	}

	window := e.selectObservations(cp.ID, ref, s.Params.Lookback(), obs)
	records := selectHistory(cp.ID, ref, s.Params.HistoryLookback, hist)

	e.temporal(set, s, ref, window)
	social(set, s, ref, window)
	e.historical(set, s, ref, records)
	checkpoint(set, s, cp)

	if e.metrics != nil {
		e.metrics.FeatureVectorsInc(string(h))
	}

	names := make([]string, len(s.Names))
	copy(names, s.Names)
	return Vector{Horizon: h, SchemaVersion: s.Version, Names: names, Values: values}, nil
}

// selectObservations returns the valid observations of checkpointID inside
// (ref-lookback, ref], ordered by timestamp, id and source.
func (e *Extractor) selectObservations(checkpointID string, ref time.Time, lookback time.Duration,
	obs []domain.Observation) []domain.Observation {
	from := ref.Add(-lookback)
	out := make([]domain.Observation, 0, len(obs))
	for _, o := range obs {
		if o.CheckpointID != "" && o.CheckpointID != checkpointID {
			continue
		}
		if err := o.Validate(); err != nil {
			log.Debug().Err(err).Str("checkpoint", checkpointID).Msg("skipping malformed observation")
			if e.metrics != nil {
				e.metrics.MalformedObservationsInc()
			}
			continue
		}
		if o.Timestamp.After(ref) || !o.Timestamp.After(from) {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Source < b.Source
	})
	return out
}

// selectHistory returns records of checkpointID inside [ref-lookback, ref), ascending.
func selectHistory(checkpointID string, ref time.Time, lookback time.Duration,
	hist []domain.StatusRecord) []domain.StatusRecord {
	from := ref.Add(-lookback)
	out := make([]domain.StatusRecord, 0, len(hist))
	for _, r := range hist {
		if r.CheckpointID != "" && r.CheckpointID != checkpointID {
			continue
		}
		if !r.Timestamp.Before(ref) || r.Timestamp.Before(from) || !r.Status.Valid() {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Status < out[j].Status
	})
	return out
}

func (e *Extractor) temporal(set func(string, float64), s *Schema, ref time.Time, window []domain.Observation) {
	local := e.calendar.Local(ref)
	hour := float64(local.Hour())
	dow := float64(local.Weekday())

	set("hour_of_day", hour)
	set("day_of_week", dow)
	set("hour_sin", math.Sin(2*math.Pi*hour/24))
	set("hour_cos", math.Cos(2*math.Pi*hour/24))
	set("dow_sin", math.Sin(2*math.Pi*dow/7))
	set("dow_cos", math.Cos(2*math.Pi*dow/7))
	set("is_weekend", boolf(IsWeekend(local.Weekday())))
	set("is_peak_morning", boolf(local.Hour() >= 6 && local.Hour() <= 9))
	set("is_peak_evening", boolf(local.Hour() >= 16 && local.Hour() <= 19))
	set("is_holiday", boolf(e.calendar.IsHoliday(ref)))
	set("days_to_next_holiday", float64(e.calendar.DaysToNextHoliday(ref)))

	since := s.Params.Lookback().Minutes()
	if n := len(window); n > 0 {
		since = math.Min(since, ref.Sub(window[n-1].Timestamp).Minutes())
	}
	set("minutes_since_last_observation", since)
}

func social(set func(string, float64), s *Schema, ref time.Time, window []domain.Observation) {
	for _, w := range s.Params.SubWindows {
		from := ref.Add(-w)
		n := 0
		for _, o := range window {
			if o.Timestamp.After(from) {
				n++
			}
		}
		label := windowLabel(w)
		set("mentions_"+label, float64(n))
		set(flagPrefix+label, boolf(n == 0))
	}

	if len(window) == 0 {
		// every social aggregate stays zero
		return
	}

	sentiments := make([]float64, len(window))
	confidences := make([]float64, len(window))
	weights := make([]float64, len(window))
	votes := make([]float64, domain.NumClasses)
	sources := make(map[string]struct{})
	engagement := 0

	for i, o := range window {
		sentiments[i] = o.SentimentScore
		confidences[i] = o.ExtractionConfidence
		weights[i] = math.Max(s.Params.Decay(ref.Sub(o.Timestamp)), minDecayWeight) *
			math.Max(o.ExtractionConfidence, minConfidenceWeight)

		status := o.InferredStatus
		if status == "" {
			status = domain.StatusUnknown
		}
		votes[status.Index()] += weights[i]
		sources[o.Source] = struct{}{}
		engagement += o.Engagement.Total()
	}

	mean, std := stat.PopMeanStdDev(sentiments, weights)
	set("sentiment_mean", mean)
	set("sentiment_std", std)
	set("sentiment_min", floats.Min(sentiments))
	set("sentiment_max", floats.Max(sentiments))
	if sc := floats.Sum(confidences); sc > 0 {
		set("sentiment_conf_weighted", floats.Dot(sentiments, confidences)/sc)
	}

	floats.Scale(1/floats.Sum(weights), votes)
	set("vote_open", votes[0])
	set("vote_closed", votes[1])
	set("vote_partial", votes[2])
	set("vote_unknown", votes[3])

	set("source_diversity", float64(len(sources)))
	set("mention_rate_per_hour", float64(len(window))/s.Params.Lookback().Hours())
	set("engagement_log", math.Log1p(float64(engagement)))
	set("extraction_confidence_mean", stat.Mean(confidences, nil))
}

func (e *Extractor) historical(set func(string, float64), s *Schema, ref time.Time, records []domain.StatusRecord) {
	set("hours_since_last_status", s.Params.HistoryLookback.Hours())
	set("history_records", math.Log1p(float64(len(records))))
	set(flagPrefix+"history", boolf(len(records) == 0))

	if len(records) == 0 {
		for _, n := range []string{"closure_rate", "closure_rate_slot", "closure_rate_hour",
			"closure_rate_weekday", "closure_rate_weekend"} {
			set(n, defaultRate)
		}
		return
	}

	local := e.calendar.Local(ref)
	var all, slot, hour, weekday, weekend rateCounter
	for _, r := range records {
		lt := e.calendar.Local(r.Timestamp)
		all.add(r.Status)
		if lt.Hour() == local.Hour() {
			hour.add(r.Status)
			if lt.Weekday() == local.Weekday() {
				slot.add(r.Status)
			}
		}
		if lt.Weekday() == local.Weekday() {
			weekday.add(r.Status)
		}
		if IsWeekend(lt.Weekday()) {
			weekend.add(r.Status)
		}
	}

	base := all.closure(defaultRate)
	set("closure_rate", base)
	set("partial_rate", float64(all.partial)/float64(all.total))
	set("closure_rate_slot", slot.closure(base))
	set("closure_rate_hour", hour.closure(base))
	set("closure_rate_weekday", weekday.closure(base))
	set("closure_rate_weekend", weekend.closure(base))
	set("closure_trend_slope", trendSlope(ref, records, s.Params.TrendDays))

	last := records[len(records)-1]
	set("hours_since_last_status", math.Min(s.Params.HistoryLookback.Hours(), ref.Sub(last.Timestamp).Hours()))
	set("last_status_"+string(last.Status), 1)
}

type rateCounter struct {
	total, closed, partial int
}

func (c *rateCounter) add(st domain.Status) {
	c.total++
	switch st {
	case domain.StatusClosed:
		c.closed++
	case domain.StatusPartial:
		c.partial++
	}
}

func (c rateCounter) closure(fallback float64) float64 {
	if c.total == 0 {
		return fallback
	}
	return float64(c.closed) / float64(c.total)
}

// trendSlope fits daily closure rates over the last days against day offset and returns
// the change in closure rate per day. Fewer than two populated days yields 0.
func trendSlope(ref time.Time, records []domain.StatusRecord, days int) float64 {
	buckets := make(map[int]*rateCounter)
	for _, r := range records {
		ago := int(ref.Sub(r.Timestamp) / (24 * time.Hour))
		if ago >= days {
			continue
		}
		b, ok := buckets[ago]
		if !ok {
			b = &rateCounter{}
			buckets[ago] = b
		}
		b.add(r.Status)
	}
	if len(buckets) < 2 {
		return 0
	}

	offsets := make([]int, 0, len(buckets))
	for ago := range buckets {
		offsets = append(offsets, ago)
	}
	sort.Ints(offsets)

	xs := make([]float64, len(offsets))
	ys := make([]float64, len(offsets))
	for i, ago := range offsets {
		xs[i] = -float64(ago)
		ys[i] = buckets[ago].closure(0)
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return 0
	}
	return beta
}

func checkpoint(set func(string, float64), s *Schema, cp domain.Checkpoint) {
	for _, t := range domain.CheckpointTypes {
		if cp.Type == t {
			set("type_"+string(t), 1)
		}
	}
	region := strings.ToLower(strings.TrimSpace(cp.Region))
	for i, r := range s.Params.Regions {
		if strings.ToLower(r) == region {
			set("region_ordinal", float64(i+1))
			break
		}
	}
	set("latitude", cp.Latitude)
	set("longitude", cp.Longitude)
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
