// Package features turns checkpoint observations and status history into the fixed,
// versioned numeric vectors consumed by the horizon classifiers.
//
// Extraction is a pure function of its inputs: the reference time is always supplied by
// the caller and nothing reads the wall clock, so training and serving compute identical
// vectors for identical inputs.
package features

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"checkpoint-forecast/internal/domain"
)

// schemaRevision is bumped whenever the feature layout changes shape.
const schemaRevision = 1

// maxDecayRatio bounds lookback/half-life so decay weights stay representable.
const maxDecayRatio = 1000

// flagPrefix marks the sentinel features that encode a missing signal.
const flagPrefix = "no_signal_"

// Params are the per-horizon weighting and window parameters. They are part of the
// schema version: changing any of them invalidates previously trained artifacts.
type Params struct {
	SubWindows      []time.Duration // social sub-windows, ascending; the largest is the social lookback
	DecayHalfLife   time.Duration
	HistoryLookback time.Duration
	TrendDays       int
	Regions         []string // ordinal encoding order for Checkpoint.Region
}

// DefaultRegions is the region ordinal order used when none is configured.
var DefaultRegions = []string{
	"jerusalem", "ramallah", "bethlehem", "hebron", "nablus", "jenin",
	"tulkarm", "qalqilya", "salfit", "jericho", "tubas", "jordan-valley",
}

// DefaultParams returns the built-in parameters for h.
func DefaultParams(h domain.Horizon) Params {
	if h == domain.HorizonLong {
		return Params{
			SubWindows:      []time.Duration{6 * time.Hour, 24 * time.Hour, 72 * time.Hour},
			DecayHalfLife:   12 * time.Hour,
			HistoryLookback: 60 * 24 * time.Hour,
			TrendDays:       14,
			Regions:         DefaultRegions,
		}
	}
	return Params{
		SubWindows:      []time.Duration{time.Hour, 3 * time.Hour, 6 * time.Hour},
		DecayHalfLife:   45 * time.Minute,
		HistoryLookback: 14 * 24 * time.Hour,
		TrendDays:       7,
		Regions:         DefaultRegions,
	}
}

// Validate checks that p can drive an extraction.
func (p Params) Validate() error {
	if len(p.SubWindows) == 0 {
		return fmt.Errorf("at least one social sub-window is required")
	}
	for i, w := range p.SubWindows {
		if w <= 0 {
			return fmt.Errorf("sub-window %d must be positive, got %s", i, w)
		}
		if i > 0 && w <= p.SubWindows[i-1] {
			return fmt.Errorf("sub-windows must be strictly ascending, got %s after %s", w, p.SubWindows[i-1])
		}
	}
	if p.DecayHalfLife <= 0 {
		return fmt.Errorf("decay half-life must be positive, got %s", p.DecayHalfLife)
	}
	if r := p.Lookback().Seconds() / p.DecayHalfLife.Seconds(); r > maxDecayRatio {
		return fmt.Errorf("decay half-life %s is too short for a %s lookback (ratio %.0f, max %d)",
			p.DecayHalfLife, p.Lookback(), r, maxDecayRatio)
	}
	if p.HistoryLookback < 24*time.Hour {
		return fmt.Errorf("history lookback must be at least 24h, got %s", p.HistoryLookback)
	}
	if p.TrendDays < 2 {
		return fmt.Errorf("trend days must be at least 2, got %d", p.TrendDays)
	}
	return nil
}

// Lookback is the social observation window: the largest sub-window.
func (p Params) Lookback() time.Duration {
	return p.SubWindows[len(p.SubWindows)-1]
}

// Decay returns the recency weight of an observation of the given age.
// weight = 2^(-age/halfLife), 1 for age <= 0.
func (p Params) Decay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Seconds() / p.DecayHalfLife.Seconds())
}

// Schema is the ordered feature layout for one horizon.
type Schema struct {
	Horizon domain.Horizon
	Version string
	Names   []string
	Params  Params

	index map[string]int
	flags []int
}

// NewSchema builds the layout for h and derives its version from the feature names and
// the weighting parameters.
func NewSchema(h domain.Horizon, p Params) (*Schema, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("invalid horizon %q", h)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s params: %w", h, err)
	}

	names := make([]string, 0, 64)
	names = append(names, temporalNames...)
	for _, w := range p.SubWindows {
		names = append(names, "mentions_"+windowLabel(w))
	}
	names = append(names, socialNames...)
	names = append(names, historicalNames...)
	names = append(names, checkpointNames...)
	for _, w := range p.SubWindows {
		names = append(names, flagPrefix+windowLabel(w))
	}
	names = append(names, flagPrefix+"history")

	s := &Schema{
		Horizon: h,
		Names:   names,
		Params:  p,
		index:   make(map[string]int, len(names)),
	}
	for i, n := range names {
		s.index[n] = i
		if strings.HasPrefix(n, flagPrefix) {
			s.flags = append(s.flags, i)
		}
	}
	s.Version = fmt.Sprintf("%s-v%d-%08x", h, schemaRevision, s.fingerprint())
	return s, nil
}

func (s *Schema) fingerprint() uint32 {
	f := fnv.New32a()
	for _, n := range s.Names {
		f.Write([]byte(n))
		f.Write([]byte{0})
	}
	fmt.Fprintf(f, "half=%d;hist=%d;trend=%d;", s.Params.DecayHalfLife, s.Params.HistoryLookback, s.Params.TrendDays)
	for _, r := range s.Params.Regions {
		fmt.Fprintf(f, "r=%s;", r)
	}
	return f.Sum32()
}

// Len returns the number of features.
func (s *Schema) Len() int { return len(s.Names) }

// Index returns the position of name, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// FlagCount is the number of no-signal flag features in the layout.
func (s *Schema) FlagCount() int { return len(s.flags) }

func windowLabel(w time.Duration) string {
	switch {
	case w%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", int(w/(24*time.Hour)))
	case w%time.Hour == 0:
		return fmt.Sprintf("%dh", int(w/time.Hour))
	default:
		return fmt.Sprintf("%dm", int(w/time.Minute))
	}
}

// Vector is a computed feature vector. Values follow Names positionally.
type Vector struct {
	Horizon       domain.Horizon `json:"horizon"`
	SchemaVersion string         `json:"schema_version"`
	Names         []string       `json:"names"`
	Values        []float64      `json:"values"`
}

// Get returns the value of the named feature.
func (v Vector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Flags returns the number of set no-signal flags and the number of flag features.
func (v Vector) Flags() (missing, total int) {
	for i, n := range v.Names {
		if !strings.HasPrefix(n, flagPrefix) {
			continue
		}
		total++
		if v.Values[i] != 0 {
			missing++
		}
	}
	return missing, total
}

// NoSignal reports whether every missing-signal flag is set.
func (v Vector) NoSignal() bool {
	missing, total := v.Flags()
	return total > 0 && missing == total
}
