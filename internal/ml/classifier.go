// Package ml provides the horizon classifiers and everything that serves them: the
// pluggable fit/predict capability with a default random forest, evaluation, the
// versioned model registry and the prediction engine.
package ml

import (
	"context"
	"fmt"

	"checkpoint-forecast/internal/domain"
)

// Classifier fits multi-class probabilistic models. Class labels are status indices
// (domain.Status.Index) and every distribution has domain.NumClasses entries.
type Classifier interface {
	// Name identifies the implementation; it is stored on artifacts and used to
	// pick the decoder when an artifact is loaded.
	Name() string
	Fit(ctx context.Context, X [][]float64, y []int) (TrainedModel, error)
	Decode(state []byte) (TrainedModel, error)
}

// TrainedModel is a fitted, immutable model. PredictProba must be safe for concurrent use.
type TrainedModel interface {
	PredictProba(x []float64) ([]float64, error)
	NumFeatures() int
	MarshalBinary() ([]byte, error)
}

// ClassifierSet resolves a classifier by name.
type ClassifierSet map[string]Classifier

// NewClassifierSet indexes cs by Name.
func NewClassifierSet(cs ...Classifier) ClassifierSet {
	set := make(ClassifierSet, len(cs))
	for _, c := range cs {
		set[c.Name()] = c
	}
	return set
}

// Decode rebuilds the model stored in a.
func (s ClassifierSet) Decode(a domain.ModelArtifact) (TrainedModel, error) {
	c, ok := s[a.Classifier]
	if !ok {
		return nil, fmt.Errorf("no decoder for classifier %q", a.Classifier)
	}
	m, err := c.Decode(a.State)
	if err != nil {
		return nil, fmt.Errorf("decode %s v%d: %w", a.Horizon, a.Version, err)
	}
	if m.NumFeatures() != len(a.FeatureNames) {
		return nil, fmt.Errorf("decode %s v%d: model expects %d features, artifact lists %d",
			a.Horizon, a.Version, m.NumFeatures(), len(a.FeatureNames))
	}
	return m, nil
}

func validateDataset(X [][]float64, y []int) (int, error) {
	if len(X) == 0 {
		return 0, fmt.Errorf("empty training set")
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("%d rows but %d labels", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return 0, fmt.Errorf("rows have no features")
	}
	for i, row := range X {
		if len(row) != width {
			return 0, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
		if y[i] < 0 || y[i] >= domain.NumClasses {
			return 0, fmt.Errorf("row %d has label %d outside [0,%d)", i, y[i], domain.NumClasses)
		}
	}
	return width, nil
}
