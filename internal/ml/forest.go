package ml

import (
	"context"
	"encoding/json"
	"fmt"

	randomForest "github.com/malaschitz/randomForest"
	"gonum.org/v1/gonum/floats"

	"checkpoint-forecast/internal/domain"
)

// ForestName is the classifier name stored on random forest artifacts.
const ForestName = "random_forest"

// ForestConfig holds random forest hyper-parameters.
type ForestConfig struct {
	Trees          int  `yaml:"trees"`
	MaxDepth       int  `yaml:"maxDepth"`
	MinSamplesLeaf int  `yaml:"minSamplesLeaf"`
	MaxFeatures    int  `yaml:"maxFeatures"` // 0 means sqrt(features)
	Balanced       bool `yaml:"balanced"`
	// Seed drives permutation importance in training runs. Tree growth draws from the
	// process-wide source.
	Seed int64 `yaml:"seed"`
}

// DefaultForestConfig returns the production defaults.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:          100,
		MaxDepth:       15,
		MinSamplesLeaf: 5,
		Balanced:       true,
		Seed:           42,
	}
}

// RandomForest adapts github.com/malaschitz/randomForest to the Classifier interface.
type RandomForest struct {
	cfg ForestConfig
}

// NewRandomForest returns a forest classifier. Non-positive settings fall back to defaults.
func NewRandomForest(cfg ForestConfig) *RandomForest {
	def := DefaultForestConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MinSamplesLeaf < 1 {
		cfg.MinSamplesLeaf = 1
	}
	if cfg.MaxFeatures < 0 {
		cfg.MaxFeatures = 0
	}
	return &RandomForest{cfg: cfg}
}

func (f *RandomForest) Name() string { return ForestName }

// Fit grows the ensemble. Training is not interruptible; a cancelled context abandons
// the run and returns at once.
func (f *RandomForest) Fit(ctx context.Context, X [][]float64, y []int) (TrainedModel, error) {
	width, err := validateDataset(X, y)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fit interrupted: %w", err)
	}
	if f.cfg.Balanced {
		X, y = balance(X, y)
	}

	forest := &randomForest.Forest{
		Data:      randomForest.ForestData{X: X, Class: y},
		MaxDepth:  f.cfg.MaxDepth,
		LeafSize:  f.cfg.MinSamplesLeaf,
		MFeatures: f.cfg.MaxFeatures,
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("forest training panicked: %v", r)
			}
		}()
		forest.Train(f.cfg.Trees)
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fit interrupted: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}

	// the training rows are not needed for voting
	forest.Data = randomForest.ForestData{}
	return &forestModel{Features: width, Forest: forest}, nil
}

// Decode restores a model produced by MarshalBinary.
func (f *RandomForest) Decode(state []byte) (TrainedModel, error) {
	var m forestModel
	if err := json.Unmarshal(state, &m); err != nil {
		return nil, fmt.Errorf("unmarshal forest: %w", err)
	}
	if m.Features <= 0 || m.Forest == nil || m.Forest.NTrees <= 0 {
		return nil, fmt.Errorf("forest state is empty")
	}
	if len(m.Forest.Trees) != m.Forest.NTrees {
		return nil, fmt.Errorf("forest state has %d trees, header says %d", len(m.Forest.Trees), m.Forest.NTrees)
	}
	if m.Forest.Classes < 1 || m.Forest.Classes > domain.NumClasses {
		return nil, fmt.Errorf("forest state has %d classes, max %d", m.Forest.Classes, domain.NumClasses)
	}
	return &m, nil
}

// balance oversamples every present class up to the size of the largest one by cycling
// through its rows in order.
func balance(X [][]float64, y []int) ([][]float64, []int) {
	rows := make([][]int, domain.NumClasses)
	for i, c := range y {
		rows[c] = append(rows[c], i)
	}
	largest := 0
	for _, r := range rows {
		largest = max(largest, len(r))
	}

	bx := make([][]float64, 0, largest*domain.NumClasses)
	by := make([]int, 0, largest*domain.NumClasses)
	bx = append(bx, X...)
	by = append(by, y...)
	for c, r := range rows {
		for k := len(r); len(r) > 0 && k < largest; k++ {
			bx = append(bx, X[r[k%len(r)]])
			by = append(by, c)
		}
	}
	return bx, by
}

type forestModel struct {
	Features int                  `json:"features"`
	Forest   *randomForest.Forest `json:"forest"`
}

func (m *forestModel) NumFeatures() int { return m.Features }

// PredictProba averages the tree votes. Classes absent from training get zero.
func (m *forestModel) PredictProba(x []float64) ([]float64, error) {
	if len(x) != m.Features {
		return nil, fmt.Errorf("expected %d features, got %d", m.Features, len(x))
	}
	out := make([]float64, domain.NumClasses)
	copy(out, m.Forest.Vote(x))
	if s := floats.Sum(out); s > 0 {
		floats.Scale(1/s, out)
	} else {
		out[domain.StatusUnknown.Index()] = 1
	}
	return out, nil
}

func (m *forestModel) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}
