package ml

import (
	"fmt"
	"math/rand"
	"sort"

	"checkpoint-forecast/internal/domain"
)

// ArgMax returns the index of the largest probability; ties resolve to the lower index.
func ArgMax(p []float64) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}

// Evaluate scores model on a holdout set. Balanced accuracy, macro precision and macro
// recall average over the classes present in y only.
func Evaluate(model TrainedModel, X [][]float64, y []int) (domain.EvalMetrics, error) {
	if len(X) == 0 || len(X) != len(y) {
		return domain.EvalMetrics{}, fmt.Errorf("evaluation needs matching non-empty rows and labels, got %d and %d", len(X), len(y))
	}
	pred := make([]int, len(X))
	for i, row := range X {
		p, err := model.PredictProba(row)
		if err != nil {
			return domain.EvalMetrics{}, fmt.Errorf("predict row %d: %w", i, err)
		}
		pred[i] = ArgMax(p)
	}
	return Score(y, pred), nil
}

// Score builds evaluation metrics from true and predicted class indices of equal length.
func Score(y, pred []int) domain.EvalMetrics {
	k := domain.NumClasses
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}
	correct := 0
	for i := range y {
		confusion[y[i]][pred[i]]++
		if y[i] == pred[i] {
			correct++
		}
	}

	m := domain.EvalMetrics{
		Accuracy:       float64(correct) / float64(len(y)),
		PerClassRecall: make(map[domain.Status]float64),
		Confusion:      confusion,
		TestSamples:    len(y),
	}

	var present int
	var sumRecall, sumPrecision, sumF1 float64
	for c := 0; c < k; c++ {
		actual, predicted := 0, 0
		for j := 0; j < k; j++ {
			actual += confusion[c][j]
			predicted += confusion[j][c]
		}
		if actual == 0 {
			continue
		}
		present++
		tp := float64(confusion[c][c])
		recall := tp / float64(actual)
		precision := 0.0
		if predicted > 0 {
			precision = tp / float64(predicted)
		}
		f1 := 0.0
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}
		m.PerClassRecall[domain.Statuses[c]] = recall
		sumRecall += recall
		sumPrecision += precision
		sumF1 += f1
	}
	m.BalancedAccuracy = sumRecall / float64(present)
	m.MacroRecall = m.BalancedAccuracy
	m.MacroPrecision = sumPrecision / float64(present)
	m.MacroF1 = sumF1 / float64(present)
	return m
}

// PermutationImportance measures the drop in holdout balanced accuracy when each feature
// column is shuffled. It returns at most top entries, largest drop first.
func PermutationImportance(model TrainedModel, X [][]float64, y []int, names []string,
	seed int64, top int) ([]domain.FeatureImportance, error) {
	base, err := Evaluate(model, X, y)
	if err != nil {
		return nil, err
	}
	if len(names) != len(X[0]) {
		return nil, fmt.Errorf("%d feature names for %d columns", len(names), len(X[0]))
	}

	rng := rand.New(rand.NewSource(seed))
	shuffled := make([][]float64, len(X))
	for i := range X {
		shuffled[i] = make([]float64, len(X[i]))
	}

	out := make([]domain.FeatureImportance, 0, len(names))
	for f, name := range names {
		for i := range X {
			copy(shuffled[i], X[i])
		}
		perm := rng.Perm(len(X))
		for i, j := range perm {
			shuffled[i][f] = X[j][f]
		}
		m, err := Evaluate(model, shuffled, y)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.FeatureImportance{Feature: name, Importance: base.BalancedAccuracy - m.BalancedAccuracy})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Feature < out[j].Feature
	})
	if top > 0 && len(out) > top {
		out = out[:top]
	}
	return out, nil
}
