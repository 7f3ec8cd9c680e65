package domain

import (
	"context"
	"fmt"
	"time"
)

// Distribution is a probability per status class.
type Distribution struct {
	Open    float64 `json:"open"`
	Closed  float64 `json:"closed"`
	Partial float64 `json:"partial"`
	Unknown float64 `json:"unknown"`
}

// DistributionFrom builds a Distribution from a class-ordered slice.
func DistributionFrom(p []float64) (Distribution, error) {
	if len(p) != NumClasses {
		return Distribution{}, fmt.Errorf("expected %d probabilities, got %d", NumClasses, len(p))
	}
	return Distribution{Open: p[0], Closed: p[1], Partial: p[2], Unknown: p[3]}, nil
}

// Slice returns the probabilities in class order.
func (d Distribution) Slice() []float64 {
	return []float64{d.Open, d.Closed, d.Partial, d.Unknown}
}

// Of returns the probability assigned to s.
func (d Distribution) Of(s Status) float64 {
	i := s.Index()
	if i < 0 {
		return 0
	}
	return d.Slice()[i]
}

// Prediction is the record emitted for downstream consumers.
type Prediction struct {
	CheckpointID    string       `json:"checkpoint_id"`
	Horizon         Horizon      `json:"horizon"`
	Timestamp       time.Time    `json:"timestamp"`
	PredictionFor   time.Time    `json:"prediction_for"`
	PredictedStatus Status       `json:"predicted_status"`
	Probabilities   Distribution `json:"probabilities"`
	Confidence      float64      `json:"confidence"`
	RawConfidence   float64      `json:"raw_confidence"`
	MissingSignals  int          `json:"missing_signals"`
	ModelVersion    int          `json:"model_version"`
	SchemaVersion   string       `json:"schema_version"`
}

// EvalMetrics summarises holdout performance of a trained model.
type EvalMetrics struct {
	Accuracy          float64             `json:"accuracy"`
	BalancedAccuracy  float64             `json:"balanced_accuracy"`
	MacroPrecision    float64             `json:"macro_precision"`
	MacroRecall       float64             `json:"macro_recall"`
	MacroF1           float64             `json:"macro_f1"`
	PerClassRecall    map[Status]float64  `json:"per_class_recall,omitempty"`
	Confusion         [][]int             `json:"confusion,omitempty"` // [actual][predicted]
	TrainSamples      int                 `json:"train_samples"`
	TestSamples       int                 `json:"test_samples"`
	FeatureImportance []FeatureImportance `json:"feature_importance,omitempty"`
}

// FeatureImportance is the holdout accuracy drop observed when one feature is permuted.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// ModelArtifact is an immutable, versioned classifier snapshot for one horizon.
type ModelArtifact struct {
	Horizon       Horizon     `json:"horizon"`
	Version       int         `json:"version"`
	SchemaVersion string      `json:"schema_version"`
	FeatureNames  []string    `json:"feature_names"`
	Classifier    string      `json:"classifier"`
	State         []byte      `json:"state"`
	CreatedAt     time.Time   `json:"created_at"`
	TrainedFrom   time.Time   `json:"trained_from"`
	TrainedTo     time.Time   `json:"trained_to"`
	Metrics       EvalMetrics `json:"metrics"`
}

// ArtifactInfo is the listing view of an artifact, without classifier state.
type ArtifactInfo struct {
	Horizon       Horizon     `json:"horizon"`
	Version       int         `json:"version"`
	SchemaVersion string      `json:"schema_version"`
	Classifier    string      `json:"classifier"`
	CreatedAt     time.Time   `json:"created_at"`
	Metrics       EvalMetrics `json:"metrics"`
	Active        bool        `json:"active"`
}

// Info returns the listing view of a.
func (a ModelArtifact) Info(active bool) ArtifactInfo {
	return ArtifactInfo{
		Horizon:       a.Horizon,
		Version:       a.Version,
		SchemaVersion: a.SchemaVersion,
		Classifier:    a.Classifier,
		CreatedAt:     a.CreatedAt,
		Metrics:       a.Metrics,
		Active:        active,
	}
}

// JobStatus is the lifecycle state of a training job.
type JobStatus string

const (
	JobPending          JobStatus = "pending"
	JobRunning          JobStatus = "running"
	JobSucceeded        JobStatus = "succeeded"
	JobFailed           JobStatus = "failed"
	JobInsufficientData JobStatus = "insufficient-data"
)

// TrainingJob is the bookkeeping row for one training run.
type TrainingJob struct {
	ID               string       `json:"id"`
	Horizon          Horizon      `json:"horizon"`
	AsOf             time.Time    `json:"as_of"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at,omitempty"`
	Status           JobStatus    `json:"status"`
	Rejected         bool         `json:"rejected"`
	SampleCount      int          `json:"sample_count"`
	ResultingVersion *int         `json:"resulting_version"`
	Metrics          *EvalMetrics `json:"metrics,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// Repository is the bounded, time-filterable read interface over collector output.
// Ranges are inclusive of both ends.
type Repository interface {
	Checkpoints(ctx context.Context) ([]Checkpoint, error)
	Checkpoint(ctx context.Context, id string) (Checkpoint, error)
	Observations(ctx context.Context, checkpointID string, from, to time.Time) ([]Observation, error)
	StatusHistory(ctx context.Context, checkpointID string, from, to time.Time) ([]StatusRecord, error)
}
