package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoModelAvailable is returned when no artifact has been published for a horizon.
	ErrNoModelAvailable = errors.New("no model available")
	// ErrInsufficientSignal is returned when a feature vector carries no evidence at all.
	ErrInsufficientSignal = errors.New("insufficient signal")
	// ErrTrainingInProgress rejects a run for a horizon that is already training.
	ErrTrainingInProgress = errors.New("training already in progress")
	// ErrVersionNotFound is returned by rollback or lookup of an unknown artifact version.
	ErrVersionNotFound = errors.New("model version not found")
	// ErrCheckpointNotFound is returned by repositories for an unknown checkpoint id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// SchemaMismatchError means a feature vector cannot be scored by the loaded artifact.
type SchemaMismatchError struct {
	Horizon  Horizon
	Artifact string // schema version the artifact was trained against
	Vector   string // schema version of the computed feature vector
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %s horizon: artifact trained on %q, vector computed with %q",
		e.Horizon, e.Artifact, e.Vector)
}

// MalformedObservationError describes a single observation excluded from feature computation.
type MalformedObservationError struct {
	ID     string
	Field  string
	Reason string
}

func (e *MalformedObservationError) Error() string {
	return fmt.Sprintf("malformed observation %q: %s %s", e.ID, e.Field, e.Reason)
}

// DataInsufficientError is recorded on a training job whose minimum-data gate failed.
// Zero minimums mark gates that did not run and are left out of the message.
type DataInsufficientError struct {
	Days       int
	MinDays    int
	Samples    int
	MinSamples int
	Classes    int
	MinClasses int
}

func (e *DataInsufficientError) Error() string {
	msg := fmt.Sprintf("insufficient data: %d distinct days (min %d)", e.Days, e.MinDays)
	if e.MinSamples > 0 {
		msg += fmt.Sprintf(", %d samples (min %d)", e.Samples, e.MinSamples)
	}
	if e.MinClasses > 0 {
		msg += fmt.Sprintf(", %d label classes (min %d)", e.Classes, e.MinClasses)
	}
	return msg
}

// QualityGateRejected is recorded when a trained model does not score above the metric floor.
type QualityGateRejected struct {
	Metric string
	Value  float64
	Floor  float64
}

func (e *QualityGateRejected) Error() string {
	return fmt.Sprintf("quality gate rejected: %s %.4f does not exceed floor %.4f", e.Metric, e.Value, e.Floor)
}
