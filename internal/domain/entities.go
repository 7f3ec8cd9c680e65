package domain

import (
	"math"
	"time"
)

// CheckpointType is the static kind of a checkpoint.
type CheckpointType string

const (
	CheckpointPermanent CheckpointType = "permanent"
	CheckpointFlying    CheckpointType = "flying"
	CheckpointTemporary CheckpointType = "temporary"
	CheckpointBarrier   CheckpointType = "barrier"
)

// CheckpointTypes lists the known types in one-hot encoding order.
var CheckpointTypes = []CheckpointType{CheckpointPermanent, CheckpointFlying, CheckpointTemporary, CheckpointBarrier}

// Checkpoint is immutable reference data created at provisioning time.
type Checkpoint struct {
	ID          string            `json:"id"`
	Names       map[string]string `json:"names"` // language code -> display name
	Latitude    float64           `json:"latitude"`
	Longitude   float64           `json:"longitude"`
	Type        CheckpointType    `json:"type"`
	Region      string            `json:"region"`
	Governorate string            `json:"governorate,omitempty"`
}

// DisplayName returns the name for lang, falling back to English and then the ID.
func (c Checkpoint) DisplayName(lang string) string {
	if n, ok := c.Names[lang]; ok && n != "" {
		return n
	}
	if n, ok := c.Names["en"]; ok && n != "" {
		return n
	}
	return c.ID
}

// Engagement holds the social counters attached to a mention.
type Engagement struct {
	Likes    int `json:"likes"`
	Shares   int `json:"shares"`
	Comments int `json:"comments"`
}

// Total returns the sum of all counters, ignoring negative values.
func (e Engagement) Total() int {
	t := 0
	for _, v := range []int{e.Likes, e.Shares, e.Comments} {
		if v > 0 {
			t += v
		}
	}
	return t
}

// Observation is a single social-media mention produced by an external collector.
type Observation struct {
	ID                   string     `json:"id"`
	CheckpointID         string     `json:"checkpoint_id"`
	Source               string     `json:"source"`
	Text                 string     `json:"text"`
	InferredStatus       Status     `json:"inferred_status"`
	SentimentScore       float64    `json:"sentiment_score"`
	ExtractionConfidence float64    `json:"extraction_confidence"`
	Timestamp            time.Time  `json:"timestamp"`
	Engagement           Engagement `json:"engagement_counts"`
}

// Validate checks the fields feature computation depends on.
func (o Observation) Validate() error {
	switch {
	case o.Timestamp.IsZero():
		return &MalformedObservationError{ID: o.ID, Field: "timestamp", Reason: "missing"}
	case math.IsNaN(o.SentimentScore) || o.SentimentScore < -1 || o.SentimentScore > 1:
		return &MalformedObservationError{ID: o.ID, Field: "sentiment_score", Reason: "outside [-1, 1]"}
	case math.IsNaN(o.ExtractionConfidence) || o.ExtractionConfidence < 0 || o.ExtractionConfidence > 1:
		return &MalformedObservationError{ID: o.ID, Field: "extraction_confidence", Reason: "outside [0, 1]"}
	case o.InferredStatus != "" && !o.InferredStatus.Valid():
		return &MalformedObservationError{ID: o.ID, Field: "inferred_status", Reason: "unknown label " + string(o.InferredStatus)}
	}
	return nil
}

// StatusRecord is an append-only ground-truth observation used as a training label.
type StatusRecord struct {
	CheckpointID string    `json:"checkpoint_id"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Provenance   string    `json:"provenance"`
}
