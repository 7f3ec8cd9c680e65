// Package domain holds the plain value types exchanged between the feature extractor,
// the training pipeline, the model registry and the prediction engine, together with
// the error taxonomy shared by all of them.
//
// Storage collaborators hand the core fully-typed values; nothing in this package
// depends on how those values were persisted.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the operational state of a checkpoint.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusPartial Status = "partial"
	StatusUnknown Status = "unknown"
)

// Statuses lists every class in the order used for probability vectors and class indices.
var Statuses = []Status{StatusOpen, StatusClosed, StatusPartial, StatusUnknown}

// NumClasses is the size of every probability distribution produced by a model.
const NumClasses = 4

// ParseStatus converts a label to a Status. Empty input maps to StatusUnknown.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return StatusOpen, nil
	case "closed":
		return StatusClosed, nil
	case "partial":
		return StatusPartial, nil
	case "unknown", "":
		return StatusUnknown, nil
	default:
		return StatusUnknown, fmt.Errorf("unknown status %q", s)
	}
}

// Index returns the class index of s, or -1 for an unrecognised value.
func (s Status) Index() int {
	for i, v := range Statuses {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool { return s.Index() >= 0 }

// StatusAt returns the status for class index i.
func StatusAt(i int) (Status, error) {
	if i < 0 || i >= len(Statuses) {
		return StatusUnknown, fmt.Errorf("class index %d out of range", i)
	}
	return Statuses[i], nil
}

// Horizon identifies one of the two independent forecast windows.
type Horizon string

const (
	HorizonShort Horizon = "short"
	HorizonLong  Horizon = "long"
)

// Horizons lists the supported horizons.
var Horizons = []Horizon{HorizonShort, HorizonLong}

// ParseHorizon converts a CLI or query value to a Horizon.
func ParseHorizon(s string) (Horizon, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "short-term", "short_term":
		return HorizonShort, nil
	case "long", "long-term", "long_term":
		return HorizonLong, nil
	default:
		return "", fmt.Errorf("unknown horizon %q (want short or long)", s)
	}
}

// Valid reports whether h is a supported horizon.
func (h Horizon) Valid() bool {
	return h == HorizonShort || h == HorizonLong
}

// DefaultLabelOffset is the distance between a feature anchor and the status it predicts.
// Short predicts the middle of 1-3h, long the middle of 12-24h.
func (h Horizon) DefaultLabelOffset() time.Duration {
	if h == HorizonLong {
		return 18 * time.Hour
	}
	return 2 * time.Hour
}
