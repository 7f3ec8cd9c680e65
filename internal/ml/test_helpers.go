package ml

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu             sync.Mutex
	outcomes       map[string]int
	latencyCount   int
	confidences    []float64
	schemaMismatch int
	activeVersions map[string]int
}

func (m *MockMetrics) PredictionsInc(horizon, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[horizon+"/"+outcome]++
}

func (m *MockMetrics) PredictionLatencyObserve(horizon string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencyCount++
}

func (m *MockMetrics) ConfidenceObserve(horizon string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confidences = append(m.confidences, v)
}

func (m *MockMetrics) SchemaMismatchesInc(horizon string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemaMismatch++
}

func (m *MockMetrics) ActiveVersionSet(horizon string, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeVersions == nil {
		m.activeVersions = make(map[string]int)
	}
	m.activeVersions[horizon] = version
}

// Outcome returns how many predictions for horizon ended with outcome.
func (m *MockMetrics) Outcome(horizon, outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[horizon+"/"+outcome]
}

// SchemaMismatches returns the number of recorded schema mismatches.
func (m *MockMetrics) SchemaMismatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemaMismatch
}

// ActiveVersion returns the last active version reported for horizon.
func (m *MockMetrics) ActiveVersion(horizon string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeVersions[horizon]
}
