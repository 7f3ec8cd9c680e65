package metrics

// MetricsWrapper adapts Metrics to the narrow metric interfaces declared by the
// features, ml, training, source, stream and publish packages, so none of them
// import Prometheus.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// Prediction engine and registry

func (w *MetricsWrapper) PredictionsInc(horizon, outcome string) {
	w.m.Predictions.WithLabelValues(horizon, outcome).Inc()
}

func (w *MetricsWrapper) PredictionLatencyObserve(horizon string, seconds float64) {
	w.m.PredictionLatency.WithLabelValues(horizon).Observe(seconds)
}

func (w *MetricsWrapper) ConfidenceObserve(horizon string, v float64) {
	w.m.Confidence.WithLabelValues(horizon).Observe(v)
}

func (w *MetricsWrapper) SchemaMismatchesInc(horizon string) {
	w.m.SchemaMismatches.WithLabelValues(horizon).Inc()
}

func (w *MetricsWrapper) ActiveVersionSet(horizon string, version int) {
	w.m.ActiveVersion.WithLabelValues(horizon).Set(float64(version))
}

// Feature extraction

func (w *MetricsWrapper) FeatureVectorsInc(horizon string) {
	w.m.FeatureVectors.WithLabelValues(horizon).Inc()
}

func (w *MetricsWrapper) MalformedObservationsInc() {
	w.m.MalformedObservations.Inc()
}

// Training

func (w *MetricsWrapper) TrainingJobsInc(horizon, status string) {
	w.m.TrainingJobs.WithLabelValues(horizon, status).Inc()
}

func (w *MetricsWrapper) TrainingDurationObserve(horizon string, seconds float64) {
	w.m.TrainingDuration.WithLabelValues(horizon).Observe(seconds)
}

func (w *MetricsWrapper) TrainingSamplesSet(horizon string, n int) {
	w.m.TrainingSamples.WithLabelValues(horizon).Set(float64(n))
}

// Ingest and output

func (w *MetricsWrapper) StreamMessagesInc(kind string) {
	w.m.StreamMessages.WithLabelValues(kind).Inc()
}

func (w *MetricsWrapper) StreamRejectedInc(reason string) {
	w.m.StreamRejected.WithLabelValues(reason).Inc()
}

func (w *MetricsWrapper) StreamReconnectsInc() {
	w.m.StreamReconnects.Inc()
}

func (w *MetricsWrapper) SourceRequestsInc(source, outcome string) {
	w.m.SourceRequests.WithLabelValues(source, outcome).Inc()
}

func (w *MetricsWrapper) PublishFailuresInc(channel string) {
	w.m.PublishFailures.WithLabelValues(channel).Inc()
}
