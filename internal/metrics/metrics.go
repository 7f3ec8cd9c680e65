// Package metrics provides Prometheus metrics collection for the checkpoint forecaster.
// It defines the prediction, training, feature extraction, ingest and publishing metrics
// exposed via the Prometheus metrics endpoint for monitoring and alerting.
//
// Most metrics carry a horizon label so the short and long models can be watched
// independently.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the forecaster.
type Metrics struct {
	// Prediction metrics
	Predictions       *prometheus.CounterVec   // Predictions by horizon and outcome
	PredictionLatency *prometheus.HistogramVec // End-to-end predict latency
	Confidence        *prometheus.HistogramVec // Reported confidence of served predictions
	SchemaMismatches  *prometheus.CounterVec   // Feature/artifact schema disagreements
	ActiveVersion     *prometheus.GaugeVec     // Active model version per horizon

	// Feature metrics
	FeatureVectors        *prometheus.CounterVec // Feature vectors computed per horizon
	MalformedObservations prometheus.Counter     // Observations skipped during extraction

	// Training metrics
	TrainingJobs     *prometheus.CounterVec   // Finished jobs by horizon and status
	TrainingDuration *prometheus.HistogramVec // Wall time of training runs
	TrainingSamples  *prometheus.GaugeVec     // Labelled samples of the last run

	// Ingest and output metrics
	StreamMessages   *prometheus.CounterVec // Stream messages accepted by kind
	StreamRejected   *prometheus.CounterVec // Stream messages rejected by reason
	StreamReconnects prometheus.Counter     // Websocket reconnections
	SourceRequests   *prometheus.CounterVec // External source calls by source and outcome
	PublishFailures  *prometheus.CounterVec // Failed publishes by channel
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_predictions_total",
			Help: "Total number of predictions by horizon and outcome",
		}, []string{"horizon", "outcome"}),
		PredictionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forecast_prediction_latency_seconds",
			Help:    "Prediction latency in seconds (end-to-end)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"horizon"}),
		Confidence: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forecast_prediction_confidence",
			Help:    "Distribution of reported prediction confidence",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"horizon"}),
		SchemaMismatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_schema_mismatches_total",
			Help: "Total number of feature schema mismatches against the active model",
		}, []string{"horizon"}),
		ActiveVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forecast_active_model_version",
			Help: "Version of the active model per horizon",
		}, []string{"horizon"}),
		FeatureVectors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_feature_vectors_total",
			Help: "Total number of feature vectors computed",
		}, []string{"horizon"}),
		MalformedObservations: factory.NewCounter(prometheus.CounterOpts{
			Name: "forecast_malformed_observations_total",
			Help: "Total number of observations skipped as malformed",
		}),
		TrainingJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_training_jobs_total",
			Help: "Total number of finished training jobs by horizon and status",
		}, []string{"horizon", "status"}),
		TrainingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forecast_training_duration_seconds",
			Help:    "Duration of training runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"horizon"}),
		TrainingSamples: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forecast_training_samples",
			Help: "Labelled samples assembled by the last training run",
		}, []string{"horizon"}),
		StreamMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_stream_messages_total",
			Help: "Total number of stream messages ingested by kind",
		}, []string{"kind"}),
		StreamRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_stream_rejected_total",
			Help: "Total number of stream messages rejected by reason",
		}, []string{"reason"}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "forecast_stream_reconnects_total",
			Help: "Total number of WebSocket reconnections",
		}),
		SourceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_source_requests_total",
			Help: "Total number of external source requests by source and outcome",
		}, []string{"source", "outcome"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forecast_publish_failures_total",
			Help: "Total number of failed publishes by channel",
		}, []string{"channel"}),
	}
}
