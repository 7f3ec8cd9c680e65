// Package publish fans predictions and training job outcomes out to Redis so
// dashboards and downstream services get them without polling storage.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
)

const (
	predictionsChannel = "predictions"
	jobsChannel        = "jobs"
	latestKey          = "latest"

	DefaultLatestTTL = 24 * time.Hour
)

// MetricsInterface defines metrics methods needed by the publisher
type MetricsInterface interface {
	PublishFailuresInc(channel string)
}

// Redis publishes to <prefix>:predictions and <prefix>:jobs and caches the latest
// prediction per checkpoint and horizon under <prefix>:latest:<checkpoint>:<horizon>.
type Redis struct {
	client    redis.Cmdable
	closer    func() error
	prefix    string
	latestTTL time.Duration
	metrics   MetricsInterface
}

// New wraps an existing client. metrics may be nil.
func New(client redis.Cmdable, prefix string, metrics MetricsInterface) *Redis {
	return &Redis{
		client:    client,
		prefix:    prefix,
		latestTTL: DefaultLatestTTL,
		metrics:   metrics,
	}
}

// Dial connects to the server named by url and verifies it answers.
func Dial(ctx context.Context, url, prefix string, metrics MetricsInterface) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Str("prefix", prefix).Msg("Redis connected")

	r := New(client, prefix, metrics)
	r.closer = client.Close
	return r, nil
}

// WithLatestTTL sets how long the latest prediction stays cached.
func (r *Redis) WithLatestTTL(ttl time.Duration) *Redis {
	if ttl > 0 {
		r.latestTTL = ttl
	}
	return r
}

// Close releases the connection if Dial created it.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// PredictionsChannel is the pub/sub channel carrying predictions.
func (r *Redis) PredictionsChannel() string { return r.key(predictionsChannel) }

// JobsChannel is the pub/sub channel carrying training job outcomes.
func (r *Redis) JobsChannel() string { return r.key(jobsChannel) }

// LatestKey is the cache key holding the newest prediction for a checkpoint and horizon.
func (r *Redis) LatestKey(checkpointID string, h domain.Horizon) string {
	return r.key(latestKey, checkpointID, string(h))
}

func (r *Redis) failed(channel string) {
	if r.metrics != nil {
		r.metrics.PublishFailuresInc(channel)
	}
}

// SavePrediction publishes p and refreshes the latest-prediction cache.
func (r *Redis) SavePrediction(ctx context.Context, p domain.Prediction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prediction: %w", err)
	}

	channel := r.PredictionsChannel()
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		r.failed(channel)
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	key := r.LatestKey(p.CheckpointID, p.Horizon)
	if err := r.client.Set(ctx, key, data, r.latestTTL).Err(); err != nil {
		r.failed(r.key(latestKey))
		return fmt.Errorf("cache %s: %w", key, err)
	}

	log.Debug().
		Str("checkpoint_id", p.CheckpointID).
		Str("horizon", string(p.Horizon)).
		Str("status", string(p.PredictedStatus)).
		Msg("Prediction published")
	return nil
}

// Latest returns the cached prediction. ok is false when nothing is cached.
func (r *Redis) Latest(ctx context.Context, checkpointID string, h domain.Horizon) (p domain.Prediction, ok bool, err error) {
	data, err := r.client.Get(ctx, r.LatestKey(checkpointID, h)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Prediction{}, false, nil
	}
	if err != nil {
		return domain.Prediction{}, false, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Prediction{}, false, fmt.Errorf("decode cached prediction: %w", err)
	}
	return p, true, nil
}

// PublishJob announces a finished training job.
func (r *Redis) PublishJob(ctx context.Context, j domain.TrainingJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	channel := r.JobsChannel()
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		r.failed(channel)
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	log.Debug().Str("job_id", j.ID).Str("horizon", string(j.Horizon)).Msg("Training job published")
	return nil
}
