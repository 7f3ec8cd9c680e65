// Package source provides read access to the collector's storage when it lives outside
// the local bbolt store: a rate-limited REST client guarded by a circuit breaker, and a
// Postgres repository that also accepts predictions.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"checkpoint-forecast/internal/domain"
)

// MetricsInterface defines the metrics methods needed by the sources
type MetricsInterface interface {
	SourceRequestsInc(source, outcome string)
}

// Request outcomes reported to metrics.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeError       = "error"
	OutcomeBreakerOpen = "breaker_open"
	OutcomeRateLimited = "rate_limited"
)

const restSource = "rest"

var errNotFound = errors.New("not found")

// RESTConfig configures the collector API client.
type RESTConfig struct {
	BaseURL string
	Timeout time.Duration
	Rate    float64 // requests per second
	Burst   int
}

// RESTClient implements domain.Repository over the collector's HTTP API.
type RESTClient struct {
	base    string
	rest    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics MetricsInterface
}

// NewREST creates a client. metrics may be nil.
func NewREST(cfg RESTConfig, metrics MetricsInterface) *RESTClient {
	r := resty.New()
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	r.SetHeader("Accept", "application/json")

	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	st := gobreaker.Settings{Name: "collector-rest"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.1
	}
	// 404s do not count as failures
	st.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errNotFound)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}

	return &RESTClient{
		base:    cfg.BaseURL,
		rest:    r,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		metrics: metrics,
	}
}

// BreakerState reports the circuit breaker state, e.g. for health checks.
func (c *RESTClient) BreakerState() string {
	return c.breaker.State().String()
}

func (c *RESTClient) record(outcome string) {
	if c.metrics != nil {
		c.metrics.SourceRequestsInc(restSource, outcome)
	}
}

// get performs one rate-limited, breaker-guarded GET and decodes the JSON body into result.
func (c *RESTClient) get(ctx context.Context, path string, params map[string]string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.record(OutcomeRateLimited)
		return fmt.Errorf("rest source rate limit: %w", err)
	}

	_, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.rest.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(result).
			Get(c.base + path)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil, errNotFound
		}
		if resp.IsError() {
			return nil, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode(), resp.String())
		}
		return nil, nil
	})

	switch {
	case err == nil:
		c.record(OutcomeOK)
		return nil
	case errors.Is(err, errNotFound):
		c.record(OutcomeNotFound)
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.record(OutcomeBreakerOpen)
		return fmt.Errorf("rest source %s: %w", path, err)
	default:
		c.record(OutcomeError)
		return fmt.Errorf("rest source %s: %w", path, err)
	}
}

func rangeParams(from, to time.Time) map[string]string {
	return map[string]string{
		"from": from.UTC().Format(time.RFC3339Nano),
		"to":   to.UTC().Format(time.RFC3339Nano),
	}
}

func checkpointPath(id string) string {
	return "/api/v1/checkpoints/" + url.PathEscape(id)
}

// Checkpoints lists all provisioned checkpoints.
func (c *RESTClient) Checkpoints(ctx context.Context) ([]domain.Checkpoint, error) {
	var cps []domain.Checkpoint
	if err := c.get(ctx, "/api/v1/checkpoints", nil, &cps); err != nil {
		return nil, err
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].ID < cps[j].ID })
	return cps, nil
}

// Checkpoint returns one checkpoint or domain.ErrCheckpointNotFound.
func (c *RESTClient) Checkpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	if id == "" {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint id is required")
	}
	var cp domain.Checkpoint
	if err := c.get(ctx, checkpointPath(id), nil, &cp); err != nil {
		if errors.Is(err, errNotFound) {
			return domain.Checkpoint{}, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, id)
		}
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// Observations returns mentions of checkpointID with from <= timestamp <= to, oldest first.
func (c *RESTClient) Observations(ctx context.Context, checkpointID string, from, to time.Time) ([]domain.Observation, error) {
	var obs []domain.Observation
	err := c.get(ctx, checkpointPath(checkpointID)+"/observations", rangeParams(from, to), &obs)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// the collector API does not promise ordering or strict bounds
	out := obs[:0]
	for _, o := range obs {
		if o.CheckpointID == "" {
			o.CheckpointID = checkpointID
		}
		if o.CheckpointID == checkpointID && !o.Timestamp.Before(from) && !o.Timestamp.After(to) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// StatusHistory returns status records of checkpointID with from <= timestamp <= to, oldest first.
func (c *RESTClient) StatusHistory(ctx context.Context, checkpointID string, from, to time.Time) ([]domain.StatusRecord, error) {
	var recs []domain.StatusRecord
	err := c.get(ctx, checkpointPath(checkpointID)+"/status", rangeParams(from, to), &recs)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, r := range recs {
		if r.CheckpointID == "" {
			r.CheckpointID = checkpointID
		}
		if r.CheckpointID == checkpointID && !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
