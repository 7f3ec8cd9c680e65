package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
)

// ArtifactStore persists the artifact arena and the per-horizon active pointer.
// SaveArtifact with activate=true must write the artifact and repoint in one transaction.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a domain.ModelArtifact, activate bool) error
	Artifact(ctx context.Context, h domain.Horizon, version int) (domain.ModelArtifact, error)
	ListArtifacts(ctx context.Context, h domain.Horizon) ([]domain.ArtifactInfo, error)
	LatestVersion(ctx context.Context, h domain.Horizon) (int, error)
	ActiveVersion(ctx context.Context, h domain.Horizon) (int, error)
	SetActive(ctx context.Context, h domain.Horizon, version int) error
}

// LoadedModel is an active artifact together with its decoded model. It is never mutated
// after being made visible.
type LoadedModel struct {
	Artifact domain.ModelArtifact
	Model    TrainedModel
}

// ModelSource resolves the active model for a horizon.
type ModelSource interface {
	GetActive(h domain.Horizon) (*LoadedModel, error)
}

// Registry serves the active model per horizon and publishes new versions. Readers load
// an atomic pointer; publish and rollback are serialised and repoint only after the
// store has committed.
type Registry struct {
	store    ArtifactStore
	decoders ClassifierSet
	metrics  MetricsInterface
	now      func() time.Time

	mu     sync.Mutex
	active map[domain.Horizon]*atomic.Pointer[LoadedModel]
}

// NewRegistry creates a registry over store. metrics may be nil.
func NewRegistry(store ArtifactStore, decoders ClassifierSet, metrics MetricsInterface) *Registry {
	r := &Registry{
		store:    store,
		decoders: decoders,
		metrics:  metrics,
		now:      time.Now,
		active:   make(map[domain.Horizon]*atomic.Pointer[LoadedModel], len(domain.Horizons)),
	}
	for _, h := range domain.Horizons {
		r.active[h] = &atomic.Pointer[LoadedModel]{}
	}
	return r
}

// Load reads the persisted active version of every horizon. Horizons without one stay empty.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range domain.Horizons {
		v, err := r.store.ActiveVersion(ctx, h)
		if err != nil {
			return fmt.Errorf("active version for %s: %w", h, err)
		}
		if v == 0 {
			log.Info().Str("horizon", string(h)).Msg("No active model")
			continue
		}
		lm, err := r.loadLocked(ctx, h, v)
		if err != nil {
			return err
		}
		r.swap(h, lm)
		log.Info().Str("horizon", string(h)).Int("version", v).
			Str("schema", lm.Artifact.SchemaVersion).Msg("Loaded active model")
	}
	return nil
}

func (r *Registry) loadLocked(ctx context.Context, h domain.Horizon, version int) (*LoadedModel, error) {
	a, err := r.store.Artifact(ctx, h, version)
	if err != nil {
		return nil, fmt.Errorf("load %s v%d: %w", h, version, err)
	}
	m, err := r.decoders.Decode(a)
	if err != nil {
		return nil, err
	}
	return &LoadedModel{Artifact: a, Model: m}, nil
}

func (r *Registry) swap(h domain.Horizon, lm *LoadedModel) {
	r.active[h].Store(lm)
	if r.metrics != nil {
		r.metrics.ActiveVersionSet(string(h), lm.Artifact.Version)
	}
}

// GetActive returns the active model for h or domain.ErrNoModelAvailable.
func (r *Registry) GetActive(h domain.Horizon) (*LoadedModel, error) {
	p, ok := r.active[h]
	if !ok {
		return nil, fmt.Errorf("invalid horizon %q", h)
	}
	lm := p.Load()
	if lm == nil {
		return nil, fmt.Errorf("%s horizon: %w", h, domain.ErrNoModelAvailable)
	}
	return lm, nil
}

// Publish stores a as the next version of h and makes it active. The version number is
// assigned here; the caller's value is ignored.
func (r *Registry) Publish(ctx context.Context, h domain.Horizon, a domain.ModelArtifact) (int, error) {
	if !h.Valid() {
		return 0, fmt.Errorf("invalid horizon %q", h)
	}
	if a.Horizon != "" && a.Horizon != h {
		return 0, fmt.Errorf("artifact for %s published under %s", a.Horizon, h)
	}
	if a.SchemaVersion == "" {
		return 0, errors.New("artifact has no schema version")
	}
	a.Horizon = h
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	m, err := r.decoders.Decode(a)
	if err != nil {
		return 0, fmt.Errorf("refusing to publish undecodable artifact: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	latest, err := r.store.LatestVersion(ctx, h)
	if err != nil {
		return 0, fmt.Errorf("latest version for %s: %w", h, err)
	}
	a.Version = latest + 1
	if err := r.store.SaveArtifact(ctx, a, true); err != nil {
		return 0, fmt.Errorf("save %s v%d: %w", h, a.Version, err)
	}
	r.swap(h, &LoadedModel{Artifact: a, Model: m})

	log.Info().Str("horizon", string(h)).Int("version", a.Version).
		Str("schema", a.SchemaVersion).Float64("balanced_accuracy", a.Metrics.BalancedAccuracy).
		Msg("Published model")
	return a.Version, nil
}

// Rollback makes an existing version of h active again without retraining.
func (r *Registry) Rollback(ctx context.Context, h domain.Horizon, version int) error {
	if !h.Valid() {
		return fmt.Errorf("invalid horizon %q", h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lm, err := r.loadLocked(ctx, h, version)
	if err != nil {
		return err
	}
	if err := r.store.SetActive(ctx, h, version); err != nil {
		return fmt.Errorf("activate %s v%d: %w", h, version, err)
	}
	r.swap(h, lm)
	log.Warn().Str("horizon", string(h)).Int("version", version).Msg("Rolled back model")
	return nil
}

// ListVersions returns every stored version of h, oldest first, flagging the active one.
func (r *Registry) ListVersions(ctx context.Context, h domain.Horizon) ([]domain.ArtifactInfo, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("invalid horizon %q", h)
	}
	infos, err := r.store.ListArtifacts(ctx, h)
	if err != nil {
		return nil, err
	}
	active := 0
	if lm := r.active[h].Load(); lm != nil {
		active = lm.Artifact.Version
	}
	for i := range infos {
		infos[i].Active = infos[i].Version == active
	}
	return infos, nil
}

// Artifact returns a stored version of h.
func (r *Registry) Artifact(ctx context.Context, h domain.Horizon, version int) (domain.ModelArtifact, error) {
	return r.store.Artifact(ctx, h, version)
}
