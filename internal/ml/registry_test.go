package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkpoint-forecast/internal/domain"
)

// memStore is an in-memory ArtifactStore.
type memStore struct {
	mu        sync.Mutex
	artifacts map[domain.Horizon]map[int]domain.ModelArtifact
	active    map[domain.Horizon]int
	saveErr   error
}

func newMemStore() *memStore {
	return &memStore{
		artifacts: make(map[domain.Horizon]map[int]domain.ModelArtifact),
		active:    make(map[domain.Horizon]int),
	}
}

func (s *memStore) SaveArtifact(_ context.Context, a domain.ModelArtifact, activate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.artifacts[a.Horizon] == nil {
		s.artifacts[a.Horizon] = make(map[int]domain.ModelArtifact)
	}
	if _, ok := s.artifacts[a.Horizon][a.Version]; ok {
		return fmt.Errorf("version %d exists", a.Version)
	}
	s.artifacts[a.Horizon][a.Version] = a
	if activate {
		s.active[a.Horizon] = a.Version
	}
	return nil
}

func (s *memStore) Artifact(_ context.Context, h domain.Horizon, version int) (domain.ModelArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[h][version]
	if !ok {
		return domain.ModelArtifact{}, domain.ErrVersionNotFound
	}
	return a, nil
}

func (s *memStore) ListArtifacts(_ context.Context, h domain.Horizon) ([]domain.ArtifactInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ArtifactInfo
	for _, a := range s.artifacts[h] {
		out = append(out, a.Info(false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memStore) LatestVersion(_ context.Context, h domain.Horizon) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := 0
	for v := range s.artifacts[h] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (s *memStore) ActiveVersion(_ context.Context, h domain.Horizon) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[h], nil
}

func (s *memStore) SetActive(_ context.Context, h domain.Horizon, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[h][version]; !ok {
		return domain.ErrVersionNotFound
	}
	s.active[h] = version
	return nil
}

// fixedClassifier produces models returning a constant distribution. Fit uses the class
// frequencies of y.
type fixedClassifier struct{}

type fixedModel struct {
	Probs    []float64 `json:"probs"`
	Features int       `json:"features"`
	Tag      int       `json:"tag"`
}

func (fixedClassifier) Name() string { return "fixed" }

func (fixedClassifier) Fit(_ context.Context, X [][]float64, y []int) (TrainedModel, error) {
	if _, err := validateDataset(X, y); err != nil {
		return nil, err
	}
	probs := make([]float64, domain.NumClasses)
	for _, c := range y {
		probs[c] += 1 / float64(len(y))
	}
	return &fixedModel{Probs: probs, Features: len(X[0])}, nil
}

func (fixedClassifier) Decode(state []byte) (TrainedModel, error) {
	var m fixedModel
	if err := json.Unmarshal(state, &m); err != nil {
		return nil, err
	}
	if len(m.Probs) != domain.NumClasses {
		return nil, errors.New("bad distribution")
	}
	return &m, nil
}

func (m *fixedModel) NumFeatures() int { return m.Features }

func (m *fixedModel) PredictProba(x []float64) ([]float64, error) {
	if len(x) != m.Features {
		return nil, fmt.Errorf("expected %d features, got %d", m.Features, len(x))
	}
	out := make([]float64, len(m.Probs))
	copy(out, m.Probs)
	return out, nil
}

func (m *fixedModel) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

func fixedArtifact(t *testing.T, h domain.Horizon, schema string, names []string, probs []float64, tag int) domain.ModelArtifact {
	t.Helper()
	state, err := json.Marshal(fixedModel{Probs: probs, Features: len(names), Tag: tag})
	require.NoError(t, err)
	return domain.ModelArtifact{
		Horizon:       h,
		SchemaVersion: schema,
		FeatureNames:  names,
		Classifier:    "fixed",
		State:         state,
		CreatedAt:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Metrics:       domain.EvalMetrics{BalancedAccuracy: 0.8, TrainSamples: tag},
	}
}

func newTestRegistry(store ArtifactStore, m MetricsInterface) *Registry {
	return NewRegistry(store, NewClassifierSet(fixedClassifier{}, NewRandomForest(DefaultForestConfig())), m)
}

func TestRegistryColdStart(t *testing.T) {
	r := newTestRegistry(newMemStore(), nil)
	require.NoError(t, r.Load(context.Background()))

	for _, h := range domain.Horizons {
		lm, err := r.GetActive(h)
		assert.Nil(t, lm)
		assert.ErrorIs(t, err, domain.ErrNoModelAvailable)
	}
	_, err := r.GetActive("medium")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNoModelAvailable)
}

func TestRegistryPublishAssignsMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := &MockMetrics{}
	r := newTestRegistry(store, m)
	names := []string{"a", "b"}

	v1, err := r.Publish(ctx, domain.HorizonShort, fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, 1))
	require.NoError(t, err)
	v2, err := r.Publish(ctx, domain.HorizonShort, fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{0, 1, 0, 0}, 2))
	require.NoError(t, err)
	vl, err := r.Publish(ctx, domain.HorizonLong, fixedArtifact(t, domain.HorizonLong, "l1", names, []float64{0, 1, 0, 0}, 3))
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, 1, vl)
	assert.Equal(t, 2, m.ActiveVersion("short"))

	lm, err := r.GetActive(domain.HorizonShort)
	require.NoError(t, err)
	assert.Equal(t, 2, lm.Artifact.Version)

	infos, err := r.ListVersions(ctx, domain.HorizonShort)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.False(t, infos[0].Active)
	assert.True(t, infos[1].Active)

	// a fresh registry over the same store sees the persisted pointer
	reloaded := newTestRegistry(store, nil)
	require.NoError(t, reloaded.Load(ctx))
	lm, err = reloaded.GetActive(domain.HorizonShort)
	require.NoError(t, err)
	assert.Equal(t, 2, lm.Artifact.Version)
}

func TestRegistryPublishRejectsInvalidArtifacts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := newTestRegistry(store, nil)
	names := []string{"a"}

	_, err := r.Publish(ctx, "medium", fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, 1))
	assert.Error(t, err)

	_, err = r.Publish(ctx, domain.HorizonLong, fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, 1))
	assert.Error(t, err)

	noSchema := fixedArtifact(t, domain.HorizonShort, "", names, []float64{1, 0, 0, 0}, 1)
	_, err = r.Publish(ctx, domain.HorizonShort, noSchema)
	assert.Error(t, err)

	corrupt := fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, 1)
	corrupt.State = []byte("garbage")
	_, err = r.Publish(ctx, domain.HorizonShort, corrupt)
	assert.Error(t, err)

	unknown := fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, 1)
	unknown.Classifier = "svm"
	_, err = r.Publish(ctx, domain.HorizonShort, unknown)
	assert.Error(t, err)

	store.saveErr = errors.New("disk full")
	_, err = r.Publish(ctx, domain.HorizonShort, fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, 1))
	assert.Error(t, err)

	_, err = r.GetActive(domain.HorizonShort)
	assert.ErrorIs(t, err, domain.ErrNoModelAvailable)
}

func TestRegistryRollback(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(newMemStore(), nil)
	names := []string{"a"}

	for tag := 1; tag <= 3; tag++ {
		_, err := r.Publish(ctx, domain.HorizonLong, fixedArtifact(t, domain.HorizonLong, "l1", names, []float64{1, 0, 0, 0}, tag))
		require.NoError(t, err)
	}

	require.NoError(t, r.Rollback(ctx, domain.HorizonLong, 1))
	lm, err := r.GetActive(domain.HorizonLong)
	require.NoError(t, err)
	assert.Equal(t, 1, lm.Artifact.Version)

	err = r.Rollback(ctx, domain.HorizonLong, 9)
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)
	lm, err = r.GetActive(domain.HorizonLong)
	require.NoError(t, err)
	assert.Equal(t, 1, lm.Artifact.Version)

	// versions are never reused after a rollback
	v, err := r.Publish(ctx, domain.HorizonLong, fixedArtifact(t, domain.HorizonLong, "l1", names, []float64{1, 0, 0, 0}, 4))
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestRegistryAtomicPublish(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(newMemStore(), nil)
	names := []string{"a", "b", "c"}

	_, err := r.Publish(ctx, domain.HorizonShort, fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, 1))
	require.NoError(t, err)

	const publishes = 50
	done := make(chan struct{})
	var wg sync.WaitGroup
	var torn sync.Map

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				lm, err := r.GetActive(domain.HorizonShort)
				if err != nil {
					torn.Store("error", err)
					continue
				}
				m := lm.Model.(*fixedModel)
				// artifact, decoded state and version must all describe the same publish
				if m.Tag != lm.Artifact.Metrics.TrainSamples || lm.Artifact.Version != m.Tag {
					torn.Store(lm.Artifact.Version, m.Tag)
				}
			}
		}()
	}

	for tag := 2; tag <= publishes+1; tag++ {
		_, err := r.Publish(ctx, domain.HorizonShort, fixedArtifact(t, domain.HorizonShort, "s1", names, []float64{1, 0, 0, 0}, tag))
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	count := 0
	torn.Range(func(k, v any) bool {
		t.Errorf("reader observed inconsistent model: %v -> %v", k, v)
		count++
		return true
	})
	assert.Zero(t, count)

	lm, err := r.GetActive(domain.HorizonShort)
	require.NoError(t, err)
	assert.Equal(t, publishes+1, lm.Artifact.Version)
}

func TestRegistryConcurrentPublishersGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(newMemStore(), nil)
	names := []string{"a"}

	artifacts := make([]domain.ModelArtifact, 20)
	for i := range artifacts {
		artifacts[i] = fixedArtifact(t, domain.HorizonLong, "l1", names, []float64{1, 0, 0, 0}, i)
	}

	var wg sync.WaitGroup
	versions := make(chan int, len(artifacts))
	for _, a := range artifacts {
		wg.Add(1)
		go func(a domain.ModelArtifact) {
			defer wg.Done()
			v, err := r.Publish(ctx, domain.HorizonLong, a)
			if err == nil {
				versions <- v
			}
		}(a)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, 20)
}
