package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"checkpoint-forecast/internal/domain"
)

var base = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing", "nested"))
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"qalandiya", "huwwara", "container"} {
		cp := domain.Checkpoint{ID: id, Names: map[string]string{"en": id}, Type: domain.CheckpointPermanent}
		if err := store.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint(%s): %v", id, err)
		}
	}

	all, err := store.Checkpoints(ctx)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(all) != 3 || all[0].ID != "container" || all[2].ID != "qalandiya" {
		t.Errorf("unexpected checkpoints: %+v", all)
	}

	cp, err := store.Checkpoint(ctx, "huwwara")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.DisplayName("en") != "huwwara" {
		t.Errorf("expected huwwara, got %s", cp.DisplayName("en"))
	}

	if _, err := store.Checkpoint(ctx, "missing"); !errors.Is(err, domain.ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}
	if err := store.SaveCheckpoint(ctx, domain.Checkpoint{}); err == nil {
		t.Error("expected error for empty checkpoint id")
	}
}

func TestObservationsRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var obs []domain.Observation
	for i := 0; i < 10; i++ {
		obs = append(obs, domain.Observation{
			ID:             string(rune('a' + i)),
			CheckpointID:   "qalandiya",
			InferredStatus: domain.StatusClosed,
			Timestamp:      base.Add(time.Duration(i) * time.Hour),
		})
	}
	// same checkpoint prefix, different checkpoint
	obs = append(obs, domain.Observation{ID: "z", CheckpointID: "qalandiya-north", Timestamp: base.Add(2 * time.Hour)})

	if err := store.SaveObservations(ctx, obs...); err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}
	// idempotent rewrite
	if err := store.SaveObservations(ctx, obs[0]); err != nil {
		t.Fatalf("SaveObservations: %v", err)
	}

	got, err := store.Observations(ctx, "qalandiya", base.Add(2*time.Hour), base.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 observations (inclusive range), got %d", len(got))
	}
	for i, o := range got {
		if want := base.Add(time.Duration(i+2) * time.Hour); !o.Timestamp.Equal(want) {
			t.Errorf("observation %d at %s, want %s", i, o.Timestamp, want)
		}
		if o.CheckpointID != "qalandiya" {
			t.Errorf("observation from wrong checkpoint: %s", o.CheckpointID)
		}
	}

	all, err := store.Observations(ctx, "qalandiya", base.Add(-time.Hour), base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(all) != 10 {
		t.Errorf("expected 10 observations, got %d", len(all))
	}

	if err := store.SaveObservations(ctx, domain.Observation{ID: "no-ts", CheckpointID: "qalandiya"}); err == nil {
		t.Error("expected error for observation without timestamp")
	}
}

func TestStatusHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	recs := []domain.StatusRecord{
		{CheckpointID: "qalandiya", Status: domain.StatusOpen, Timestamp: base, Provenance: "report"},
		{CheckpointID: "qalandiya", Status: domain.StatusClosed, Timestamp: base, Provenance: "camera"},
		{CheckpointID: "qalandiya", Status: domain.StatusPartial, Timestamp: base.Add(time.Hour), Provenance: "report"},
	}
	if err := store.SaveStatusRecords(ctx, recs...); err != nil {
		t.Fatalf("SaveStatusRecords: %v", err)
	}

	got, err := store.StatusHistory(ctx, "qalandiya", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("StatusHistory: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[2].Status != domain.StatusPartial {
		t.Errorf("expected last record partial, got %s", got[2].Status)
	}

	bad := domain.StatusRecord{CheckpointID: "qalandiya", Status: "maybe", Timestamp: base}
	if err := store.SaveStatusRecords(ctx, bad); err == nil {
		t.Error("expected error for invalid status")
	}
}

func testArtifact(h domain.Horizon, version int) domain.ModelArtifact {
	return domain.ModelArtifact{
		Horizon:       h,
		Version:       version,
		SchemaVersion: string(h) + "-v1-abcdef01",
		FeatureNames:  []string{"a", "b"},
		Classifier:    "random_forest",
		State:         []byte(`{"features":2}`),
		CreatedAt:     base.Add(time.Duration(version) * time.Hour),
		Metrics:       domain.EvalMetrics{BalancedAccuracy: 0.7},
	}
}

func TestArtifacts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if v, err := store.ActiveVersion(ctx, domain.HorizonShort); err != nil || v != 0 {
		t.Fatalf("expected no active version, got %d, %v", v, err)
	}
	if v, err := store.LatestVersion(ctx, domain.HorizonShort); err != nil || v != 0 {
		t.Fatalf("expected no versions, got %d, %v", v, err)
	}

	for v := 1; v <= 11; v++ {
		if err := store.SaveArtifact(ctx, testArtifact(domain.HorizonShort, v), true); err != nil {
			t.Fatalf("SaveArtifact v%d: %v", v, err)
		}
	}
	if err := store.SaveArtifact(ctx, testArtifact(domain.HorizonLong, 1), false); err != nil {
		t.Fatalf("SaveArtifact long: %v", err)
	}

	if err := store.SaveArtifact(ctx, testArtifact(domain.HorizonShort, 3), false); err == nil {
		t.Error("expected error when overwriting an existing version")
	}

	latest, err := store.LatestVersion(ctx, domain.HorizonShort)
	if err != nil || latest != 11 {
		t.Errorf("expected latest 11, got %d, %v", latest, err)
	}
	active, err := store.ActiveVersion(ctx, domain.HorizonShort)
	if err != nil || active != 11 {
		t.Errorf("expected active 11, got %d, %v", active, err)
	}
	if v, _ := store.ActiveVersion(ctx, domain.HorizonLong); v != 0 {
		t.Errorf("long artifact saved without activation became active: %d", v)
	}

	infos, err := store.ListArtifacts(ctx, domain.HorizonShort)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(infos) != 11 || infos[0].Version != 1 || infos[10].Version != 11 {
		t.Errorf("unexpected listing: %d entries", len(infos))
	}

	a, err := store.Artifact(ctx, domain.HorizonShort, 4)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if a.Version != 4 || string(a.State) != `{"features":2}` || a.SchemaVersion != "short-v1-abcdef01" {
		t.Errorf("unexpected artifact: %+v", a)
	}

	if _, err := store.Artifact(ctx, domain.HorizonShort, 99); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}

	if err := store.SetActive(ctx, domain.HorizonShort, 2); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if v, _ := store.ActiveVersion(ctx, domain.HorizonShort); v != 2 {
		t.Errorf("expected active 2 after SetActive, got %d", v)
	}
	if err := store.SetActive(ctx, domain.HorizonShort, 50); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
	if err := store.SaveArtifact(ctx, testArtifact("medium", 1), true); err == nil {
		t.Error("expected error for invalid horizon")
	}
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	version := 3
	for i := 0; i < 5; i++ {
		h := domain.HorizonShort
		if i%2 == 1 {
			h = domain.HorizonLong
		}
		j := domain.TrainingJob{
			ID:        string(rune('a' + i)),
			Horizon:   h,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    domain.JobRunning,
		}
		if err := store.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob: %v", err)
		}
		if i == 4 {
			j.Status = domain.JobSucceeded
			j.ResultingVersion = &version
			if err := store.SaveJob(ctx, j); err != nil {
				t.Fatalf("SaveJob update: %v", err)
			}
		}
	}

	all, err := store.ListJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 5 || all[0].ID != "e" {
		t.Fatalf("expected 5 jobs newest first, got %+v", all)
	}
	if all[0].Status != domain.JobSucceeded || all[0].ResultingVersion == nil || *all[0].ResultingVersion != 3 {
		t.Errorf("job update not persisted: %+v", all[0])
	}

	short, err := store.ListJobs(ctx, domain.HorizonShort, 2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(short) != 2 || short[0].ID != "e" || short[1].ID != "c" {
		t.Errorf("unexpected short jobs: %+v", short)
	}

	if err := store.SaveJob(ctx, domain.TrainingJob{ID: "x"}); err == nil {
		t.Error("expected error for job without start time")
	}
}

func TestPredictions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, h := range []domain.Horizon{domain.HorizonShort, domain.HorizonLong, domain.HorizonShort} {
		p := domain.Prediction{
			CheckpointID:    "qalandiya",
			Horizon:         h,
			Timestamp:       base.Add(time.Duration(i) * time.Hour),
			PredictedStatus: domain.StatusClosed,
			Confidence:      0.7,
			ModelVersion:    1,
		}
		if err := store.SavePrediction(ctx, p); err != nil {
			t.Fatalf("SavePrediction: %v", err)
		}
	}

	short, err := store.Predictions(ctx, "qalandiya", domain.HorizonShort, base, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Predictions: %v", err)
	}
	if len(short) != 2 {
		t.Errorf("expected 2 short predictions, got %d", len(short))
	}
	all, err := store.Predictions(ctx, "qalandiya", "", base, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Predictions: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 predictions, got %d", len(all))
	}
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := domain.Observation{ID: string(rune('a' + i)), CheckpointID: "qalandiya", Timestamp: base.Add(time.Duration(i) * time.Second)}
			if err := store.SaveObservations(ctx, o); err != nil {
				t.Errorf("SaveObservations: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Observations(ctx, "qalandiya", base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("expected 10 observations, got %d", len(got))
	}
}

func TestCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Observations(ctx, "qalandiya", base, base); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := store.SaveJob(ctx, domain.TrainingJob{ID: "a", StartedAt: base}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
