package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkpoint-forecast/internal/domain"
)

type stubJobs struct {
	jobs []domain.TrainingJob
	h    domain.Horizon
	n    int
}

func (s *stubJobs) ListJobs(_ context.Context, h domain.Horizon, limit int) ([]domain.TrainingJob, error) {
	s.h, s.n = h, limit
	return s.jobs, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Registry, *stubJobs) {
	t.Helper()
	ext := newTestExtractor(t)
	reg := newTestRegistry(newMemStore(), nil)
	obs, hist := signals(now, 7, 7)
	repo := &memRepo{
		checkpoints: map[string]domain.Checkpoint{"qalandiya": qalandiya()},
		obs:         obs,
		hist:        hist,
	}
	jobs := &stubJobs{jobs: []domain.TrainingJob{{ID: "job-1", Horizon: domain.HorizonShort, Status: domain.JobSucceeded}}}
	ms := NewModelServer(NewEngine(reg, ext, repo, EngineConfig{}, nil), reg, jobs, 0)
	ms.now = func() time.Time { return now }
	srv := httptest.NewServer(ms.Handler())
	t.Cleanup(srv.Close)
	return srv, reg, jobs
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestModelServerPredict(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/predict?checkpoint=qalandiya&horizon=short")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var e errorResponse
	decodeBody(t, resp, &e)
	assert.Equal(t, "no_model", e.Code)

	ext := newTestExtractor(t)
	_, err = reg.Publish(context.Background(), domain.HorizonShort, schemaArtifact(t, ext, domain.HorizonShort, []float64{0.1, 0.8, 0.1, 0}))
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/predict?checkpoint=qalandiya&horizon=short-term")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p domain.Prediction
	decodeBody(t, resp, &p)
	assert.Equal(t, domain.StatusClosed, p.PredictedStatus)
	assert.Equal(t, 1, p.ModelVersion)
	assert.True(t, p.Timestamp.Equal(now))

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing checkpoint", "?horizon=short", http.StatusBadRequest},
		{"bad horizon", "?checkpoint=qalandiya&horizon=weekly", http.StatusBadRequest},
		{"bad time", "?checkpoint=qalandiya&horizon=short&at=yesterday", http.StatusBadRequest},
		{"unknown checkpoint", "?checkpoint=huwwara&horizon=short", http.StatusNotFound},
		{"no signal", "?checkpoint=qalandiya&horizon=short&at=2023-01-01T00:00:00Z", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/predict" + tt.query)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestModelServerVersionsAndRollback(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ext := newTestExtractor(t)
	for i := 0; i < 2; i++ {
		_, err := reg.Publish(context.Background(), domain.HorizonLong, schemaArtifact(t, ext, domain.HorizonLong, []float64{0.1, 0.8, 0.1, 0}))
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/models/long/versions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []domain.ArtifactInfo
	decodeBody(t, resp, &infos)
	require.Len(t, infos, 2)
	assert.True(t, infos[1].Active)

	resp, err = http.Post(srv.URL+"/models/long/rollback", "application/json", strings.NewReader(`{"version":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info domain.ArtifactInfo
	decodeBody(t, resp, &info)
	assert.Equal(t, 1, info.Version)
	assert.True(t, info.Active)

	resp, err = http.Post(srv.URL+"/models/long/rollback", "application/json", strings.NewReader(`{"version":7}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/models/long/rollback", "application/json", strings.NewReader(`{"version":0}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/models/daily/versions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestModelServerHealthAndJobs(t *testing.T) {
	srv, reg, jobs := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ext := newTestExtractor(t)
	_, err = reg.Publish(context.Background(), domain.HorizonShort, schemaArtifact(t, ext, domain.HorizonShort, []float64{0.1, 0.8, 0.1, 0}))
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthStatus
	decodeBody(t, resp, &health)
	assert.Equal(t, 1, health.ActiveVersions[domain.HorizonShort])

	resp, err = http.Get(srv.URL + "/training/jobs?horizon=long&limit=5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []domain.TrainingJob
	decodeBody(t, resp, &got)
	assert.Len(t, got, 1)
	assert.Equal(t, domain.HorizonLong, jobs.h)
	assert.Equal(t, 5, jobs.n)

	resp, err = http.Get(srv.URL + "/training/jobs?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
