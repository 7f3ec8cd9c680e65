package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkpoint-forecast/internal/domain"
	"checkpoint-forecast/internal/storage"
)

type memSink struct {
	mu          sync.Mutex
	checkpoints []domain.Checkpoint
	obs         []domain.Observation
	status      []domain.StatusRecord
	fail        bool
}

func (s *memSink) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

func (s *memSink) SaveObservations(_ context.Context, obs ...domain.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.obs = append(s.obs, obs...)
	return nil
}

func (s *memSink) SaveStatusRecords(_ context.Context, recs ...domain.StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, recs...)
	return nil
}

func (s *memSink) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints), len(s.obs), len(s.status)
}

type mockMetrics struct {
	mu         sync.Mutex
	messages   map[string]int
	rejected   map[string]int
	reconnects int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{messages: map[string]int{}, rejected: map[string]int{}}
}

func (m *mockMetrics) StreamMessagesInc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[kind]++
}

func (m *mockMetrics) StreamRejectedInc(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *mockMetrics) StreamReconnectsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
}

func (m *mockMetrics) snapshot() (map[string]int, map[string]int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, rej := map[string]int{}, map[string]int{}
	for k, v := range m.messages {
		msgs[k] = v
	}
	for k, v := range m.rejected {
		rej[k] = v
	}
	return msgs, rej, m.reconnects
}

var (
	_ Sink = (*storage.Store)(nil)
	_ Sink = (*memSink)(nil)
)

const (
	observationFrame = `{"ch":"observation","data":{"id":"o1","checkpoint_id":"qalandiya","inferred_status":"closed",` +
		`"sentiment_score":-0.6,"extraction_confidence":0.9,"timestamp":"2024-03-05T07:30:00+02:00"}}`
	batchFrame = `{"ch":"observation","data":[` +
		`{"id":"o2","checkpoint_id":"qalandiya","sentiment_score":0.1,"extraction_confidence":0.5,"timestamp":"2024-03-05T06:00:00Z"},` +
		`{"id":"o3","checkpoint_id":"qalandiya","sentiment_score":4,"extraction_confidence":0.5,"timestamp":"2024-03-05T06:00:00Z"},` +
		`{"id":"o4","sentiment_score":0,"extraction_confidence":0.5,"timestamp":"2024-03-05T06:00:00Z"}]}`
	statusFrame = `{"ch":"status","data":[` +
		`{"checkpoint_id":"qalandiya","status":"open","timestamp":"2024-03-05T05:00:00Z","provenance":"field"},` +
		`{"checkpoint_id":"qalandiya","status":"sideways","timestamp":"2024-03-05T05:00:00Z"}]}`
	checkpointFrame = `{"ch":"checkpoint","data":{"id":"container","type":"permanent","region":"bethlehem"}}`
)

// collectorServer serves one scripted session per connection.
func collectorServer(t *testing.T, sessions ...[]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(conns.Add(1)) - 1

		var sub subscription
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "subscribe", sub.Op)
		assert.Len(t, sub.Args, 3)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe","success":true}`))

		if n < len(sessions) {
			for _, frame := range sessions[n] {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
			}
		}
		if n+1 < len(sessions) {
			// drop the connection so the client reconnects
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		// keep the last session open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestIngestor_IngestsAndReconnects(t *testing.T) {
	srv, conns := collectorServer(t,
		[]string{checkpointFrame, observationFrame, batchFrame, `{"ch":"weather","data":{}}`, `not json`},
		[]string{statusFrame},
	)
	defer srv.Close()

	sink := &memSink{}
	metrics := newMockMetrics()
	in := NewIngestor(wsURL(srv), sink, time.Second, metrics, WithBackoff(10*time.Millisecond, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool {
		cps, obs, status := sink.counts()
		return cps == 1 && obs == 2 && status == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}

	assert.Equal(t, int32(2), conns.Load())
	sink.mu.Lock()
	assert.Equal(t, "o1", sink.obs[0].ID)
	assert.Equal(t, time.UTC, sink.obs[0].Timestamp.Location(), "timestamps are normalised to UTC")
	assert.Equal(t, time.Date(2024, 3, 5, 5, 30, 0, 0, time.UTC), sink.obs[0].Timestamp)
	assert.Equal(t, "o2", sink.obs[1].ID)
	assert.Equal(t, domain.StatusOpen, sink.status[0].Status)
	assert.Equal(t, "container", sink.checkpoints[0].ID)
	sink.mu.Unlock()

	msgs, rejected, reconnects := metrics.snapshot()
	assert.Equal(t, 2, msgs[ChannelObservation])
	assert.Equal(t, 1, msgs[ChannelStatus])
	assert.Equal(t, 1, msgs[ChannelCheckpoint])
	assert.Equal(t, 3, rejected[RejectMalformed], "sentiment out of range, missing checkpoint, unknown status")
	assert.Equal(t, 1, rejected[RejectUnknown])
	assert.Equal(t, 1, rejected[RejectDecode])
	assert.Equal(t, 1, reconnects)
}

func TestIngestor_Handle(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		fail     bool
		data     bool
		wantErr  bool
		rejected string
	}{
		{"subscription ack", `{"op":"subscribe","success":true}`, false, false, false, ""},
		{"failed ack", `{"op":"subscribe","success":false}`, false, false, false, ""},
		{"empty data", `{"ch":"status","data":null}`, false, true, true, RejectDecode},
		{"wrong shape", `{"ch":"observation","data":"text"}`, false, true, true, RejectDecode},
		{"checkpoint without id", `{"ch":"checkpoint","data":{"region":"nablus"}}`, false, true, false, RejectMalformed},
		{"sink failure", observationFrame, true, true, true, RejectStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := newMockMetrics()
			in := NewIngestor("ws://unused", &memSink{fail: tt.fail}, 0, metrics)

			data, err := in.handle(context.Background(), []byte(tt.frame))
			assert.Equal(t, tt.data, data)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			_, rejected, _ := metrics.snapshot()
			if tt.rejected != "" {
				assert.Equal(t, 1, rejected[tt.rejected])
			} else {
				assert.Empty(t, rejected)
			}
		})
	}
}

func TestIngestor_WritesToBoltStore(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	in := NewIngestor("ws://unused", store, 0, nil)
	ctx := context.Background()
	for _, frame := range []string{checkpointFrame, observationFrame, statusFrame} {
		_, err := in.handle(ctx, []byte(frame))
		require.NoError(t, err)
	}

	cp, err := store.Checkpoint(ctx, "container")
	require.NoError(t, err)
	assert.Equal(t, "bethlehem", cp.Region)

	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	obs, err := store.Observations(ctx, "qalandiya", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, domain.StatusClosed, obs[0].InferredStatus)

	recs, err := store.StatusHistory(ctx, "qalandiya", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestIngestor_StopsWhileDialling(t *testing.T) {
	in := NewIngestor("ws://127.0.0.1:1/unreachable", &memSink{}, 0, nil, WithBackoff(time.Hour, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := in.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
