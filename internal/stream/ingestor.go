// Package stream ingests collector output pushed over a WebSocket: observations, ground
// truth status records and checkpoint provisioning updates. Valid records are written to
// the sink; malformed ones are counted and dropped without breaking the connection.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"checkpoint-forecast/internal/domain"
)

// Channel names used by the collector.
const (
	ChannelObservation = "observation"
	ChannelStatus      = "status"
	ChannelCheckpoint  = "checkpoint"
)

// Rejection reasons reported to metrics.
const (
	RejectDecode    = "decode"
	RejectMalformed = "malformed"
	RejectUnknown   = "unknown_channel"
	RejectStore     = "store"
)

const (
	maxMessageSize    = 512 * 1024
	writeWait         = 10 * time.Second
	defaultPing       = 15 * time.Second
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Sink persists ingested records. storage.Store and source.Postgres both implement it.
type Sink interface {
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
	SaveObservations(ctx context.Context, obs ...domain.Observation) error
	SaveStatusRecords(ctx context.Context, recs ...domain.StatusRecord) error
}

// MetricsInterface defines metrics methods needed by the ingestor
type MetricsInterface interface {
	StreamMessagesInc(kind string)
	StreamRejectedInc(reason string)
	StreamReconnectsInc()
}

// Ingestor keeps a subscription to the collector stream open until its context ends.
type Ingestor struct {
	url        string
	sink       Sink
	metrics    MetricsInterface
	ping       time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
}

// Option customises an Ingestor.
type Option func(*Ingestor)

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(lo, hi time.Duration) Option {
	return func(in *Ingestor) {
		if lo > 0 {
			in.minBackoff = lo
		}
		if hi >= in.minBackoff {
			in.maxBackoff = hi
		}
	}
}

// NewIngestor creates an ingestor for url. metrics may be nil.
func NewIngestor(url string, sink Sink, ping time.Duration, metrics MetricsInterface, opts ...Option) *Ingestor {
	if ping <= 0 {
		ping = defaultPing
	}
	in := &Ingestor{
		url:        url,
		sink:       sink,
		metrics:    metrics,
		ping:       ping,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// staleAfter is how long the connection may stay silent, pongs included.
func (in *Ingestor) staleAfter() time.Duration {
	return 4 * in.ping
}

// Run streams until ctx is cancelled, reconnecting with exponential backoff.
func (in *Ingestor) Run(ctx context.Context) error {
	backoff := in.minBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		received, err := in.streamOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Reset backoff after a session that delivered data
		if received > 0 {
			backoff = in.minBackoff
		}
		log.Warn().Err(err).Dur("backoff", backoff).Int("received", received).
			Msg("WebSocket connection lost, reconnecting with exponential backoff...")
		if in.metrics != nil {
			in.metrics.StreamReconnectsInc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > in.maxBackoff {
			backoff = in.maxBackoff
		}
	}
}

type subscription struct {
	Op   string              `json:"op"`
	Args []map[string]string `json:"args"`
}

var subscribeRequest = subscription{
	Op: "subscribe",
	Args: []map[string]string{
		{"ch": ChannelCheckpoint},
		{"ch": ChannelObservation},
		{"ch": ChannelStatus},
	},
}

// streamOnce runs one connection and returns how many data messages it delivered.
func (in *Ingestor) streamOnce(ctx context.Context) (int, error) {
	log.Info().Str("url", in.url).Msg("Establishing WebSocket connection")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, in.url, nil)
	if err != nil {
		return 0, fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		conn.Close()
		log.Debug().Msg("WebSocket connection closed")
	}()

	stale := in.staleAfter()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(stale))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(stale))
	})

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeRequest); err != nil {
		return 0, fmt.Errorf("subscribe failed: %w", err)
	}

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	// single reader; conn.Close unblocks it
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(stale))
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(in.ping)
	defer pingTicker.Stop()

	received := 0
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return received, ctx.Err()
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("WebSocket connection closed normally")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("WebSocket connection closed unexpectedly")
			}
			return received, fmt.Errorf("read message failed: %w", err)
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return received, fmt.Errorf("ping failed: %w", err)
			}
			log.Debug().Msg("Sent ping to server")
		case msg := <-msgs:
			data, err := in.handle(ctx, msg)
			if data {
				received++
			}
			if err != nil {
				log.Debug().Err(err).Msg("Stream message not fully ingested")
			}
		}
	}
}

type envelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	Ch      string          `json:"ch"`
	Data    json.RawMessage `json:"data"`
}

// handle ingests one frame. data reports whether the frame was a data message.
func (in *Ingestor) handle(ctx context.Context, msg []byte) (data bool, err error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		in.reject(RejectDecode)
		return false, fmt.Errorf("decode envelope: %w", err)
	}

	if env.Op == "subscribe" {
		if env.Success != nil && *env.Success {
			log.Info().Msg("Successfully subscribed to collector channels")
		} else {
			log.Warn().Str("response", string(msg)).Msg("Subscription may have failed")
		}
		return false, nil
	}

	switch env.Ch {
	case ChannelObservation:
		return true, in.ingestObservations(ctx, env.Data)
	case ChannelStatus:
		return true, in.ingestStatus(ctx, env.Data)
	case ChannelCheckpoint:
		return true, in.ingestCheckpoints(ctx, env.Data)
	default:
		in.reject(RejectUnknown)
		return false, fmt.Errorf("unknown channel %q", env.Ch)
	}
}

func (in *Ingestor) reject(reason string) {
	if in.metrics != nil {
		in.metrics.StreamRejectedInc(reason)
	}
}

func (in *Ingestor) accept(kind string, n int) {
	if in.metrics == nil {
		return
	}
	for i := 0; i < n; i++ {
		in.metrics.StreamMessagesInc(kind)
	}
}

// decodeBatch accepts either a single JSON object or an array of them.
func decodeBatch[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("empty data")
	}
	if raw[0] == '[' {
		var out []T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func (in *Ingestor) ingestObservations(ctx context.Context, raw json.RawMessage) error {
	batch, err := decodeBatch[domain.Observation](raw)
	if err != nil {
		in.reject(RejectDecode)
		return fmt.Errorf("decode observations: %w", err)
	}

	valid := batch[:0]
	for _, o := range batch {
		if err := validateObservation(o); err != nil {
			in.reject(RejectMalformed)
			log.Debug().Err(err).Str("observation_id", o.ID).Msg("Dropping malformed observation")
			continue
		}
		o.Timestamp = o.Timestamp.UTC()
		valid = append(valid, o)
	}
	if len(valid) == 0 {
		return nil
	}
	if err := in.sink.SaveObservations(ctx, valid...); err != nil {
		in.reject(RejectStore)
		log.Error().Err(err).Int("count", len(valid)).Msg("Failed to store observations")
		return err
	}
	in.accept(ChannelObservation, len(valid))
	return nil
}

func validateObservation(o domain.Observation) error {
	if o.ID == "" {
		return &domain.MalformedObservationError{Field: "id", Reason: "missing"}
	}
	if o.CheckpointID == "" {
		return &domain.MalformedObservationError{ID: o.ID, Field: "checkpoint_id", Reason: "missing"}
	}
	return o.Validate()
}

func (in *Ingestor) ingestStatus(ctx context.Context, raw json.RawMessage) error {
	batch, err := decodeBatch[domain.StatusRecord](raw)
	if err != nil {
		in.reject(RejectDecode)
		return fmt.Errorf("decode status records: %w", err)
	}

	valid := batch[:0]
	for _, r := range batch {
		if r.CheckpointID == "" || r.Timestamp.IsZero() || !r.Status.Valid() {
			in.reject(RejectMalformed)
			log.Debug().Str("checkpoint_id", r.CheckpointID).Str("status", string(r.Status)).
				Msg("Dropping malformed status record")
			continue
		}
		r.Timestamp = r.Timestamp.UTC()
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return nil
	}
	if err := in.sink.SaveStatusRecords(ctx, valid...); err != nil {
		in.reject(RejectStore)
		log.Error().Err(err).Int("count", len(valid)).Msg("Failed to store status records")
		return err
	}
	in.accept(ChannelStatus, len(valid))
	return nil
}

func (in *Ingestor) ingestCheckpoints(ctx context.Context, raw json.RawMessage) error {
	batch, err := decodeBatch[domain.Checkpoint](raw)
	if err != nil {
		in.reject(RejectDecode)
		return fmt.Errorf("decode checkpoints: %w", err)
	}

	for _, cp := range batch {
		if cp.ID == "" {
			in.reject(RejectMalformed)
			continue
		}
		if err := in.sink.SaveCheckpoint(ctx, cp); err != nil {
			in.reject(RejectStore)
			log.Error().Err(err).Str("checkpoint_id", cp.ID).Msg("Failed to store checkpoint")
			return err
		}
		in.accept(ChannelCheckpoint, 1)
		log.Info().Str("checkpoint_id", cp.ID).Msg("Checkpoint provisioned from stream")
	}
	return nil
}
