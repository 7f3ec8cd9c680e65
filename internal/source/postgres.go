package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"checkpoint-forecast/internal/domain"
)

const postgresSource = "postgres"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id          TEXT PRIMARY KEY,
	names       JSONB NOT NULL DEFAULT '{}',
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	type        TEXT NOT NULL,
	region      TEXT NOT NULL DEFAULT '',
	governorate TEXT
);
CREATE TABLE IF NOT EXISTS observations (
	id                    TEXT PRIMARY KEY,
	checkpoint_id         TEXT NOT NULL,
	source                TEXT NOT NULL DEFAULT '',
	text                  TEXT NOT NULL DEFAULT '',
	inferred_status       TEXT NOT NULL DEFAULT '',
	sentiment_score       DOUBLE PRECISION NOT NULL,
	extraction_confidence DOUBLE PRECISION NOT NULL,
	ts                    TIMESTAMPTZ NOT NULL,
	likes                 INTEGER NOT NULL DEFAULT 0,
	shares                INTEGER NOT NULL DEFAULT 0,
	comments              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS observations_checkpoint_ts ON observations (checkpoint_id, ts);
CREATE TABLE IF NOT EXISTS status_records (
	checkpoint_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	provenance    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (checkpoint_id, ts, provenance)
);
CREATE TABLE IF NOT EXISTS predictions (
	checkpoint_id    TEXT NOT NULL,
	horizon          TEXT NOT NULL,
	ts               TIMESTAMPTZ NOT NULL,
	prediction_for   TIMESTAMPTZ NOT NULL,
	predicted_status TEXT NOT NULL,
	p_open           DOUBLE PRECISION NOT NULL,
	p_closed         DOUBLE PRECISION NOT NULL,
	p_partial        DOUBLE PRECISION NOT NULL,
	p_unknown        DOUBLE PRECISION NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	raw_confidence   DOUBLE PRECISION NOT NULL,
	missing_signals  INTEGER NOT NULL,
	model_version    INTEGER NOT NULL,
	schema_version   TEXT NOT NULL,
	PRIMARY KEY (checkpoint_id, horizon, ts)
);
`

// Postgres is a relational domain.Repository and prediction sink.
type Postgres struct {
	pool    *pgxpool.Pool
	metrics MetricsInterface
}

// NewPostgres connects to dsn and verifies the connection. metrics may be nil.
func NewPostgres(ctx context.Context, dsn string, metrics MetricsInterface) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Postgres{pool: pool, metrics: metrics}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// EnsureSchema creates the tables used by the forecaster if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *Postgres) record(err error) {
	if p.metrics == nil {
		return
	}
	switch {
	case err == nil:
		p.metrics.SourceRequestsInc(postgresSource, OutcomeOK)
	case errors.Is(err, domain.ErrCheckpointNotFound):
		p.metrics.SourceRequestsInc(postgresSource, OutcomeNotFound)
	default:
		p.metrics.SourceRequestsInc(postgresSource, OutcomeError)
	}
}

const checkpointColumns = `id, names, latitude, longitude, type, region, COALESCE(governorate, '')`

func scanCheckpoint(row pgx.Row) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var typ string
	err := row.Scan(&cp.ID, &cp.Names, &cp.Latitude, &cp.Longitude, &typ, &cp.Region, &cp.Governorate)
	cp.Type = domain.CheckpointType(typ)
	return cp, err
}

// Checkpoints lists all checkpoints ordered by id.
func (p *Postgres) Checkpoints(ctx context.Context) (cps []domain.Checkpoint, err error) {
	defer func() { p.record(err) }()

	rows, err := p.pool.Query(ctx, `SELECT `+checkpointColumns+` FROM checkpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return cps, nil
}

// Checkpoint returns one checkpoint or domain.ErrCheckpointNotFound.
func (p *Postgres) Checkpoint(ctx context.Context, id string) (cp domain.Checkpoint, err error) {
	defer func() { p.record(err) }()

	cp, err = scanCheckpoint(p.pool.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Checkpoint{}, fmt.Errorf("%w: %s", domain.ErrCheckpointNotFound, id)
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("query checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// Observations returns mentions of checkpointID with from <= ts <= to, oldest first.
func (p *Postgres) Observations(ctx context.Context, checkpointID string, from, to time.Time) (obs []domain.Observation, err error) {
	defer func() { p.record(err) }()

	rows, err := p.pool.Query(ctx, `
		SELECT id, checkpoint_id, source, text, inferred_status, sentiment_score,
		       extraction_confidence, ts, likes, shares, comments
		FROM observations
		WHERE checkpoint_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts, id
	`, checkpointID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o domain.Observation
		var status string
		if err := rows.Scan(&o.ID, &o.CheckpointID, &o.Source, &o.Text, &status, &o.SentimentScore,
			&o.ExtractionConfidence, &o.Timestamp, &o.Engagement.Likes, &o.Engagement.Shares,
			&o.Engagement.Comments); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.InferredStatus = domain.Status(status)
		o.Timestamp = o.Timestamp.UTC()
		obs = append(obs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return obs, nil
}

// StatusHistory returns status records of checkpointID with from <= ts <= to, oldest first.
func (p *Postgres) StatusHistory(ctx context.Context, checkpointID string, from, to time.Time) (recs []domain.StatusRecord, err error) {
	defer func() { p.record(err) }()

	rows, err := p.pool.Query(ctx, `
		SELECT checkpoint_id, status, ts, provenance
		FROM status_records
		WHERE checkpoint_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts, provenance
	`, checkpointID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query status records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.StatusRecord
		var status string
		if err := rows.Scan(&r.CheckpointID, &status, &r.Timestamp, &r.Provenance); err != nil {
			return nil, fmt.Errorf("scan status record: %w", err)
		}
		r.Status = domain.Status(status)
		r.Timestamp = r.Timestamp.UTC()
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status records: %w", err)
	}
	return recs, nil
}

// SaveCheckpoint inserts or replaces a checkpoint.
func (p *Postgres) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id is required")
	}
	names := cp.Names
	if names == nil {
		names = map[string]string{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, names, latitude, longitude, type, region, governorate)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (id) DO UPDATE SET
			names = EXCLUDED.names,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			type = EXCLUDED.type,
			region = EXCLUDED.region,
			governorate = EXCLUDED.governorate
	`, cp.ID, names, cp.Latitude, cp.Longitude, string(cp.Type), cp.Region, cp.Governorate)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// SaveObservations upserts observations by id in a single batch.
func (p *Postgres) SaveObservations(ctx context.Context, obs ...domain.Observation) error {
	batch := &pgx.Batch{}
	for _, o := range obs {
		if o.ID == "" || o.Timestamp.IsZero() {
			return fmt.Errorf("observation needs an id and a timestamp")
		}
		batch.Queue(`
			INSERT INTO observations (id, checkpoint_id, source, text, inferred_status, sentiment_score,
				extraction_confidence, ts, likes, shares, comments)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				inferred_status = EXCLUDED.inferred_status,
				sentiment_score = EXCLUDED.sentiment_score,
				extraction_confidence = EXCLUDED.extraction_confidence,
				likes = EXCLUDED.likes,
				shares = EXCLUDED.shares,
				comments = EXCLUDED.comments
		`, o.ID, o.CheckpointID, o.Source, o.Text, string(o.InferredStatus), o.SentimentScore,
			o.ExtractionConfidence, o.Timestamp.UTC(), o.Engagement.Likes, o.Engagement.Shares,
			o.Engagement.Comments)
	}
	return p.sendBatch(ctx, batch, "observations")
}

// SaveStatusRecords appends status records; re-sending the same record is a no-op.
func (p *Postgres) SaveStatusRecords(ctx context.Context, recs ...domain.StatusRecord) error {
	batch := &pgx.Batch{}
	for _, r := range recs {
		if r.CheckpointID == "" || r.Timestamp.IsZero() {
			return fmt.Errorf("status record needs a checkpoint id and a timestamp")
		}
		batch.Queue(`
			INSERT INTO status_records (checkpoint_id, status, ts, provenance)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, r.CheckpointID, string(r.Status), r.Timestamp.UTC(), r.Provenance)
	}
	return p.sendBatch(ctx, batch, "status records")
}

func (p *Postgres) sendBatch(ctx context.Context, batch *pgx.Batch, what string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save %s: %w", what, err)
		}
	}
	return nil
}

// SavePrediction stores p, replacing an earlier prediction for the same checkpoint,
// horizon and timestamp.
func (p *Postgres) SavePrediction(ctx context.Context, pr domain.Prediction) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO predictions (checkpoint_id, horizon, ts, prediction_for, predicted_status,
			p_open, p_closed, p_partial, p_unknown, confidence, raw_confidence, missing_signals,
			model_version, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (checkpoint_id, horizon, ts) DO UPDATE SET
			prediction_for = EXCLUDED.prediction_for,
			predicted_status = EXCLUDED.predicted_status,
			p_open = EXCLUDED.p_open,
			p_closed = EXCLUDED.p_closed,
			p_partial = EXCLUDED.p_partial,
			p_unknown = EXCLUDED.p_unknown,
			confidence = EXCLUDED.confidence,
			raw_confidence = EXCLUDED.raw_confidence,
			missing_signals = EXCLUDED.missing_signals,
			model_version = EXCLUDED.model_version,
			schema_version = EXCLUDED.schema_version
	`, pr.CheckpointID, string(pr.Horizon), pr.Timestamp.UTC(), pr.PredictionFor.UTC(),
		string(pr.PredictedStatus), pr.Probabilities.Open, pr.Probabilities.Closed,
		pr.Probabilities.Partial, pr.Probabilities.Unknown, pr.Confidence, pr.RawConfidence,
		pr.MissingSignals, pr.ModelVersion, pr.SchemaVersion)
	if err != nil {
		return fmt.Errorf("save prediction for %s: %w", pr.CheckpointID, err)
	}
	return nil
}

// Predictions returns stored predictions of checkpointID for h with from <= ts <= to.
func (p *Postgres) Predictions(ctx context.Context, checkpointID string, h domain.Horizon, from, to time.Time) ([]domain.Prediction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT checkpoint_id, horizon, ts, prediction_for, predicted_status, p_open, p_closed,
		       p_partial, p_unknown, confidence, raw_confidence, missing_signals, model_version,
		       schema_version
		FROM predictions
		WHERE checkpoint_id = $1 AND horizon = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts
	`, checkpointID, string(h), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		var pr domain.Prediction
		var horizon, status string
		if err := rows.Scan(&pr.CheckpointID, &horizon, &pr.Timestamp, &pr.PredictionFor, &status,
			&pr.Probabilities.Open, &pr.Probabilities.Closed, &pr.Probabilities.Partial,
			&pr.Probabilities.Unknown, &pr.Confidence, &pr.RawConfidence, &pr.MissingSignals,
			&pr.ModelVersion, &pr.SchemaVersion); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		pr.Horizon = domain.Horizon(horizon)
		pr.PredictedStatus = domain.Status(status)
		pr.Timestamp = pr.Timestamp.UTC()
		pr.PredictionFor = pr.PredictionFor.UTC()
		out = append(out, pr)
	}
	return out, rows.Err()
}
