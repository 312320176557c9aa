package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	Experiment "canary-conductor/internal/app/experiment"
	Flags "canary-conductor/internal/app/flags"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flag_configs (
	name       TEXT PRIMARY KEY,
	config     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS experiment_events (
	id            UUID PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	variant       TEXT NOT NULL,
	event         TEXT NOT NULL,
	value         DOUBLE PRECISION NOT NULL,
	subject_id    TEXT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS experiment_events_experiment_idx
	ON experiment_events (experiment_id, recorded_at);
`

// NewPostgresPool connects, pings, and ensures the schema exists.
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %v", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %v", err)
	}
	log.Info("connected to postgres")
	return pool, nil
}

type PostgresFlagStore struct {
	pool *pgxpool.Pool
}

func NewPostgresFlagStore(pool *pgxpool.Pool) *PostgresFlagStore {
	return &PostgresFlagStore{pool: pool}
}

func (s *PostgresFlagStore) GetFlag(ctx context.Context, name string) (*Flags.Flag, error) {
	const query = `SELECT config FROM flag_configs WHERE name = $1`
	var data []byte
	err := s.pool.QueryRow(ctx, query, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Flags.ErrFlagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flag '%s': %v", name, err)
	}
	var f Flags.Flag
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flag '%s': %v", name, err)
	}
	return &f, nil
}

func (s *PostgresFlagStore) PutFlag(ctx context.Context, f *Flags.Flag) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flag '%s': %v", f.Name, err)
	}
	const query = `
		INSERT INTO flag_configs (name, config, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, f.Name, data); err != nil {
		return fmt.Errorf("failed to write flag '%s': %v", f.Name, err)
	}
	return nil
}

func (s *PostgresFlagStore) ListFlags(ctx context.Context) ([]*Flags.Flag, error) {
	const query = `SELECT config FROM flag_configs ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %v", err)
	}
	defer rows.Close()

	var out []*Flags.Flag
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var f Flags.Flag
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to decode flag config: %v", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

type PostgresExperimentStore struct {
	pool *pgxpool.Pool
}

func NewPostgresExperimentStore(pool *pgxpool.Pool) *PostgresExperimentStore {
	return &PostgresExperimentStore{pool: pool}
}

func (s *PostgresExperimentStore) Append(ctx context.Context, rec Experiment.Record) error {
	const query = `
		INSERT INTO experiment_events (id, experiment_id, variant, event, value, subject_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.ExperimentID, rec.Variant, string(rec.Event), rec.Value, rec.SubjectID, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append experiment event: %v", err)
	}
	return nil
}

func (s *PostgresExperimentStore) List(ctx context.Context, experimentID string) ([]Experiment.Record, error) {
	const query = `
		SELECT id, experiment_id, variant, event, value, subject_id, recorded_at
		FROM experiment_events WHERE experiment_id = $1 ORDER BY recorded_at`
	rows, err := s.pool.Query(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiment events: %v", err)
	}
	defer rows.Close()

	var out []Experiment.Record
	for rows.Next() {
		var rec Experiment.Record
		var event string
		if err := rows.Scan(&rec.ID, &rec.ExperimentID, &rec.Variant, &event, &rec.Value, &rec.SubjectID, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Event = Experiment.EventType(event)
		out = append(out, rec)
	}
	return out, rows.Err()
}
