package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresStore records tracking data in a Postgres database, for postgres://
// tracking URIs that bypass a tracking server. Schema is managed by the
// embedded migrations (cmd/migrate).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store backed by the given database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetExperimentByName returns the experiment, or nil if none exists.
// It returns an error only for database failures, not for missing rows.
func (s *PostgresStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var exp Experiment
	err := s.db.QueryRowContext(ctx,
		`SELECT experiment_id, name FROM experiments WHERE name = $1`, name,
	).Scan(&exp.ID, &exp.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// CreateExperiment creates an experiment and returns its generated ID.
func (s *PostgresStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (experiment_id, name, created_at) VALUES ($1, $2, NOW())`,
		id, name,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateRun starts a run in the experiment; tags are attached at creation.
func (s *PostgresStore) CreateRun(ctx context.Context, experimentID, name string, startTime time.Time, tags []Tag) (*Run, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_uuid, experiment_id, name, status, start_time)
         VALUES ($1, $2, $3, $4, $5)`,
		runID, experimentID, name, string(StatusRunning), startTime,
	)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if err := s.SetTag(ctx, runID, t.Key, t.Value); err != nil {
			return nil, err
		}
	}
	return &Run{
		ID:           runID,
		ExperimentID: experimentID,
		Name:         name,
		Status:       StatusRunning,
		StartTime:    startTime,
	}, nil
}

// LogBatch records metrics, params, and tags on the run in one transaction.
func (s *PostgresStore) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []Tag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range metrics {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_metrics (run_uuid, key, value, timestamp, step)
             VALUES ($1, $2, $3, $4, $5)`,
			runID, m.Key, m.Value, m.Timestamp, m.Step,
		); err != nil {
			return err
		}
	}
	for _, p := range params {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_params (run_uuid, key, value) VALUES ($1, $2, $3)
             ON CONFLICT (run_uuid, key) DO UPDATE SET value = EXCLUDED.value`,
			runID, p.Key, p.Value,
		); err != nil {
			return err
		}
	}
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_tags (run_uuid, key, value) VALUES ($1, $2, $3)
             ON CONFLICT (run_uuid, key) DO UPDATE SET value = EXCLUDED.value`,
			runID, t.Key, t.Value,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetTag upserts a single tag on the run.
func (s *PostgresStore) SetTag(ctx context.Context, runID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_tags (run_uuid, key, value) VALUES ($1, $2, $3)
         ON CONFLICT (run_uuid, key) DO UPDATE SET value = EXCLUDED.value`,
		runID, key, value,
	)
	return err
}

// EndRun marks the run terminated with the given status.
func (s *PostgresStore) EndRun(ctx context.Context, runID string, status RunStatus, endTime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $2, end_time = $3 WHERE run_uuid = $1`,
		runID, string(status), endTime,
	)
	return err
}
