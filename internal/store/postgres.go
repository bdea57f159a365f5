// Package store provides output backends for ExpTools.
//
// This file implements a PostgreSQL-backed store for runs and their trials.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ExpTools/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 4
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 4
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveRun(run models.RunInfo, records []models.TrialRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs (id, subject, run_index, started_at, output_base) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET subject = EXCLUDED.subject, run_index = EXCLUDED.run_index,
		started_at = EXCLUDED.started_at, output_base = EXCLUDED.output_base`,
		run.ID, run.Subject, run.Index, run.StartedAt, run.OutputBase)
	if err != nil {
		slog.Error("PostgresStore SaveRun run insert failed", "error", err, "run_id", run.ID)
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM trials WHERE run_id = $1`, run.ID); err != nil {
		return fmt.Errorf("failed to clear trials of run %s: %w", run.ID, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO trials (run_id, trial_index, trial_id, events_json, parameters_json) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("failed to prepare trial insert: %w", err)
	}
	defer stmt.Close()
	for _, rec := range records {
		events, params, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(run.ID, rec.Index, rec.TrialID, events, params); err != nil {
			slog.Error("PostgresStore SaveRun trial insert failed", "error", err, "run_id", run.ID, "trial_index", rec.Index)
			return fmt.Errorf("failed to save trial %d of run %s: %w", rec.Index, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	slog.Debug("PostgresStore SaveRun succeeded", "run_id", run.ID, "trials", len(records))
	return nil
}

func (s *PostgresStore) LoadRun(runID string) (models.RunInfo, []models.TrialRecord, error) {
	var run models.RunInfo
	err := s.db.QueryRow(`SELECT id, subject, run_index, started_at, output_base FROM runs WHERE id = $1`, runID).
		Scan(&run.ID, &run.Subject, &run.Index, &run.StartedAt, &run.OutputBase)
	if errors.Is(err, sql.ErrNoRows) {
		return run, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		slog.Error("PostgresStore LoadRun run query failed", "error", err, "run_id", runID)
		return run, nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	rows, err := s.db.Query(`SELECT trial_index, trial_id, events_json::text, parameters_json::text FROM trials WHERE run_id = $1 ORDER BY trial_index`, runID)
	if err != nil {
		return run, nil, fmt.Errorf("failed to query trials of run %s: %w", runID, err)
	}
	defer rows.Close()

	var records []models.TrialRecord
	for rows.Next() {
		var (
			index                  int
			trialID, ev, paramJSON string
		)
		if err := rows.Scan(&index, &trialID, &ev, &paramJSON); err != nil {
			return run, nil, fmt.Errorf("failed to scan trial row: %w", err)
		}
		rec, err := decodeRecord(index, trialID, ev, paramJSON)
		if err != nil {
			return run, nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return run, nil, fmt.Errorf("failed to iterate trial rows: %w", err)
	}
	slog.Debug("PostgresStore LoadRun succeeded", "run_id", runID, "trials", len(records))
	return run, records, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
