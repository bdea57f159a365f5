// Package store provides output backends for ExpTools.
//
// This file implements an SQLite-backed store for runs and their trials.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/BTreeMap/ExpTools/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.SplitN(dsn, "?", 2)[0])
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_foreign_keys=on")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// a single writer avoids "database is locked" on concurrent saves
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRun(run models.RunInfo, records []models.TrialRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO runs (id, subject, run_index, started_at, output_base) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET subject = excluded.subject, run_index = excluded.run_index,
		started_at = excluded.started_at, output_base = excluded.output_base`,
		run.ID, run.Subject, run.Index, run.StartedAt, run.OutputBase)
	if err != nil {
		slog.Error("SQLiteStore SaveRun run insert failed", "error", err, "run_id", run.ID)
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM trials WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to clear trials of run %s: %w", run.ID, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO trials (run_id, trial_index, trial_id, events_json, parameters_json) VALUES (?, ?, ?, ?, ?)`)
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
			slog.Error("SQLiteStore SaveRun trial insert failed", "error", err, "run_id", run.ID, "trial_index", rec.Index)
			return fmt.Errorf("failed to save trial %d of run %s: %w", rec.Index, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	slog.Debug("SQLiteStore SaveRun succeeded", "run_id", run.ID, "trials", len(records))
	return nil
}

func (s *SQLiteStore) LoadRun(runID string) (models.RunInfo, []models.TrialRecord, error) {
	var run models.RunInfo
	err := s.db.QueryRow(`SELECT id, subject, run_index, started_at, output_base FROM runs WHERE id = ?`, runID).
		Scan(&run.ID, &run.Subject, &run.Index, &run.StartedAt, &run.OutputBase)
	if errors.Is(err, sql.ErrNoRows) {
		return run, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		slog.Error("SQLiteStore LoadRun run query failed", "error", err, "run_id", runID)
		return run, nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	rows, err := s.db.Query(`SELECT trial_index, trial_id, events_json, parameters_json FROM trials WHERE run_id = ? ORDER BY trial_index`, runID)
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
	slog.Debug("SQLiteStore LoadRun succeeded", "run_id", runID, "trials", len(records))
	return run, records, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
