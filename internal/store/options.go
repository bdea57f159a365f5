package store

import (
	"log/slog"
	"strings"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

// Opts holds configuration for the store backends.
type Opts struct {
	DSN      string // database connection string or SQLite file path
	Postgres bool
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN selects the PostgreSQL store.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Postgres = true
	}
}

// WithSQLiteDSN selects the SQLite store at the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Postgres = false
	}
}

// DetectDSNType reports whether dsn names a PostgreSQL server or an SQLite file.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open creates the store selected by opts. Without a DSN it returns a JSON file
// store writing next to each run's output files.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Debug("No database DSN provided, using JSON file store")
		return NewJSONFileStore(), nil
	case cfg.Postgres:
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
