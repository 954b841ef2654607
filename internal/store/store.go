// Package store persists connectors, endpoints, secrets, plans, API keys,
// usage records, and health checks. SQLite is the default backend; Postgres
// is supported through the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/faucetdb/sluice/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and locates the backing database. An empty Options value
// opens an in-memory SQLite database.
type Options struct {
	Driver  string
	DSN     string
	DataDir string
}

// Store manages Sluice's persistent state.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// New opens the database and applies migrations.
func New(opts Options) (*Store, error) {
	var (
		db  *sqlx.DB
		d   dialect
		err error
	)

	switch opts.Driver {
	case "", DriverSQLite:
		dsn := opts.DSN
		if dsn == "" {
			if opts.DataDir == "" {
				dsn = ":memory:?_journal_mode=WAL"
			} else {
				if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
					return nil, fmt.Errorf("create data dir: %w", err)
				}
				dsn = filepath.Join(opts.DataDir, "sluice.db") + "?_journal_mode=WAL&_busy_timeout=5000"
			}
		}
		db, err = sqlx.Connect("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite).
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		d = sqliteDialect
	case DriverPostgres, "pgx":
		if opts.DSN == "" {
			return nil, errors.New("postgres driver requires a dsn")
		}
		db, err = sqlx.Connect("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns a value from the settings table.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	if err := s.db.GetContext(ctx, &v, s.db.Rebind("SELECT value FROM settings WHERE key = ?"), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return v, nil
}

// SetSetting upserts a value into the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// insertID runs a named INSERT and returns the generated id. RETURNING is
// used on both drivers since pgx does not implement LastInsertId.
func insertID(ctx context.Context, q sqlx.ExtContext, query string, arg interface{}) (int64, error) {
	named, args, err := sqlx.Named(query+" RETURNING id", arg)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := q.QueryRowxContext(ctx, q.Rebind(named), args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// namedExec runs a named statement and returns the affected row count.
func namedExec(ctx context.Context, q sqlx.ExtContext, query string, arg interface{}) (int64, error) {
	named, args, err := sqlx.Named(query, arg)
	if err != nil {
		return 0, err
	}
	result, err := q.ExecContext(ctx, q.Rebind(named), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// exec runs a positional statement and returns the affected row count.
func exec(ctx context.Context, q sqlx.ExtContext, query string, args ...interface{}) (int64, error) {
	result, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scopeColumns(sc model.Scope) (team, owner *string) {
	if sc.TeamID != "" {
		v := sc.TeamID
		team = &v
	}
	if sc.UserID != "" {
		v := sc.UserID
		owner = &v
	}
	return team, owner
}

func scopeFromColumns(team, owner *string) model.Scope {
	var sc model.Scope
	if team != nil {
		sc.TeamID = *team
	}
	if owner != nil {
		sc.UserID = *owner
	}
	return sc
}

func encodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	var out []string
	if s != "" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func decodeIDs(s string) []int64 {
	var out []int64
	if s != "" {
		_ = json.Unmarshal([]byte(s), &out)
	}
	return out
}

func now() time.Time {
	return time.Now().UTC()
}
