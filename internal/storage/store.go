// Package storage implements the persistence layer (C7) and the
// pending-message table underlying C8: insert entries and tool details,
// cursor-paginated reads with visibility filtering, and the durable
// pending-message queue. Grounded on internal/storage/cockroach.go and
// cockroach_config.go: same shape (a struct wrapping *sql.DB, explicit
// connection-pool tuning, ErrNotFound sentinel), but retargeted from
// driver-specific Postgres SQL to portable SQL that runs against both
// modernc.org/sqlite (the default, embedded backend) and lib/pq (optional,
// for a shared Postgres deployment), selected by driver name at Open time
// the way cockroach_config.go selects Cockroach via a DSN.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/orchestra-labs/issue-orchestrator/internal/telemetry"
)

var ErrNotFound = errors.New("storage: not found")

// Config mirrors cockroach_config.go's pool-tuning knobs.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig matches DefaultCockroachConfig's values.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store is the persistence handle shared by the issue-log and
// pending-message operations.
type Store struct {
	db      *sqlx.DB
	driver  string
	ids     *idSource
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Open opens driver ("sqlite" or "postgres") at dsn, pings it, runs the
// schema migration, and returns a ready Store. A nil logger defaults to
// slog.Default(). metrics may be nil.
func Open(driver, dsn string, cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver, ids: newIDSource(), logger: logger.With("component", "storage"), metrics: metrics}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// observe times op and reports its duration to s.metrics.
func (s *Store) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.metrics.StorageQueryObserved(op, time.Since(start).Seconds())
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// bindVar rewrites a "?"-placeholder query for drivers that need
// positional "$1"-style parameters (Postgres), mirroring the $N binding
// cockroach.go writes by hand; sqlite uses "?" natively so this is a
// no-op there.
func (s *Store) bindVar(query string) string {
	if s.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, []byte(fmt.Sprintf("%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS issue_logs (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			entry_index INTEGER NOT NULL,
			entry_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			reply_to_message_id TEXT,
			timestamp TEXT,
			visible INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issue_logs_issue_visible_order
			ON issue_logs (issue_id, visible, turn_index, entry_index)`,
		`CREATE TABLE IF NOT EXISTS issue_logs_tools (
			id TEXT PRIMARY KEY,
			log_id TEXT NOT NULL,
			issue_id TEXT NOT NULL,
			tool_name TEXT,
			tool_call_id TEXT,
			kind TEXT,
			is_result INTEGER NOT NULL DEFAULT 0,
			raw TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issue_logs_tools_log_id ON issue_logs_tools (log_id)`,
		`CREATE TABLE IF NOT EXISTS pending_messages (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			dispatched INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_messages_issue ON pending_messages (issue_id, dispatched, created_at)`,
		`CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			status_id TEXT NOT NULL DEFAULT '',
			session_status TEXT NOT NULL DEFAULT '',
			engine_type TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			external_session_id TEXT,
			dev_mode INTEGER NOT NULL DEFAULT 0,
			permission_mode TEXT NOT NULL DEFAULT '',
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issues_session_status ON issues (session_status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
