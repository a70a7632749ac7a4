package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`
CREATE TABLE IF NOT EXISTS counters (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
)`,
	`
CREATE TABLE IF NOT EXISTS rounds (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    commitment_hash TEXT NOT NULL,
    server_seed TEXT NOT NULL,
    client_seed TEXT NOT NULL,
    salt TEXT NOT NULL,
    house_edge REAL NOT NULL,
    committed_crash_point REAL NOT NULL,
    crash_point REAL NOT NULL,
    override_reason TEXT NOT NULL DEFAULT '',
    state INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL,
    started_at_ms INTEGER NOT NULL DEFAULT 0,
    ended_at_ms INTEGER NOT NULL DEFAULT 0,
    total_stake INTEGER NOT NULL DEFAULT 0,
    total_payout INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_state_seq ON rounds(state, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_rounds_commitment_hash ON rounds(commitment_hash)`,
	`
CREATE TABLE IF NOT EXISTS queued_crash_points (
    seq INTEGER PRIMARY KEY,
    round_id TEXT NOT NULL REFERENCES rounds(id),
    crash_point REAL NOT NULL,
    consumed INTEGER NOT NULL DEFAULT 0,
    consumed_at_ms INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_queued_crash_points_pending ON queued_crash_points(consumed, seq)`,
	`
CREATE TABLE IF NOT EXISTS bets (
    id TEXT PRIMARY KEY,
    round_id TEXT NOT NULL,
    wallet TEXT NOT NULL,
    track INTEGER NOT NULL,
    amount INTEGER NOT NULL,
    auto_cashout REAL NOT NULL DEFAULT 0,
    cashout REAL NOT NULL DEFAULT 0,
    payout INTEGER NOT NULL DEFAULT 0,
    lost INTEGER NOT NULL DEFAULT 0,
    synthetic INTEGER NOT NULL DEFAULT 0,
    placed_at_ms INTEGER NOT NULL,
    settled_at_ms INTEGER NOT NULL DEFAULT 0,
    UNIQUE (round_id, wallet, track)
)`,
	`
CREATE TABLE IF NOT EXISTS round_event_stream (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    round_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    envelope_b64 TEXT NOT NULL DEFAULT '',
    server_ts_ms INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL,
    UNIQUE (round_id, seq)
)`,
	`CREATE INDEX IF NOT EXISTS idx_round_event_stream_created_at ON round_event_stream(created_at_ms)`,
}

// NewSQLite opens (and creates if needed) a local database file.
// ":memory:" gives a private in-memory database.
func NewSQLite(ctx context.Context, dbPath string, logger *zap.Logger) (*SQL, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty sqlite database path")
	}
	if dbPath != ":memory:" {
		dbPath = filepath.Clean(dbPath)
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create %s", parent)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "sqlite %s", pragma)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQL{db: db, dialect: DialectSQLite, logger: logger}
	if err := s.ensureSchema(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite store ready", zap.String("path", dbPath))
	return s, nil
}
