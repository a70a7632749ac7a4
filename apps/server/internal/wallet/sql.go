package wallet

import (
	"context"
	"database/sql"
	"time"

	"crash-lite/apps/server/internal/store"
	"crash-lite/crash"

	"github.com/pkg/errors"
)

// SQL keeps balances and a journal of every movement next to the round
// tables.
type SQL struct {
	db      *sql.DB
	dialect store.Dialect
	initial int64
}

func NewSQL(ctx context.Context, db *sql.DB, dialect store.Dialect, initial int64) (*SQL, error) {
	s := &SQL{db: db, dialect: dialect, initial: initial}
	entriesID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == store.DialectPostgres {
		entriesID = "id BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range []string{
		`
CREATE TABLE IF NOT EXISTS wallet_balances (
    wallet TEXT PRIMARY KEY,
    balance BIGINT NOT NULL,
    updated_at_ms BIGINT NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS wallet_entries (
    ` + entriesID + `,
    wallet TEXT NOT NULL,
    delta BIGINT NOT NULL,
    ref TEXT NOT NULL DEFAULT '',
    created_at_ms BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_entries_wallet ON wallet_entries(wallet, created_at_ms)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, "ensure wallet schema")
		}
	}
	return s, nil
}

type txExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) open(ctx context.Context, q txExecer, wallet string, nowMs int64) error {
	_, err := q.ExecContext(ctx, s.dialect.Rebind(`
INSERT INTO wallet_balances (wallet, balance, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT (wallet) DO NOTHING
`), wallet, s.initial, nowMs)
	return errors.Wrapf(err, "open wallet %s", wallet)
}

func (s *SQL) balance(ctx context.Context, q txExecer, wallet string) (int64, error) {
	var bal int64
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT balance FROM wallet_balances WHERE wallet = ?`), wallet).Scan(&bal)
	return bal, errors.Wrapf(err, "read balance %s", wallet)
}

func (s *SQL) Balance(ctx context.Context, wallet string) (int64, error) {
	if err := s.open(ctx, s.db, wallet, time.Now().UTC().UnixMilli()); err != nil {
		return 0, err
	}
	return s.balance(ctx, s.db, wallet)
}

func (s *SQL) Debit(ctx context.Context, wallet string, amount int64, ref string) (int64, error) {
	if err := checkArgs(wallet, amount); err != nil {
		return 0, err
	}
	return s.move(ctx, wallet, -amount, ref)
}

func (s *SQL) Credit(ctx context.Context, wallet string, amount int64, ref string) (int64, error) {
	if err := checkArgs(wallet, amount); err != nil {
		return 0, err
	}
	return s.move(ctx, wallet, amount, ref)
}

func (s *SQL) move(ctx context.Context, wallet string, delta int64, ref string) (int64, error) {
	nowMs := time.Now().UTC().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin wallet tx")
	}
	defer tx.Rollback()

	if err := s.open(ctx, tx, wallet, nowMs); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
UPDATE wallet_balances
SET balance = balance + ?, updated_at_ms = ?
WHERE wallet = ? AND balance + ? >= 0
`), delta, nowMs, wallet, delta)
	if err != nil {
		return 0, errors.Wrapf(err, "update balance %s", wallet)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		bal, _ := s.balance(ctx, tx, wallet)
		return bal, crash.ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
INSERT INTO wallet_entries (wallet, delta, ref, created_at_ms)
VALUES (?, ?, ?, ?)
`), wallet, delta, ref, nowMs); err != nil {
		return 0, errors.Wrapf(err, "journal %s", wallet)
	}
	bal, err := s.balance(ctx, tx, wallet)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit wallet tx")
	}
	return bal, nil
}
