package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"crash-lite/crash"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dialect selects placeholder style and DDL for a SQL backend.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Rebind rewrites ? placeholders to the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQL implements Store over database/sql for sqlite and postgres.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle so the wallet ledger can share the database.
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() Dialect { return s.dialect }

func (s *SQL) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQL) NextSequence(ctx context.Context) (uint64, error) {
	var v int64
	err := s.queryRow(ctx, s.db, `
UPDATE counters
SET value = value + 1
WHERE name = ?
RETURNING value
`, counterRoundSeq).Scan(&v)
	if err != nil {
		return 0, errors.Wrap(err, "increment round sequence")
	}
	return uint64(v), nil
}

func (s *SQL) SequenceExists(ctx context.Context, seq uint64) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(1) FROM rounds WHERE seq = ?`, int64(seq)).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "check round sequence")
	}
	return n > 0, nil
}

func (s *SQL) EnqueueRounds(ctx context.Context, rounds []crash.Round) error {
	if len(rounds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin enqueue tx")
	}
	defer tx.Rollback()

	for _, r := range rounds {
		if _, err := s.exec(ctx, tx, `
INSERT INTO rounds (
    id, seq, commitment_hash, server_seed, client_seed, salt, house_edge,
    committed_crash_point, crash_point, override_reason, state,
    created_at_ms, started_at_ms, ended_at_ms, total_stake, total_payout
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, 0, 0, 0, 0)
`, r.ID, int64(r.Seq), r.CommitmentHash, r.ServerSeed, r.ClientSeed, r.Salt, r.HouseEdge,
			r.CommittedCrashPoint, r.CrashPoint, int(r.State), toMs(r.CreatedAt)); err != nil {
			return errors.Wrapf(err, "insert round seq=%d", r.Seq)
		}
		if _, err := s.exec(ctx, tx, `
INSERT INTO queued_crash_points (seq, round_id, crash_point, consumed, consumed_at_ms)
VALUES (?, ?, ?, 0, 0)
`, int64(r.Seq), r.ID, r.CommittedCrashPoint); err != nil {
			return errors.Wrapf(err, "insert queued crash point seq=%d", r.Seq)
		}
	}
	return errors.Wrap(tx.Commit(), "commit enqueue tx")
}

func (s *SQL) ConsumeNext(ctx context.Context, now time.Time) (crash.Round, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crash.Round{}, errors.Wrap(err, "begin consume tx")
	}
	defer tx.Rollback()

	var seq int64
	var roundID string
	err = s.queryRow(ctx, tx, `
SELECT seq, round_id
FROM queued_crash_points
WHERE consumed = 0
ORDER BY seq ASC
LIMIT 1
`).Scan(&seq, &roundID)
	if errors.Is(err, sql.ErrNoRows) {
		return crash.Round{}, ErrQueueEmpty
	}
	if err != nil {
		return crash.Round{}, errors.Wrap(err, "select next queued crash point")
	}

	res, err := s.exec(ctx, tx, `
UPDATE queued_crash_points
SET consumed = 1, consumed_at_ms = ?
WHERE seq = ? AND consumed = 0
`, toMs(now), seq)
	if err != nil {
		return crash.Round{}, errors.Wrapf(err, "consume queued crash point seq=%d", seq)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return crash.Round{}, errors.Wrapf(ErrConflict, "queued crash point seq=%d", seq)
	}

	r, err := s.scanRound(s.queryRow(ctx, tx, selectRound+` WHERE id = ?`, roundID))
	if err != nil {
		return crash.Round{}, errors.Wrapf(err, "load consumed round seq=%d", seq)
	}
	if err := tx.Commit(); err != nil {
		return crash.Round{}, errors.Wrap(err, "commit consume tx")
	}
	return r, nil
}

func (s *SQL) CountUnconsumed(ctx context.Context) (int, error) {
	var n int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(1) FROM queued_crash_points WHERE consumed = 0`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count unconsumed")
	}
	return n, nil
}

func (s *SQL) IsConsumed(ctx context.Context, seq uint64) (bool, error) {
	var consumed int
	err := s.queryRow(ctx, s.db, `SELECT consumed FROM queued_crash_points WHERE seq = ?`, int64(seq)).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, errors.Wrapf(err, "load queued crash point seq=%d", seq)
	}
	return consumed != 0, nil
}

func (s *SQL) UpdateRound(ctx context.Context, r crash.Round) error {
	res, err := s.exec(ctx, s.db, `
UPDATE rounds
SET crash_point = ?,
    override_reason = ?,
    state = ?,
    started_at_ms = ?,
    ended_at_ms = ?,
    total_stake = ?,
    total_payout = ?
WHERE seq = ?
`, r.CrashPoint, r.OverrideReason, int(r.State), toMs(r.StartedAt), toMs(r.EndedAt),
		r.TotalStake, r.TotalPayout, int64(r.Seq))
	if err != nil {
		return errors.Wrapf(err, "update round seq=%d", r.Seq)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "round seq %d", r.Seq)
	}
	return nil
}

const selectRound = `
SELECT id, seq, commitment_hash, server_seed, client_seed, salt, house_edge,
       committed_crash_point, crash_point, override_reason, state,
       created_at_ms, started_at_ms, ended_at_ms, total_stake, total_payout
FROM rounds`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQL) scanRound(row rowScanner) (crash.Round, error) {
	var (
		r                             crash.Round
		seq                           int64
		state                         int
		createdMs, startedMs, endedMs int64
	)
	err := row.Scan(&r.ID, &seq, &r.CommitmentHash, &r.ServerSeed, &r.ClientSeed, &r.Salt, &r.HouseEdge,
		&r.CommittedCrashPoint, &r.CrashPoint, &r.OverrideReason, &state,
		&createdMs, &startedMs, &endedMs, &r.TotalStake, &r.TotalPayout)
	if errors.Is(err, sql.ErrNoRows) {
		return crash.Round{}, ErrNotFound
	}
	if err != nil {
		return crash.Round{}, err
	}
	r.Seq = uint64(seq)
	r.State = crash.State(state)
	r.CreatedAt = fromMs(createdMs)
	r.StartedAt = fromMs(startedMs)
	r.EndedAt = fromMs(endedMs)
	return r, nil
}

func (s *SQL) GetRound(ctx context.Context, seq uint64) (crash.Round, error) {
	return s.scanRound(s.queryRow(ctx, s.db, selectRound+` WHERE seq = ?`, int64(seq)))
}

func (s *SQL) GetRoundByID(ctx context.Context, id string) (crash.Round, error) {
	return s.scanRound(s.queryRow(ctx, s.db, selectRound+` WHERE id = ?`, id))
}

func (s *SQL) GetRoundByCommitment(ctx context.Context, hash string) (crash.Round, error) {
	return s.scanRound(s.queryRow(ctx, s.db, selectRound+` WHERE commitment_hash = ?`, hash))
}

func (s *SQL) ListEnded(ctx context.Context, limit int) ([]crash.Round, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(selectRound+`
WHERE state = ?
ORDER BY seq DESC
LIMIT ?`), int(crash.StateEnded), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list ended rounds")
	}
	defer rows.Close()

	out := make([]crash.Round, 0, limit)
	for rows.Next() {
		r, err := s.scanRound(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan round")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate rounds")
}

func (s *SQL) UpsertBets(ctx context.Context, bets []crash.Bet) error {
	if len(bets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin bets tx")
	}
	defer tx.Rollback()

	for _, b := range bets {
		if _, err := s.exec(ctx, tx, `
INSERT INTO bets (
    id, round_id, wallet, track, amount, auto_cashout, cashout, payout,
    lost, synthetic, placed_at_ms, settled_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET
    round_id = excluded.round_id,
    cashout = excluded.cashout,
    payout = excluded.payout,
    lost = excluded.lost,
    settled_at_ms = excluded.settled_at_ms
`, b.ID, b.RoundID, b.Wallet, int(b.Track), b.Amount, b.AutoCashout, b.Cashout, b.Payout,
			boolInt(b.Lost), boolInt(b.Synthetic), toMs(b.PlacedAt), toMs(b.SettledAt)); err != nil {
			return errors.Wrapf(err, "upsert bet %s", b.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit bets tx")
}

func (s *SQL) ListBets(ctx context.Context, roundID string) ([]crash.Bet, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
SELECT id, round_id, wallet, track, amount, auto_cashout, cashout, payout,
       lost, synthetic, placed_at_ms, settled_at_ms
FROM bets
WHERE round_id = ?
ORDER BY placed_at_ms ASC, id ASC
`), roundID)
	if err != nil {
		return nil, errors.Wrap(err, "list bets")
	}
	defer rows.Close()

	out := make([]crash.Bet, 0, 32)
	for rows.Next() {
		var (
			b                   crash.Bet
			track, lost, synth  int
			placedMs, settledMs int64
		)
		if err := rows.Scan(&b.ID, &b.RoundID, &b.Wallet, &track, &b.Amount, &b.AutoCashout, &b.Cashout, &b.Payout,
			&lost, &synth, &placedMs, &settledMs); err != nil {
			return nil, errors.Wrap(err, "scan bet")
		}
		b.Track = crash.Track(track)
		b.Lost = lost != 0
		b.Synthetic = synth != 0
		b.PlacedAt = fromMs(placedMs)
		b.SettledAt = fromMs(settledMs)
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "iterate bets")
}

func (s *SQL) DeleteBet(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.db, `DELETE FROM bets WHERE id = ? AND cashout = 0 AND lost = 0`, id)
	return errors.Wrapf(err, "delete bet %s", id)
}

func (s *SQL) LoadOffset(ctx context.Context) (int64, error) {
	var v int64
	err := s.queryRow(ctx, s.db, `SELECT value FROM counters WHERE name = ?`, counterHouseOffset).Scan(&v)
	if err != nil {
		return 0, errors.Wrap(err, "load house offset")
	}
	return v, nil
}

func (s *SQL) SaveOffset(ctx context.Context, v int64) error {
	_, err := s.exec(ctx, s.db, `UPDATE counters SET value = ? WHERE name = ?`, v, counterHouseOffset)
	return errors.Wrap(err, "save house offset")
}

func (s *SQL) AppendEvent(ctx context.Context, ev EventRecord) error {
	_, err := s.exec(ctx, s.db, `
INSERT INTO round_event_stream (round_id, seq, event_type, envelope_b64, server_ts_ms, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (round_id, seq) DO NOTHING
`, ev.RoundID, int64(ev.Seq), ev.EventType, base64.StdEncoding.EncodeToString(ev.Envelope),
		ev.ServerTsMs, time.Now().UTC().UnixMilli())
	return errors.Wrapf(err, "append event round=%s seq=%d", ev.RoundID, ev.Seq)
}

func (s *SQL) ListEvents(ctx context.Context, roundID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
SELECT round_id, seq, event_type, envelope_b64, server_ts_ms
FROM round_event_stream
WHERE round_id = ?
ORDER BY seq ASC
`), roundID)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	out := make([]EventRecord, 0, 64)
	for rows.Next() {
		var (
			ev  EventRecord
			seq int64
			b64 string
		)
		if err := rows.Scan(&ev.RoundID, &seq, &ev.EventType, &b64, &ev.ServerTsMs); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Seq = uint64(seq)
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			s.logger.Warn("skip undecodable event", zap.String("round_id", roundID), zap.Int64("seq", seq), zap.Error(err))
			continue
		}
		ev.Envelope = raw
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQL) ensureSchema(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
		}
	}
	for _, name := range []string{counterRoundSeq, counterHouseOffset} {
		if _, err := s.exec(ctx, s.db, `
INSERT INTO counters (name, value) VALUES (?, 0)
ON CONFLICT (name) DO NOTHING
`, name); err != nil {
			return errors.Wrapf(err, "seed counter %s", name)
		}
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
