package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"crash-lite/crash"

	"github.com/pkg/errors"
)

// Memory keeps everything in process. State is lost on restart.
type Memory struct {
	mu sync.Mutex

	seq     uint64
	offset  int64
	rounds  map[uint64]crash.Round
	byID    map[string]uint64
	queue   map[uint64]*crash.QueuedCrashPoint
	bets    map[string]crash.Bet
	betKeys map[string]string
	events  map[string][]EventRecord
}

func NewMemory() *Memory {
	return &Memory{
		rounds:  make(map[uint64]crash.Round),
		byID:    make(map[string]uint64),
		queue:   make(map[uint64]*crash.QueuedCrashPoint),
		bets:    make(map[string]crash.Bet),
		betKeys: make(map[string]string),
		events:  make(map[string][]EventRecord),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) NextSequence(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *Memory) SequenceExists(_ context.Context, seq uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rounds[seq]
	return ok, nil
}

func (m *Memory) EnqueueRounds(_ context.Context, rounds []crash.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rounds {
		if _, ok := m.rounds[r.Seq]; ok {
			return errors.Wrapf(ErrConflict, "round seq %d", r.Seq)
		}
	}
	for _, r := range rounds {
		m.rounds[r.Seq] = r
		m.byID[r.ID] = r.Seq
		m.queue[r.Seq] = &crash.QueuedCrashPoint{Seq: r.Seq, RoundID: r.ID, CrashPoint: r.CommittedCrashPoint}
	}
	return nil
}

func (m *Memory) ConsumeNext(_ context.Context, now time.Time) (crash.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *crash.QueuedCrashPoint
	for _, q := range m.queue {
		if q.Consumed {
			continue
		}
		if next == nil || q.Seq < next.Seq {
			next = q
		}
	}
	if next == nil {
		return crash.Round{}, ErrQueueEmpty
	}
	next.Consumed = true
	next.ConsumedAt = now.UTC()
	return m.rounds[next.Seq], nil
}

func (m *Memory) CountUnconsumed(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queue {
		if !q.Consumed {
			n++
		}
	}
	return n, nil
}

func (m *Memory) IsConsumed(_ context.Context, seq uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue[seq]
	if !ok {
		return false, ErrNotFound
	}
	return q.Consumed, nil
}

func (m *Memory) UpdateRound(_ context.Context, r crash.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[r.Seq]; !ok {
		return errors.Wrapf(ErrNotFound, "round seq %d", r.Seq)
	}
	m.rounds[r.Seq] = r
	return nil
}

func (m *Memory) GetRound(_ context.Context, seq uint64) (crash.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[seq]
	if !ok {
		return crash.Round{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetRoundByID(_ context.Context, id string) (crash.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.byID[id]
	if !ok {
		return crash.Round{}, ErrNotFound
	}
	return m.rounds[seq], nil
}

func (m *Memory) GetRoundByCommitment(_ context.Context, hash string) (crash.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rounds {
		if r.CommitmentHash == hash {
			return r, nil
		}
	}
	return crash.Round{}, ErrNotFound
}

func (m *Memory) ListEnded(_ context.Context, limit int) ([]crash.Round, error) {
	limit = clampLimit(limit)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crash.Round, 0, limit)
	for _, r := range m.rounds {
		if r.State == crash.StateEnded {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func betSlot(b crash.Bet) string {
	return b.RoundID + "|" + b.Wallet + "|" + b.Track.String()
}

func (m *Memory) UpsertBets(_ context.Context, bets []crash.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bets {
		slot := betSlot(b)
		if owner, ok := m.betKeys[slot]; ok && owner != b.ID {
			return errors.Wrapf(ErrConflict, "bet slot %s", slot)
		}
		if prev, ok := m.bets[b.ID]; ok {
			delete(m.betKeys, betSlot(prev))
		}
		m.bets[b.ID] = b
		m.betKeys[slot] = b.ID
	}
	return nil
}

func (m *Memory) ListBets(_ context.Context, roundID string) ([]crash.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crash.Bet, 0)
	for _, b := range m.bets {
		if b.RoundID == roundID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].PlacedAt.Before(out[j].PlacedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) DeleteBet(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bets[id]
	if !ok {
		return nil
	}
	delete(m.betKeys, betSlot(b))
	delete(m.bets, id)
	return nil
}

func (m *Memory) LoadOffset(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset, nil
}

func (m *Memory) SaveOffset(_ context.Context, v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = v
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, ev EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events[ev.RoundID] {
		if existing.Seq == ev.Seq {
			return nil
		}
	}
	m.events[ev.RoundID] = append(m.events[ev.RoundID], ev)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, roundID string) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[roundID]
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	out := append([]EventRecord(nil), events...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
