package crash

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const minAutoCashout = 1.01

// Session is the mutable state of exactly one round from WAITING to ENDED.
// Bets placed before the round starts, or while it runs, sit in the queued
// ledger; Start moves them into the live ledger.
type Session struct {
	cfg Config

	mu         sync.Mutex
	round      Round
	state      State
	closesAt   time.Time
	multiplier float64

	live   *BetLedger
	queued *BetLedger
}

// TickResult is the outcome of advancing the clock once.
type TickResult struct {
	Multiplier   float64
	AutoCashouts []Bet
	Crashed      bool
}

// Settlement summarises an ended round. Totals cover real-money bets only.
type Settlement struct {
	Round      Round
	Bets       []Bet
	Lost       []Bet
	RealStake  int64
	RealPayout int64
}

// SessionSnapshot is a consistent read of the session.
type SessionSnapshot struct {
	Round      Round
	State      State
	Multiplier float64
	Elapsed    time.Duration
	Countdown  time.Duration
	Bets       []Bet
	Queued     []Bet
}

// NewSession wraps round in WAITING state. carried are bets queued during
// the previous round; they are re-tagged with this round's id.
func NewSession(round Round, cfg Config, now time.Time, carried []Bet) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if round.CrashPoint < 1 {
		return nil, ErrInvalidState(fmt.Sprintf("round %s crash point %v < 1", round.ID, round.CrashPoint))
	}
	round.State = StateWaiting
	s := &Session{
		cfg:        cfg,
		round:      round,
		state:      StateWaiting,
		closesAt:   now.Add(cfg.WaitingDuration),
		multiplier: 1,
		live:       NewBetLedger(),
		queued:     NewBetLedger(),
	}
	for _, b := range carried {
		b.RoundID = round.ID
		b.ForNextRound = true
		if err := s.queued.Place(b); err != nil {
			return nil, fmt.Errorf("carry bet %s: %w", b.ID, err)
		}
	}
	return s, nil
}

func (s *Session) Round() Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Multiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multiplier
}

// CountdownExpired reports whether the WAITING period is over.
func (s *Session) CountdownExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateWaiting && !now.Before(s.closesAt)
}

// PlaceBet queues a bet for the upcoming round. During WAITING that is this
// round; during ACTIVE it is the next one.
func (s *Session) PlaceBet(b Bet, now time.Time) (Bet, error) {
	if b.Amount < s.cfg.MinBet || b.Amount > s.cfg.MaxBet {
		return Bet{}, fmt.Errorf("%w: %d (range: %d-%d)", ErrInvalidAmount, b.Amount, s.cfg.MinBet, s.cfg.MaxBet)
	}
	if b.AutoCashout != 0 && b.AutoCashout < minAutoCashout {
		return Bet{}, fmt.Errorf("%w: auto cashout %v below %v", ErrInvalidAmount, b.AutoCashout, minAutoCashout)
	}
	if !b.Track.Valid() {
		return Bet{}, ErrInvalidTrack
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return Bet{}, ErrRoundEnded
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.RoundID = ""
	if s.state == StateWaiting {
		b.RoundID = s.round.ID
	}
	b.ForNextRound = true
	b.Cashout = 0
	b.Payout = 0
	b.Lost = false
	b.PlacedAt = now
	if err := s.queued.Place(b); err != nil {
		return Bet{}, err
	}
	return b, nil
}

// CancelBet withdraws a bet that has not started yet.
func (s *Session) CancelBet(wallet string, track Track) (Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Bets for the next round stay cancellable after this one ends.
	bet, err := s.queued.Remove(wallet, track)
	if err == nil {
		return bet, nil
	}
	if s.state == StateEnded {
		return Bet{}, ErrRoundEnded
	}
	if _, live := s.live.Get(wallet, track); live {
		return Bet{}, ErrBetNotCancellable
	}
	return Bet{}, err
}

// Cashout settles an open live bet at the current multiplier.
func (s *Session) Cashout(wallet string, track Track, now time.Time) (Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEnded:
		return Bet{}, ErrNoActiveBet
	case StateWaiting:
		return Bet{}, ErrRoundNotActive
	}
	if s.multiplier >= s.round.CrashPoint {
		return Bet{}, ErrRoundNotActive
	}
	return s.live.Cashout(wallet, track, s.multiplier, now)
}

// Start moves WAITING to ACTIVE and returns the bets now in play.
func (s *Session) Start(now time.Time) ([]Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaiting {
		return nil, ErrInvalidState("start from " + s.state.String())
	}
	for _, b := range s.queued.Drain() {
		b.RoundID = s.round.ID
		if err := s.live.Place(b); err != nil {
			return nil, fmt.Errorf("activate bet %s: %w", b.ID, err)
		}
	}
	s.state = StateActive
	s.round.State = StateActive
	s.round.StartedAt = now
	s.multiplier = 1
	return s.live.Bets(), nil
}

// Advance moves the clock to now. Auto-cashout targets below the crash point
// are paid at their target even if the multiplier passed them within one tick.
// A positive ceiling holds the multiplier at that value.
func (s *Session) Advance(now time.Time, ceiling float64) TickResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return TickResult{Multiplier: s.multiplier}
	}
	m := MultiplierAt(now.Sub(s.round.StartedAt), s.cfg.GrowthRate)
	if ceiling > 0 && m > ceiling {
		m = ceiling
	}
	if m < s.multiplier {
		m = s.multiplier
	}
	crashed := m >= s.round.CrashPoint
	if crashed {
		m = s.round.CrashPoint
	}

	var autos []Bet
	for _, b := range s.live.Open() {
		if b.AutoCashout == 0 || b.AutoCashout > m || b.AutoCashout >= s.round.CrashPoint {
			continue
		}
		settled, err := s.live.Cashout(b.Wallet, b.Track, b.AutoCashout, now)
		if err != nil {
			continue
		}
		autos = append(autos, settled)
	}
	s.multiplier = m
	return TickResult{Multiplier: m, AutoCashouts: autos, Crashed: crashed}
}

// Lower reduces the effective crash point before it is revealed. While the
// round runs it cannot go below the multiplier already shown.
func (s *Session) Lower(point float64, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive && point < s.multiplier {
		point = s.multiplier
	}
	return s.round.Lower(point, reason)
}

// Freeze pins the crash point to the current multiplier so no further
// cashout can succeed.
func (s *Session) Freeze(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	return s.round.Lower(s.multiplier, reason)
}

// End settles all open bets as lost and moves the session to ENDED.
func (s *Session) End(now time.Time) (Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateEnded:
		return Settlement{}, ErrRoundEnded
	case StateWaiting:
		return Settlement{}, ErrInvalidState("end before start")
	}
	if s.multiplier < s.round.CrashPoint {
		// Ended early without a recorded override (e.g. shutdown).
		s.round.Lower(s.multiplier, OverrideForceEnd)
	}
	lost := s.live.SettleOpen(now)
	s.state = StateEnded
	s.round.State = StateEnded
	s.round.EndedAt = now

	bets := s.live.Bets()
	st := Settlement{Bets: bets, Lost: lost}
	for _, b := range bets {
		if b.Synthetic {
			continue
		}
		st.RealStake += b.Amount
		st.RealPayout += b.Payout
	}
	s.round.TotalStake = st.RealStake
	s.round.TotalPayout = st.RealPayout
	st.Round = s.round
	return st, nil
}

// TakeQueued hands the bets queued for the next round to the caller.
func (s *Session) TakeQueued() []Bet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEnded {
		return nil
	}
	return s.queued.Drain()
}

// QueuedBets lists bets waiting for the upcoming round.
func (s *Session) QueuedBets() []Bet {
	return s.queued.Bets()
}

// LiveBets lists bets of the running round.
func (s *Session) LiveBets() []Bet {
	return s.live.Bets()
}

// OpenBets lists live bets that are neither cashed out nor lost.
func (s *Session) OpenBets() []Bet {
	return s.live.Open()
}

func (s *Session) Snapshot(now time.Time) SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		Round:      s.round,
		State:      s.state,
		Multiplier: s.multiplier,
		Bets:       s.live.Bets(),
		Queued:     s.queued.Bets(),
	}
	switch s.state {
	case StateWaiting:
		if d := s.closesAt.Sub(now); d > 0 {
			snap.Countdown = d
		}
	case StateActive:
		snap.Elapsed = now.Sub(s.round.StartedAt)
	case StateEnded:
		snap.Elapsed = s.round.EndedAt.Sub(s.round.StartedAt)
	}
	return snap
}
