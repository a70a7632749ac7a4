package crash

import (
	"sync"
	"time"
)

type slotKey struct {
	wallet string
	track  Track
}

// BetLedger holds at most one bet per (wallet, track). Every mutation is a
// compare-and-swap on that slot under the ledger mutex.
type BetLedger struct {
	mu    sync.Mutex
	bets  map[slotKey]*Bet
	order []slotKey
}

func NewBetLedger() *BetLedger {
	return &BetLedger{bets: make(map[slotKey]*Bet)}
}

// Place inserts b into its empty slot.
func (l *BetLedger) Place(b Bet) error {
	if !b.Track.Valid() {
		return ErrInvalidTrack
	}
	key := slotKey{wallet: b.Wallet, track: b.Track}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.bets[key]; exists {
		return ErrBetExists
	}
	bet := b
	l.bets[key] = &bet
	l.order = append(l.order, key)
	return nil
}

// Remove deletes an open bet from its slot and returns it.
func (l *BetLedger) Remove(wallet string, track Track) (Bet, error) {
	key := slotKey{wallet: wallet, track: track}

	l.mu.Lock()
	defer l.mu.Unlock()
	bet, ok := l.bets[key]
	if !ok || !bet.IsOpen() {
		return Bet{}, ErrNoActiveBet
	}
	delete(l.bets, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return *bet, nil
}

// Cashout sets the cashout multiplier of an open bet exactly once.
func (l *BetLedger) Cashout(wallet string, track Track, multiplier float64, now time.Time) (Bet, error) {
	key := slotKey{wallet: wallet, track: track}

	l.mu.Lock()
	defer l.mu.Unlock()
	bet, ok := l.bets[key]
	if !ok || bet.Lost {
		return Bet{}, ErrNoActiveBet
	}
	if bet.Cashout != 0 {
		return Bet{}, ErrAlreadyCashedOut
	}
	bet.Cashout = multiplier
	bet.Payout = Payout(bet.Amount, multiplier)
	bet.SettledAt = now
	return *bet, nil
}

// SettleOpen marks every open bet as lost and returns them.
func (l *BetLedger) SettleOpen(now time.Time) []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()
	lost := make([]Bet, 0)
	for _, key := range l.order {
		bet := l.bets[key]
		if !bet.IsOpen() {
			continue
		}
		bet.Lost = true
		bet.Payout = 0
		bet.SettledAt = now
		lost = append(lost, *bet)
	}
	return lost
}

func (l *BetLedger) Get(wallet string, track Track) (Bet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bet, ok := l.bets[slotKey{wallet: wallet, track: track}]
	if !ok {
		return Bet{}, false
	}
	return *bet, true
}

// Bets returns a copy of every bet in placement order.
func (l *BetLedger) Bets() []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Bet, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, *l.bets[key])
	}
	return out
}

// Open returns the bets that are neither cashed out nor lost.
func (l *BetLedger) Open() []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Bet, 0, len(l.order))
	for _, key := range l.order {
		if bet := l.bets[key]; bet.IsOpen() {
			out = append(out, *bet)
		}
	}
	return out
}

// Drain empties the ledger and returns its bets in placement order.
func (l *BetLedger) Drain() []Bet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Bet, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, *l.bets[key])
	}
	l.bets = make(map[slotKey]*Bet)
	l.order = nil
	return out
}

func (l *BetLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// RealBets filters out synthetic wallets.
func RealBets(bets []Bet) []Bet {
	out := make([]Bet, 0, len(bets))
	for _, b := range bets {
		if !b.Synthetic {
			out = append(out, b)
		}
	}
	return out
}
