package crash

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a round.
type State byte

const (
	StateWaiting State = 0
	StateActive  State = 1
	StateEnded   State = 2
)

var StateDictionary = map[State]string{
	StateWaiting: "WAITING",
	StateActive:  "ACTIVE",
	StateEnded:   "ENDED",
}

func (s State) String() string {
	if name, ok := StateDictionary[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

// Track is one of the two independent bet slots a wallet holds per round.
type Track byte

const (
	TrackPrimary   Track = 1
	TrackSecondary Track = 2
)

var TrackDictionary = map[Track]string{
	TrackPrimary:   "PRIMARY",
	TrackSecondary: "SECONDARY",
}

func (t Track) String() string {
	if name, ok := TrackDictionary[t]; ok {
		return name
	}
	return fmt.Sprintf("Track(%d)", byte(t))
}

func (t Track) Valid() bool {
	return t == TrackPrimary || t == TrackSecondary
}

// ParseTrack accepts the dictionary names (case-insensitive) and "1"/"2".
func ParseTrack(raw string) (Track, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PRIMARY", "1", "":
		return TrackPrimary, nil
	case "SECONDARY", "2":
		return TrackSecondary, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTrack, raw)
	}
}

// Override reasons recorded on a round whose crash point was lowered.
const (
	OverridePolicy   = "policy"
	OverrideForceEnd = "force_end"
	overrideRiskPfx  = "risk:"
)

// RiskOverride is the override reason recorded for a risk trigger.
func RiskOverride(reason TriggerReason) string {
	return overrideRiskPfx + string(reason)
}

// Round is one pre-committed crash round.
type Round struct {
	ID             string
	Seq            uint64
	CommitmentHash string
	ServerSeed     string
	ClientSeed     string
	Salt           string
	HouseEdge      float64

	// CommittedCrashPoint is what SeedChain produced; CrashPoint is the
	// effective value and may only be lower.
	CommittedCrashPoint float64
	CrashPoint          float64
	OverrideReason      string

	State     State
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	TotalStake  int64
	TotalPayout int64
}

// Lower reduces the effective crash point. It never raises it and is a
// no-op once the round has ended.
func (r *Round) Lower(point float64, reason string) bool {
	if r.State == StateEnded {
		return false
	}
	if point < 1 {
		point = 1
	}
	if point >= r.CrashPoint {
		return false
	}
	r.CrashPoint = point
	r.OverrideReason = reason
	return true
}

// Overridden reports whether the effective crash point differs from the
// committed one.
func (r Round) Overridden() bool {
	return r.CrashPoint < r.CommittedCrashPoint
}

// QueuedCrashPoint is a pre-generated, not-yet-used round outcome.
type QueuedCrashPoint struct {
	Seq        uint64
	RoundID    string
	CrashPoint float64
	Consumed   bool
	ConsumedAt time.Time
}

// Bet is a wager on one track of one round. Cashout is zero while open and
// is immutable once set.
type Bet struct {
	ID           string
	RoundID      string
	Wallet       string
	Track        Track
	Amount       int64
	AutoCashout  float64
	Cashout      float64
	Payout       int64
	Lost         bool
	Synthetic    bool
	ForNextRound bool
	PlacedAt     time.Time
	SettledAt    time.Time
}

func (b Bet) IsOpen() bool {
	return b.Cashout == 0 && !b.Lost
}

// NetWin is payout minus stake for a cashed-out bet.
func (b Bet) NetWin() int64 {
	if b.Cashout == 0 {
		return 0
	}
	return b.Payout - b.Amount
}
