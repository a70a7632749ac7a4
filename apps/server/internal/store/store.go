package store

import (
	"context"
	"strings"
	"time"

	"crash-lite/crash"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrQueueEmpty = errors.New("crash point queue is empty")
	// ErrConflict is returned when a compare-and-swap lost to another writer.
	ErrConflict = errors.New("concurrent update conflict")
)

const (
	counterRoundSeq    = "round_seq"
	counterHouseOffset = "house_offset"

	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

// Store persists rounds, their queue entries, bets, the sequence counter,
// the policy offset and the per-round event stream.
type Store interface {
	Close() error

	// NextSequence increments the durable round counter and returns the
	// new value.
	NextSequence(ctx context.Context) (uint64, error)
	SequenceExists(ctx context.Context, seq uint64) (bool, error)
	// EnqueueRounds stores pre-committed rounds together with their queue
	// entries in one transaction.
	EnqueueRounds(ctx context.Context, rounds []crash.Round) error
	// ConsumeNext marks the earliest unconsumed entry consumed and returns
	// its round. ErrQueueEmpty when nothing is left, ErrConflict when
	// another consumer won the entry.
	ConsumeNext(ctx context.Context, now time.Time) (crash.Round, error)
	CountUnconsumed(ctx context.Context) (int, error)
	// IsConsumed reports whether the round at seq has left the queue.
	// Unconsumed rounds are never published.
	IsConsumed(ctx context.Context, seq uint64) (bool, error)

	UpdateRound(ctx context.Context, r crash.Round) error
	GetRound(ctx context.Context, seq uint64) (crash.Round, error)
	GetRoundByID(ctx context.Context, id string) (crash.Round, error)
	GetRoundByCommitment(ctx context.Context, hash string) (crash.Round, error)
	// ListEnded returns finished rounds, newest first.
	ListEnded(ctx context.Context, limit int) ([]crash.Round, error)

	UpsertBets(ctx context.Context, bets []crash.Bet) error
	ListBets(ctx context.Context, roundID string) ([]crash.Bet, error)
	// DeleteBet removes a bet cancelled before its round started.
	DeleteBet(ctx context.Context, id string) error

	LoadOffset(ctx context.Context) (int64, error)
	SaveOffset(ctx context.Context, v int64) error

	AppendEvent(ctx context.Context, ev EventRecord) error
	ListEvents(ctx context.Context, roundID string) ([]EventRecord, error)
}

// EventRecord is one pushed envelope, kept for audit.
type EventRecord struct {
	RoundID    string `json:"round_id"`
	Seq        uint64 `json:"seq"`
	EventType  string `json:"event_type"`
	Envelope   []byte `json:"-"`
	ServerTsMs int64  `json:"server_ts_ms"`
}

// Options selects and configures a backend.
type Options struct {
	Mode        string
	DatabaseURL string
	SQLitePath  string
}

// Open returns the backend named by opts.Mode and a label for logging.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, string, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	switch mode {
	case "memory":
		return NewMemory(), "memory", nil
	case "", "local", "sqlite":
		s, err := NewSQLite(ctx, opts.SQLitePath, logger)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	case "postgres", "postgresql":
		s, err := NewPostgres(ctx, opts.DatabaseURL, logger)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	default:
		return nil, "", errors.Errorf("unknown store mode %q", opts.Mode)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxRecentLimit {
		return defaultRecentLimit
	}
	return limit
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
