package queue

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"crash-lite/apps/server/internal/store"
	"crash-lite/crash"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	maxSequenceAttempts = 5
	saltBytes           = 16
	seedBytes           = 32
	hkdfInfoPrefix      = "crash-lite/batch/"
)

type Config struct {
	ClientSeed string
	HouseEdge  float64
	BatchSize  int
	// MasterSecret, when set, derives each batch's initial hash with HKDF
	// so the whole history can be re-derived offline. Otherwise it is random.
	MasterSecret string
	RetryDelay   time.Duration
	MaxAttempts  int
}

// Queue hands out pre-committed rounds in sequence order and keeps the
// backlog topped up in the background.
type Queue struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	regenerating atomic.Bool
	bg           sync.WaitGroup
	genMu        sync.Mutex
	// reserved holds sequence numbers taken from the counter by a batch
	// that never reached the store. The next batch uses them first.
	reserved []uint64
}

func New(st store.Store, cfg Config, logger *zap.Logger) (*Queue, error) {
	if st == nil {
		return nil, errors.New("queue: nil store")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("queue: batch size %d", cfg.BatchSize)
	}
	if cfg.HouseEdge < 0 || cfg.HouseEdge >= 1 {
		return nil, errors.Errorf("queue: house edge %v outside [0,1)", cfg.HouseEdge)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: st, cfg: cfg, logger: logger, now: time.Now}, nil
}

func (q *Queue) Config() Config { return q.cfg }

// NextSequenceNumber takes the next value of the durable counter and
// re-checks that no round already uses it.
func (q *Queue) NextSequenceNumber(ctx context.Context) (uint64, error) {
	for attempt := 1; attempt <= maxSequenceAttempts; attempt++ {
		seq, err := q.store.NextSequence(ctx)
		if err != nil {
			return 0, err
		}
		taken, err := q.store.SequenceExists(ctx, seq)
		if err != nil {
			return 0, err
		}
		if !taken {
			return seq, nil
		}
		q.logger.Warn("sequence collision", zap.Uint64("seq", seq), zap.Int("attempt", attempt))
	}
	return 0, errors.Errorf("no free sequence number after %d attempts", maxSequenceAttempts)
}

// GenerateBatch commits BatchSize new rounds and returns how many were
// stored. Generations are serialized. Sequence numbers reserved by a failed
// attempt are reused, so a failed insert leaves no gap.
func (q *Queue) GenerateBatch(ctx context.Context) (int, error) {
	q.genMu.Lock()
	defer q.genMu.Unlock()

	n := q.cfg.BatchSize
	seqs := append(make([]uint64, 0, n), q.reserved...)
	for len(seqs) < n {
		seq, err := q.NextSequenceNumber(ctx)
		if err != nil {
			q.reserved = seqs
			return 0, errors.Wrap(err, "assign sequence")
		}
		seqs = append(seqs, seq)
	}
	q.reserved = seqs

	salts := make([]string, n)
	for i := range salts {
		salt, err := randomHex(saltBytes)
		if err != nil {
			return 0, errors.Wrap(err, "generate salt")
		}
		salts[i] = salt
	}

	initial, err := q.initialHash(seqs[0])
	if err != nil {
		return 0, err
	}
	commitments := crash.GenerateBatch(initial, q.cfg.ClientSeed, q.cfg.HouseEdge, salts)

	created := q.now().UTC()
	rounds := make([]crash.Round, n)
	for i, c := range commitments {
		rounds[i] = crash.Round{
			ID:                  uuid.NewString(),
			Seq:                 seqs[i],
			CommitmentHash:      c.CommitmentHash,
			ServerSeed:          c.ServerSeed,
			ClientSeed:          q.cfg.ClientSeed,
			Salt:                c.Salt,
			HouseEdge:           q.cfg.HouseEdge,
			CommittedCrashPoint: c.CrashPoint,
			CrashPoint:          c.CrashPoint,
			State:               crash.StateWaiting,
			CreatedAt:           created,
		}
	}
	if err := q.store.EnqueueRounds(ctx, rounds); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another writer owns one of these numbers; they are not gaps.
			q.reserved = nil
		}
		return 0, errors.Wrap(err, "enqueue batch")
	}
	q.reserved = nil
	q.logger.Info("crash point batch generated",
		zap.Uint64("first_seq", seqs[0]),
		zap.Uint64("last_seq", seqs[n-1]),
		zap.Int("size", n),
	)
	return n, nil
}

func (q *Queue) initialHash(firstSeq uint64) (string, error) {
	if q.cfg.MasterSecret == "" {
		seed, err := randomHex(seedBytes)
		if err != nil {
			return "", errors.Wrap(err, "generate initial seed")
		}
		return seed, nil
	}
	info := []byte(hkdfInfoPrefix + strconv.FormatUint(firstSeq, 10))
	r := hkdf.New(sha256.New, []byte(q.cfg.MasterSecret), nil, info)
	buf := make([]byte, seedBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "derive initial seed")
	}
	return hex.EncodeToString(buf), nil
}

// Ensure fills the backlog synchronously when it is below the refill mark.
// Called once at startup.
func (q *Queue) Ensure(ctx context.Context) error {
	n, err := q.store.CountUnconsumed(ctx)
	if err != nil {
		return err
	}
	if n >= q.refillMark() {
		return nil
	}
	_, err = q.generateWithRetry(ctx)
	return err
}

// AdvanceToNextRound consumes the earliest unconsumed round. An empty queue
// is refilled synchronously; every failure is retried with a fixed delay up
// to MaxAttempts.
func (q *Queue) AdvanceToNextRound(ctx context.Context) (crash.Round, error) {
	op := func() (crash.Round, error) {
		r, err := q.store.ConsumeNext(ctx, q.now())
		if errors.Is(err, store.ErrQueueEmpty) {
			q.logger.Warn("crash point queue empty, generating synchronously")
			if _, genErr := q.GenerateBatch(ctx); genErr != nil {
				return crash.Round{}, genErr
			}
			return q.store.ConsumeNext(ctx, q.now())
		}
		return r, err
	}
	r, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(q.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(q.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.logger.Warn("advance to next round failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		}),
	)
	if err != nil {
		return crash.Round{}, errors.Wrap(err, "advance to next round")
	}
	q.maybeRegenerate()
	return r, nil
}

func (q *Queue) refillMark() int {
	mark := q.cfg.BatchSize / 2
	if mark < 1 {
		mark = 1
	}
	return mark
}

// maybeRegenerate starts one background batch when the backlog is low.
func (q *Queue) maybeRegenerate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	n, err := q.store.CountUnconsumed(ctx)
	cancel()
	if err != nil {
		q.logger.Error("count unconsumed crash points", zap.Error(err))
		return
	}
	if n >= q.refillMark() {
		return
	}
	if !q.regenerating.CompareAndSwap(false, true) {
		return
	}
	q.bg.Add(1)
	go func() {
		defer q.bg.Done()
		defer q.regenerating.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := q.generateWithRetry(ctx); err != nil {
			q.logger.Error("background batch generation failed", zap.Error(err))
		}
	}()
}

func (q *Queue) generateWithRetry(ctx context.Context) (int, error) {
	return backoff.Retry(ctx, func() (int, error) { return q.GenerateBatch(ctx) },
		backoff.WithBackOff(backoff.NewConstantBackOff(q.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(q.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.logger.Warn("batch generation failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
}

// Wait blocks until background regeneration has finished.
func (q *Queue) Wait() {
	q.bg.Wait()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
