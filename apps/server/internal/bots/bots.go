package bots

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"crash-lite/apps/server/internal/wallet"
	"crash-lite/crash"

	"go.uber.org/zap"
)

// Placer is the engine surface the bots use.
type Placer interface {
	PlaceBet(ctx context.Context, walletID string, track crash.Track, amount int64, autoCashout float64) (crash.Bet, error)
	Snapshot() (crash.SessionSnapshot, bool)
}

type Config struct {
	Count  int
	MinBet int64
	MaxBet int64
	// PollInterval is how often the manager looks for a new WAITING round.
	PollInterval time.Duration
	// BetChance is the probability in [0,1] that a bot joins a round.
	BetChance float64
}

// Manager drives synthetic wallets that bet during WAITING so the table
// never looks empty. Their bets skip the wallet ledger and exposure.
type Manager struct {
	placer Placer
	cfg    Config
	logger *zap.Logger
	rng    *rand.Rand

	lastRound string
}

func New(placer Placer, cfg Config, logger *zap.Logger, seed int64) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BetChance <= 0 {
		cfg.BetChance = 0.7
	}
	if cfg.MinBet <= 0 {
		cfg.MinBet = 10
	}
	if cfg.MaxBet < cfg.MinBet {
		cfg.MaxBet = cfg.MinBet
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		placer: placer,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// WalletID names the i-th bot.
func WalletID(i int) string {
	return fmt.Sprintf("%s%d", wallet.SyntheticPrefix, i+1)
}

// Run polls the engine until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Count == 0 {
		return nil
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	m.logger.Info("bots started", zap.Int("count", m.cfg.Count))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll places one round of bot bets the first time it sees a WAITING round.
func (m *Manager) poll(ctx context.Context) int {
	snap, ok := m.placer.Snapshot()
	if !ok || snap.State != crash.StateWaiting || snap.Round.ID == m.lastRound {
		return 0
	}
	m.lastRound = snap.Round.ID

	placed := 0
	for i := 0; i < m.cfg.Count; i++ {
		if m.rng.Float64() >= m.cfg.BetChance {
			continue
		}
		id := WalletID(i)
		if _, err := m.placer.PlaceBet(ctx, id, crash.TrackPrimary, m.amount(), m.autoCashout()); err != nil {
			m.logger.Debug("bot bet refused", zap.String("wallet", id), zap.String("round_id", snap.Round.ID), zap.Error(err))
			continue
		}
		placed++
	}
	m.logger.Debug("bots placed bets", zap.String("round_id", snap.Round.ID), zap.Int("placed", placed))
	return placed
}

// amount is log-uniform between MinBet and min(MaxBet, 100*MinBet).
func (m *Manager) amount() int64 {
	hi := m.cfg.MinBet * 100
	if hi > m.cfg.MaxBet {
		hi = m.cfg.MaxBet
	}
	lo := float64(m.cfg.MinBet)
	v := lo * math.Exp(m.rng.Float64()*math.Log(float64(hi)/lo))
	amt := int64(v)
	if amt < m.cfg.MinBet {
		amt = m.cfg.MinBet
	}
	if amt > hi {
		amt = hi
	}
	return amt
}

// autoCashout is zero (manual) half of the time, otherwise a target in
// [1.1, 10) on the 0.01 grid.
func (m *Manager) autoCashout() float64 {
	if m.rng.Intn(2) == 0 {
		return 0
	}
	target := 1.1 + m.rng.ExpFloat64()*1.5
	if target >= 10 {
		target = 9.99
	}
	return math.Floor(target*100) / 100
}
