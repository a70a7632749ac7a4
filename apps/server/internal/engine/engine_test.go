package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"crash-lite/apps/server/internal/codec"
	"crash-lite/apps/server/internal/store"
	"crash-lite/apps/server/internal/wallet"
	"crash-lite/crash"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	st     store.Store
	points []float64
	next   int
	err    error
}

func (f *fakeSource) AdvanceToNextRound(ctx context.Context) (crash.Round, error) {
	if f.err != nil {
		return crash.Round{}, f.err
	}
	if f.next >= len(f.points) {
		return crash.Round{}, errors.New("no rounds left")
	}
	point := f.points[f.next]
	f.next++
	r := crash.Round{
		ID:                  fmt.Sprintf("round-%d", f.next),
		Seq:                 uint64(f.next),
		CommitmentHash:      fmt.Sprintf("hash-%d", f.next),
		ServerSeed:          fmt.Sprintf("seed-%d", f.next),
		ClientSeed:          "client",
		Salt:                "salt",
		HouseEdge:           0.03,
		CommittedCrashPoint: point,
		CrashPoint:          point,
		CreatedAt:           t0,
	}
	if err := f.st.EnqueueRounds(ctx, []crash.Round{r}); err != nil {
		return crash.Round{}, err
	}
	return f.st.ConsumeNext(ctx, t0)
}

type recordingPublisher struct {
	mu        sync.Mutex
	broadcast []codec.Envelope
	sent      map[string][]codec.Envelope
}

func (p *recordingPublisher) Broadcast(env codec.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = append(p.broadcast, env)
}

func (p *recordingPublisher) SendTo(walletID string, env codec.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = make(map[string][]codec.Envelope)
	}
	p.sent[walletID] = append(p.sent[walletID], env)
}

func (p *recordingPublisher) broadcastOf(typ codec.EventType) []codec.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []codec.Envelope
	for _, env := range p.broadcast {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (p *recordingPublisher) sentOf(walletID string, typ codec.EventType) []codec.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []codec.Envelope
	for _, env := range p.sent[walletID] {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type harness struct {
	engine *Engine
	store  *store.Memory
	wallet *wallet.Memory
	pub    *recordingPublisher
	source *fakeSource
	now    time.Time
}

func testConfig() Config {
	return Config{
		Round: crash.DefaultConfig(),
		// SkipPct 100 bypasses the policy on every round.
		Policy: crash.PolicyConfig{EdgePct: 40, MinFloor: 2, SkipPct: 100},
		Risk: crash.RiskConfig{
			MaxCrashPoint:      1000,
			ProbableWin:        1_000_000_000,
			EmergencyThreshold: 1_000_000_000,
			HardCutoff:         1_000_000_000,
		},
		TickInterval:   100 * time.Millisecond,
		NextRoundDelay: 3 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, points ...float64) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemory(),
		wallet: wallet.NewMemory(1000),
		pub:    &recordingPublisher{},
		now:    t0,
	}
	h.source = &fakeSource{st: h.store, points: points}
	e, err := New(cfg, Deps{
		Source:    h.source,
		Store:     h.store,
		Wallet:    h.wallet,
		Publisher: h.pub,
		Logger:    zaptest.NewLogger(t),
		Clock:     func() time.Time { return h.now },
	})
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))
	h.engine = e
	t.Cleanup(e.Wait)
	return h
}

func (h *harness) tick(at time.Time) {
	h.now = at
	h.engine.tick(at)
}

func (h *harness) submit(ev Event) (crash.Bet, error) {
	ev.Timestamp = h.now
	res := h.engine.handleEvent(ev)
	return res.Bet, res.Err
}

// startRound opens the next round and moves it to ACTIVE. It returns the
// start time.
func (h *harness) startRound(t *testing.T, bets ...Event) time.Time {
	t.Helper()
	h.tick(h.now)
	snap, ok := h.engine.Snapshot()
	require.True(t, ok)
	require.Equal(t, crash.StateWaiting, snap.State)
	for _, ev := range bets {
		_, err := h.submit(ev)
		require.NoError(t, err)
	}
	start := h.now.Add(crash.DefaultConfig().WaitingDuration)
	h.tick(start)
	snap, _ = h.engine.Snapshot()
	require.Equal(t, crash.StateActive, snap.State)
	return start
}

func at(start time.Time, m float64) time.Time {
	return start.Add(crash.ElapsedFor(m, crash.DefaultConfig().GrowthRate) + time.Millisecond)
}

func placeEvent(walletID string, amount int64) Event {
	return Event{Type: EventPlaceBet, Wallet: walletID, Track: crash.TrackPrimary, Amount: amount}
}

func TestEngine_RoundLifecycleWithCashout(t *testing.T) {
	h := newHarness(t, testConfig(), 3)
	ctx := context.Background()

	start := h.startRound(t, placeEvent("alice", 100), placeEvent("bob", 100))
	bal, _ := h.wallet.Balance(ctx, "alice")
	assert.Equal(t, int64(900), bal)

	h.tick(at(start, 2))
	bet, err := h.submit(Event{Type: EventCashout, Wallet: "alice", Track: crash.TrackPrimary})
	require.NoError(t, err)
	assert.Equal(t, 2.0, bet.Cashout)
	assert.Equal(t, int64(200), bet.Payout)

	_, err = h.submit(Event{Type: EventCashout, Wallet: "alice", Track: crash.TrackPrimary})
	assert.ErrorIs(t, err, crash.ErrNoActiveBet)
	require.Len(t, h.pub.sentOf("alice", codec.EventCashoutFailed), 1)

	h.tick(at(start, 3.5))
	snap, _ := h.engine.Snapshot()
	assert.Equal(t, crash.StateEnded, snap.State)
	assert.Equal(t, 3.0, snap.Round.CrashPoint)

	_, err = h.submit(Event{Type: EventCashout, Wallet: "bob", Track: crash.TrackPrimary})
	assert.ErrorIs(t, err, crash.ErrNoActiveBet)

	bal, _ = h.wallet.Balance(ctx, "alice")
	assert.Equal(t, int64(1100), bal)
	bal, _ = h.wallet.Balance(ctx, "bob")
	assert.Equal(t, int64(900), bal)

	stored, err := h.store.GetRound(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, crash.StateEnded, stored.State)
	assert.Equal(t, int64(200), stored.TotalStake)
	assert.Equal(t, int64(200), stored.TotalPayout)

	bets, err := h.store.ListBets(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, bets, 2)

	reveals := h.pub.broadcastOf(codec.EventSeedReveal)
	require.Len(t, reveals, 1)
	assert.Equal(t, "seed-1", reveals[0].Payload["server_seed"])
	assert.Equal(t, int64(0), h.engine.policy.Offset())
}

func TestEngine_EmergencyTermination(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.EmergencyThreshold = 1000
	h := newHarness(t, cfg, 50)
	ctx := context.Background()

	start := h.startRound(t, placeEvent("alice", 100))
	h.tick(at(start, 5))
	snap, _ := h.engine.Snapshot()
	require.Equal(t, crash.StateActive, snap.State)

	h.tick(at(start, 11))
	snap, _ = h.engine.Snapshot()
	require.Equal(t, crash.StateEnded, snap.State)
	assert.Equal(t, 11.0, snap.Round.CrashPoint)
	assert.Equal(t, 50.0, snap.Round.CommittedCrashPoint)
	assert.Equal(t, crash.RiskOverride(crash.TriggerEmergency), snap.Round.OverrideReason)

	emergencies := h.pub.broadcastOf(codec.EventEmergency)
	require.Len(t, emergencies, 1)
	assert.Equal(t, "emergency_threshold", emergencies[0].Payload["reason"])

	status := h.engine.RiskStatus()
	require.NotNil(t, status.LastTrigger)
	assert.Equal(t, crash.TriggerEmergency, status.LastTrigger.Reason)

	offset, err := h.store.LoadOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), offset)
}

func TestEngine_EmergencyStopsAtExactCrossing(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.EmergencyThreshold = 3190
	h := newHarness(t, cfg, 50)

	start := h.startRound(t, placeEvent("alice", 100))
	// Above 10x one tick covers more than 0.1 of multiplier.
	h.tick(at(start, 33.05))

	snap, _ := h.engine.Snapshot()
	require.Equal(t, crash.StateEnded, snap.State)
	assert.Equal(t, 32.9, snap.Round.CrashPoint)
	assert.Equal(t, crash.RiskOverride(crash.TriggerEmergency), snap.Round.OverrideReason)

	status := h.engine.RiskStatus()
	require.NotNil(t, status.LastTrigger)
	assert.Equal(t, 32.9, status.LastTrigger.Multiplier)
	assert.Equal(t, int64(3190), status.LastTrigger.Exposure.Total())
}

func TestEngine_SyntheticBetsIgnoredByRisk(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.EmergencyThreshold = 1000
	h := newHarness(t, cfg, 20)

	start := h.startRound(t, placeEvent("bot:1", 100_000))
	h.tick(at(start, 15))
	snap, _ := h.engine.Snapshot()
	assert.Equal(t, crash.StateActive, snap.State)
	assert.Equal(t, crash.RiskLow, h.engine.RiskStatus().Level)
}

func TestEngine_InsufficientBalanceRejected(t *testing.T) {
	h := newHarness(t, testConfig(), 2)
	h.tick(t0)

	_, err := h.submit(placeEvent("alice", 5000))
	require.ErrorIs(t, err, crash.ErrInsufficientFunds)

	snap, _ := h.engine.Snapshot()
	assert.Empty(t, snap.Queued)
	rejected := h.pub.sentOf("alice", codec.EventBetRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "insufficient_balance", rejected[0].Payload["reason"])

	bal, _ := h.wallet.Balance(context.Background(), "alice")
	assert.Equal(t, int64(1000), bal)
}

func TestEngine_CancelRefundsBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(), 2)
	ctx := context.Background()
	h.tick(t0)

	bet, err := h.submit(placeEvent("alice", 300))
	require.NoError(t, err)
	_, err = h.submit(Event{Type: EventCancelBet, Wallet: "alice", Track: crash.TrackPrimary})
	require.NoError(t, err)

	bal, _ := h.wallet.Balance(ctx, "alice")
	assert.Equal(t, int64(1000), bal)
	bets, err := h.store.ListBets(ctx, bet.RoundID)
	require.NoError(t, err)
	assert.Empty(t, bets)
}

func TestEngine_PolicyLowersCrashPoint(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = crash.PolicyConfig{EdgePct: 40, MinFloor: 2}
	h := newHarness(t, cfg, 10)

	start := h.startRound(t, placeEvent("alice", 1000))
	snap, _ := h.engine.Snapshot()
	assert.Equal(t, 2.5, snap.Round.CrashPoint)
	assert.Equal(t, crash.OverridePolicy, snap.Round.OverrideReason)
	assert.Equal(t, 2.5, h.engine.RiskStatus().PolicyCap)

	h.tick(at(start, 3))
	snap, _ = h.engine.Snapshot()
	assert.Equal(t, crash.StateEnded, snap.State)
	assert.Equal(t, 2.5, snap.Round.CrashPoint)
	assert.Equal(t, 10.0, snap.Round.CommittedCrashPoint)
	assert.Equal(t, int64(1000), h.engine.policy.Offset())
}

func TestEngine_BetsDuringActiveCarryToNextRound(t *testing.T) {
	h := newHarness(t, testConfig(), 2, 4)
	ctx := context.Background()

	start := h.startRound(t)
	h.tick(at(start, 1.5))
	queued, err := h.submit(placeEvent("alice", 100))
	require.NoError(t, err)
	assert.Empty(t, queued.RoundID)

	_, err = h.submit(Event{Type: EventCashout, Wallet: "alice", Track: crash.TrackPrimary})
	assert.ErrorIs(t, err, crash.ErrNoActiveBet)

	end := at(start, 2.5)
	h.tick(end)
	snap, _ := h.engine.Snapshot()
	require.Equal(t, crash.StateEnded, snap.State)

	h.tick(end.Add(time.Second))
	snap, _ = h.engine.Snapshot()
	assert.Equal(t, uint64(1), snap.Round.Seq, "next round waits for the delay")

	h.tick(end.Add(3 * time.Second))
	snap, _ = h.engine.Snapshot()
	require.Equal(t, uint64(2), snap.Round.Seq)
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, queued.ID, snap.Queued[0].ID)

	bets, err := h.store.ListBets(ctx, snap.Round.ID)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, queued.ID, bets[0].ID)
}

func TestEngine_CancelQueuedBetBetweenRounds(t *testing.T) {
	h := newHarness(t, testConfig(), 2, 4)
	ctx := context.Background()

	start := h.startRound(t)
	h.tick(at(start, 1.5))
	_, err := h.submit(placeEvent("alice", 100))
	require.NoError(t, err)

	end := at(start, 2.5)
	h.tick(end)
	snap, _ := h.engine.Snapshot()
	require.Equal(t, crash.StateEnded, snap.State)

	cancelled, err := h.submit(Event{Type: EventCancelBet, Wallet: "alice", Track: crash.TrackPrimary})
	require.NoError(t, err)
	assert.Equal(t, int64(100), cancelled.Amount)
	bal, _ := h.wallet.Balance(ctx, "alice")
	assert.Equal(t, int64(1000), bal)
	assert.Len(t, h.pub.sentOf("alice", codec.EventBetCancelled), 1)

	h.tick(end.Add(3 * time.Second))
	snap, _ = h.engine.Snapshot()
	require.Equal(t, uint64(2), snap.Round.Seq)
	assert.Empty(t, snap.Queued)
}

func TestEngine_ForceEnd(t *testing.T) {
	h := newHarness(t, testConfig(), 30)
	h.tick(t0)
	_, err := h.submit(Event{Type: EventForceEnd})
	assert.ErrorIs(t, err, crash.ErrRoundNotActive)

	h.now = t0.Add(7 * time.Second)
	start := h.now
	h.tick(start)
	h.tick(at(start, 1.5))
	_, err = h.submit(Event{Type: EventForceEnd})
	require.NoError(t, err)

	snap, _ := h.engine.Snapshot()
	assert.Equal(t, crash.StateEnded, snap.State)
	assert.Equal(t, 1.5, snap.Round.CrashPoint)
	assert.Equal(t, crash.OverrideForceEnd, snap.Round.OverrideReason)
}

func TestEngine_SourceFailureExtendsWait(t *testing.T) {
	h := newHarness(t, testConfig())
	h.source.err = errors.New("database is locked")

	h.tick(t0)
	_, ok := h.engine.Snapshot()
	assert.False(t, ok)

	h.source.err = nil
	h.source.points = []float64{2}
	h.tick(t0.Add(100 * time.Millisecond))
	_, ok = h.engine.Snapshot()
	assert.False(t, ok, "retry waits for the delay")

	h.tick(t0.Add(5 * time.Second))
	snap, ok := h.engine.Snapshot()
	require.True(t, ok)
	assert.Equal(t, crash.StateWaiting, snap.State)
}

func TestEngine_RoundEndHooks(t *testing.T) {
	h := newHarness(t, testConfig(), 1.2)

	var (
		mu    sync.Mutex
		infos []RoundEndInfo
	)
	h.engine.AddRoundEndHook(func(RoundEndInfo) { panic("boom") })
	h.engine.AddRoundEndHook(func(info RoundEndInfo) {
		mu.Lock()
		defer mu.Unlock()
		infos = append(infos, info)
	})

	start := h.startRound(t, placeEvent("alice", 100))
	h.tick(at(start, 2))
	h.engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, infos, 1)
	assert.Equal(t, 1.2, infos[0].Round.CrashPoint)
	require.Len(t, infos[0].Bets, 1)
	assert.True(t, infos[0].Bets[0].Lost)
}

func TestEngine_RunServesSubmittedEvents(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 5 * time.Millisecond
	h := newHarness(t, cfg, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := h.engine.StateEnvelope()
		return ok
	}, time.Second, 5*time.Millisecond)

	bet, err := h.engine.PlaceBet(ctx, "alice", crash.TrackPrimary, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "round-1", bet.RoundID)

	h.engine.Stop()
	require.NoError(t, <-done)
	_, err = h.engine.PlaceBet(ctx, "alice", crash.TrackSecondary, 100, 0)
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_RunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 5 * time.Millisecond
	h := newHarness(t, cfg, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := h.engine.StateEnvelope()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	select {
	case <-h.engine.done:
	default:
		t.Fatal("done not closed after context cancel")
	}
	_, err := h.engine.PlaceBet(context.Background(), "alice", crash.TrackPrimary, 100, 0)
	assert.ErrorIs(t, err, ErrEngineStopped)
}
