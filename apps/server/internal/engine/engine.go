package engine

import (
	"context"
	"sync"
	"time"

	"crash-lite/apps/server/internal/codec"
	"crash-lite/apps/server/internal/store"
	"crash-lite/apps/server/internal/wallet"
	"crash-lite/crash"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrEngineStopped = errors.New("engine stopped")

// Publisher pushes envelopes to connected clients.
type Publisher interface {
	Broadcast(env codec.Envelope)
	SendTo(wallet string, env codec.Envelope)
}

// RoundSource hands out the next pre-committed round.
type RoundSource interface {
	AdvanceToNextRound(ctx context.Context) (crash.Round, error)
}

type Config struct {
	Round          crash.Config
	Policy         crash.PolicyConfig
	Risk           crash.RiskConfig
	TickInterval   time.Duration
	NextRoundDelay time.Duration
}

// Deps are the collaborators the engine drives. Publisher, Logger, Rand
// and Clock are optional.
type Deps struct {
	Source    RoundSource
	Store     store.Store
	Wallet    wallet.Ledger
	Publisher Publisher
	Logger    *zap.Logger
	Rand      crash.Rand
	Clock     func() time.Time
}

// RoundEndInfo is handed to hooks after a round has settled.
type RoundEndInfo struct {
	Round   crash.Round
	Bets    []crash.Bet
	Trigger *crash.Trigger
}

// RoundEndHook is a post-settlement callback. Hooks run in their own
// goroutine and must not block the engine.
type RoundEndHook func(info RoundEndInfo)

// EventType tags a request to the engine actor.
type EventType int

const (
	EventPlaceBet EventType = iota
	EventCancelBet
	EventCashout
	EventForceEnd
)

// Event is a message to the engine actor.
type Event struct {
	Type        EventType
	Wallet      string
	Track       crash.Track
	Amount      int64
	AutoCashout float64
	RequestID   string
	Timestamp   time.Time
	Response    chan Result
}

type Result struct {
	Bet crash.Bet
	Err error
}

// Engine owns the round queue, the policy, the risk monitor and the live
// session. One goroutine runs the tick and every mutation.
type Engine struct {
	cfg    Config
	source RoundSource
	store  store.Store
	wallet wallet.Ledger
	policy *crash.Policy
	risk   *crash.RiskMonitor
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	session     *crash.Session
	decision    crash.PolicyDecision
	nextRoundAt time.Time
	lastTrigger *crash.Trigger
	lastShown   float64
	lastCount   int64
	serverSeq   uint64
	closed      bool
	hooks       []RoundEndHook

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	bg       sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Source == nil || deps.Store == nil || deps.Wallet == nil {
		return nil, errors.New("engine: source, store and wallet are required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.NextRoundDelay < 0 {
		cfg.NextRoundDelay = 0
	}
	policy, err := crash.NewPolicy(cfg.Policy, deps.Rand)
	if err != nil {
		return nil, err
	}
	risk, err := crash.NewRiskMonitor(cfg.Risk)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		source: deps.Source,
		store:  deps.Store,
		wallet: deps.Wallet,
		policy: policy,
		risk:   risk,
		pub:    deps.Publisher,
		logger: deps.Logger,
		now:    deps.Clock,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	if e.pub == nil {
		e.pub = nopPublisher{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Load restores the persisted offset accumulator and schedules the first
// round.
func (e *Engine) Load(ctx context.Context) error {
	offset, err := e.store.LoadOffset(ctx)
	if err != nil {
		return err
	}
	e.policy.SetOffset(offset)
	e.mu.Lock()
	e.nextRoundAt = e.now()
	e.mu.Unlock()
	e.logger.Info("engine loaded", zap.Int64("house_offset", offset))
	return nil
}

// Run is the actor loop. It returns when ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-e.events:
			res := e.handleEvent(ev)
			if ev.Response != nil {
				ev.Response <- res
			}
		case <-ticker.C:
			e.tick(e.now())
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-e.done:
			e.shutdown()
			return nil
		}
	}
}

// SubmitEvent hands ev to the actor and waits for its result.
func (e *Engine) SubmitEvent(ctx context.Context, ev Event) (crash.Bet, error) {
	ev.Timestamp = e.now()
	if ev.Response == nil {
		ev.Response = make(chan Result, 1)
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return crash.Bet{}, ErrEngineStopped
	}

	select {
	case e.events <- ev:
	case <-e.done:
		return crash.Bet{}, ErrEngineStopped
	case <-ctx.Done():
		return crash.Bet{}, ctx.Err()
	}

	select {
	case res := <-ev.Response:
		return res.Bet, res.Err
	case <-e.done:
		return crash.Bet{}, ErrEngineStopped
	case <-ctx.Done():
		return crash.Bet{}, ctx.Err()
	}
}

func (e *Engine) PlaceBet(ctx context.Context, walletID string, track crash.Track, amount int64, autoCashout float64) (crash.Bet, error) {
	return e.SubmitEvent(ctx, Event{Type: EventPlaceBet, Wallet: walletID, Track: track, Amount: amount, AutoCashout: autoCashout})
}

func (e *Engine) CancelBet(ctx context.Context, walletID string, track crash.Track) (crash.Bet, error) {
	return e.SubmitEvent(ctx, Event{Type: EventCancelBet, Wallet: walletID, Track: track})
}

func (e *Engine) Cashout(ctx context.Context, walletID string, track crash.Track) (crash.Bet, error) {
	return e.SubmitEvent(ctx, Event{Type: EventCashout, Wallet: walletID, Track: track})
}

// ForceEnd ends the active round at the current multiplier.
func (e *Engine) ForceEnd(ctx context.Context) error {
	_, err := e.SubmitEvent(ctx, Event{Type: EventForceEnd})
	return err
}

// Stop shuts the actor down.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stopOnce.Do(func() {
		close(e.done)
	})
}

// Wait blocks until background persistence and hooks have finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}

func (e *Engine) AddRoundEndHook(hook RoundEndHook) {
	if hook == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Snapshot is a consistent read of the live round. ok is false before the
// first round exists.
func (e *Engine) Snapshot() (crash.SessionSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return crash.SessionSnapshot{}, false
	}
	return e.session.Snapshot(e.now()), true
}

// StateEnvelope is the current round state, for clients that just joined.
func (e *Engine) StateEnvelope() (codec.Envelope, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return codec.Envelope{}, false
	}
	now := e.now()
	snap := e.session.Snapshot(now)
	return codec.Wrap(codec.EventRoundState, snap.Round.ID, e.serverSeq, now, codec.RoundStatePayload(snap)), true
}

// RiskStatus is the operational view of the live round's exposure.
type RiskStatus struct {
	Level       crash.RiskLevel `json:"level"`
	Realized    int64           `json:"realized"`
	Potential   int64           `json:"potential"`
	Emergency   int64           `json:"emergency_threshold"`
	PolicyCap   float64         `json:"policy_cap"`
	HouseOffset int64           `json:"house_offset"`
	LastTrigger *crash.Trigger  `json:"last_trigger,omitempty"`
}

func (e *Engine) RiskStatus() RiskStatus {
	e.mu.RLock()
	last := e.lastTrigger
	e.mu.RUnlock()
	exp := e.risk.Exposure()
	return RiskStatus{
		Level:       e.risk.Level(),
		Realized:    exp.Realized,
		Potential:   exp.Potential,
		Emergency:   e.risk.Config().EmergencyThreshold,
		PolicyCap:   e.risk.PolicyCap(),
		HouseOffset: e.policy.Offset(),
		LastTrigger: last,
	}
}

func (e *Engine) Config() Config { return e.cfg }

type nopPublisher struct{}

func (nopPublisher) Broadcast(codec.Envelope)      {}
func (nopPublisher) SendTo(string, codec.Envelope) {}
