package crash

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the randomness the policy consumes. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

const (
	varianceMin = 1.5
	varianceMax = 5.0
)

// Reasons a policy decision bypasses the override.
const (
	PolicyBypassSkipRoll = "skip_roll"
	PolicyBypassOffset   = "offset_positive"
	PolicyBypassNoStake  = "no_stake"
)

// Policy is the bet-volume economics engine. It keeps the persisted offset
// accumulator; the caller loads and stores it.
type Policy struct {
	cfg PolicyConfig

	mu     sync.Mutex
	rng    Rand
	offset int64
}

func NewPolicy(cfg PolicyConfig, rng Rand) (*Policy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{cfg: cfg, rng: rng}, nil
}

func (p *Policy) Config() PolicyConfig { return p.cfg }

func (p *Policy) Offset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

func (p *Policy) SetOffset(v int64) {
	if v < 0 {
		v = 0
	}
	p.mu.Lock()
	p.offset = v
	p.mu.Unlock()
}

// PolicyDecision fixes the random draws of one round so the pre-round
// override and the mid-round threshold come from the same authority.
type PolicyDecision struct {
	Bypass   string
	Variance float64
	EdgePct  float64
	MinFloor float64
}

// Decide draws this round's randomness. It always consumes three values
// from the generator so a fixed seed gives a fixed sequence of decisions.
func (p *Policy) Decide() PolicyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()

	skipRoll := p.rng.Float64() * 100
	highRoll := p.rng.Float64() * 100
	factorRoll := p.rng.Float64()

	d := PolicyDecision{
		Variance: 1,
		EdgePct:  p.cfg.EdgePct,
		MinFloor: p.cfg.MinFloor,
	}
	if highRoll < p.cfg.HighFrequencyPct {
		d.Variance = varianceMin + factorRoll*(varianceMax-varianceMin)
	}
	switch {
	case skipRoll < p.cfg.SkipPct:
		d.Bypass = PolicyBypassSkipRoll
	case p.offset > 0:
		d.Bypass = PolicyBypassOffset
	}
	return d
}

// Threshold computes the candidate crash point for bets. Synthetic bets are
// ignored. ok is false when the policy does not apply.
func (d PolicyDecision) Threshold(bets []Bet) (point float64, ok bool) {
	if d.Bypass != "" {
		return 0, false
	}
	var totalStake int64
	for _, b := range bets {
		if b.Synthetic {
			continue
		}
		totalStake += b.Amount
	}
	if totalStake <= 0 {
		return 0, false
	}
	targetProfit := float64(totalStake) * d.EdgePct / 100
	raw := float64(totalStake) / targetProfit
	if raw < d.MinFloor {
		raw = d.MinFloor + raw
	}
	raw *= d.Variance
	return floor2(raw), true
}

// Candidate draws a fresh decision and applies it to bets.
func (p *Policy) Candidate(bets []Bet) (float64, bool) {
	return p.Decide().Threshold(bets)
}

// RecordOutcome folds one finished round into the offset accumulator and
// returns the new value.
func (p *Policy) RecordOutcome(totalStake, totalPayout int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset += totalStake - totalPayout
	if p.offset < 0 {
		p.offset = 0
	}
	return p.offset
}
