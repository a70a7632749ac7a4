package crash

import (
	"math"
	"sync"
)

// RiskLevel is an operational alerting class; it never gates transitions.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// TriggerReason tags an emergency termination.
type TriggerReason string

const (
	TriggerMaxCrashPoint   TriggerReason = "max_crash_point"
	TriggerProbableWin     TriggerReason = "probable_win"
	TriggerEmergency       TriggerReason = "emergency_threshold"
	TriggerHardCutoff      TriggerReason = "hard_cutoff"
	TriggerPolicyThreshold TriggerReason = "policy_threshold"
)

// Exposure is net winnings owed on real-money bets of the active round.
type Exposure struct {
	Realized  int64
	Potential int64
}

func (e Exposure) Total() int64 { return e.Realized + e.Potential }

// Trigger describes why a round must end now.
type Trigger struct {
	Reason     TriggerReason
	Multiplier float64
	Threshold  float64
	Exposure   Exposure
}

// RiskMonitor tracks exposure for the active round and evaluates the
// termination thresholds.
type RiskMonitor struct {
	cfg RiskConfig

	mu        sync.Mutex
	exposure  Exposure
	policyCap float64
}

func NewRiskMonitor(cfg RiskConfig) (*RiskMonitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RiskMonitor{cfg: cfg}, nil
}

func (m *RiskMonitor) Config() RiskConfig { return m.cfg }

// Reset starts a new round. policyCap <= 0 disables the policy trigger.
func (m *RiskMonitor) Reset(policyCap float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure = Exposure{}
	m.policyCap = policyCap
}

func (m *RiskMonitor) PolicyCap() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policyCap
}

// RecordCashout adds a settled real-money bet to realized exposure.
func (m *RiskMonitor) RecordCashout(b Bet) {
	if b.Synthetic || b.Cashout == 0 {
		return
	}
	m.mu.Lock()
	m.exposure.Realized += b.NetWin()
	m.mu.Unlock()
}

// Evaluate recomputes potential exposure from the open bets at multiplier
// and returns the first threshold that fires, or nil.
func (m *RiskMonitor) Evaluate(multiplier float64, open []Bet) *Trigger {
	var potential int64
	for _, b := range open {
		if b.Synthetic || !b.IsOpen() {
			continue
		}
		potential += NetExposure(b.Amount, multiplier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure.Potential = potential
	exp := m.exposure

	fire := func(reason TriggerReason, threshold float64) *Trigger {
		return &Trigger{Reason: reason, Multiplier: multiplier, Threshold: threshold, Exposure: exp}
	}
	switch {
	case multiplier >= m.cfg.MaxCrashPoint:
		return fire(TriggerMaxCrashPoint, m.cfg.MaxCrashPoint)
	case exp.Potential > m.cfg.ProbableWin:
		return fire(TriggerProbableWin, float64(m.cfg.ProbableWin))
	case exp.Total() >= m.cfg.EmergencyThreshold:
		return fire(TriggerEmergency, float64(m.cfg.EmergencyThreshold))
	case exp.Realized > m.cfg.HardCutoff:
		return fire(TriggerHardCutoff, float64(m.cfg.HardCutoff))
	case m.policyCap > 0 && multiplier >= m.policyCap:
		return fire(TriggerPolicyThreshold, m.policyCap)
	}
	return nil
}

// Ceiling returns the lowest multiplier on the 0.01 grid at which Evaluate
// fires for open, capped at MaxCrashPoint and the policy cap.
func (m *RiskMonitor) Ceiling(open []Bet) float64 {
	var stake int64
	bets := make([]Bet, 0, len(open))
	for _, b := range open {
		if b.Synthetic || !b.IsOpen() {
			continue
		}
		stake += b.Amount
		bets = append(bets, b)
	}

	m.mu.Lock()
	realized := m.exposure.Realized
	limit := m.cfg.MaxCrashPoint
	if m.policyCap > 0 && m.policyCap < limit {
		limit = m.policyCap
	}
	m.mu.Unlock()

	maxCents := int64(math.Round(limit * 100))
	need := m.cfg.EmergencyThreshold - realized
	if m.cfg.ProbableWin < need {
		need = m.cfg.ProbableWin + 1
	}
	if need <= 0 {
		return 1
	}
	if stake == 0 {
		return float64(maxCents) / 100
	}

	fires := func(x float64) bool {
		var potential int64
		for _, b := range bets {
			potential += NetExposure(b.Amount, x)
		}
		return potential > m.cfg.ProbableWin || realized+potential >= m.cfg.EmergencyThreshold
	}
	// Potential never exceeds stake*(x-1), which bounds the search from below.
	cents := int64(math.Floor((1+float64(need)/float64(stake))*100)) - 1
	if cents < 100 {
		cents = 100
	}
	for cents < maxCents && !fires(float64(cents)/100) {
		cents++
	}
	if cents > maxCents {
		cents = maxCents
	}
	return float64(cents) / 100
}

func (m *RiskMonitor) Exposure() Exposure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure
}

// Level classifies total exposure against the emergency threshold.
func (m *RiskMonitor) Level() RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return classify(m.exposure.Total(), m.cfg.EmergencyThreshold)
}

func classify(total, emergency int64) RiskLevel {
	if emergency <= 0 {
		return RiskLow
	}
	ratio := float64(total) / float64(emergency)
	switch {
	case ratio < 0.5:
		return RiskLow
	case ratio < 0.8:
		return RiskMedium
	default:
		return RiskHigh
	}
}
