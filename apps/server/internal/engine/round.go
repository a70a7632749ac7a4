package engine

import (
	"context"
	"time"

	"crash-lite/apps/server/internal/codec"
	"crash-lite/crash"

	"go.uber.org/zap"
)

const persistTimeout = 3 * time.Second

// tick is the only place the multiplier advances and the thresholds run.
func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if e.session == nil || e.session.State() == crash.StateEnded {
		if !e.nextRoundAt.IsZero() && !now.Before(e.nextRoundAt) {
			e.beginWaitingLocked(now)
		}
		return
	}

	switch e.session.State() {
	case crash.StateWaiting:
		if e.session.CountdownExpired(now) {
			e.activateLocked(now)
			return
		}
		e.broadcastCountdownLocked(now)
	case crash.StateActive:
		e.advanceLocked(now)
	}
}

func (e *Engine) beginWaitingLocked(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	round, err := e.source.AdvanceToNextRound(ctx)
	if err != nil {
		// Stay between rounds and try again later.
		e.logger.Error("next round unavailable", zap.Error(err))
		e.nextRoundAt = now.Add(e.cfg.NextRoundDelay + time.Second)
		return
	}

	// Bets queued during the last round stay on its session until here so
	// they can still be cancelled between rounds.
	var carried []crash.Bet
	if e.session != nil {
		carried = e.session.QueuedBets()
	}
	session, err := crash.NewSession(round, e.cfg.Round, now, carried)
	if err != nil {
		e.logger.Error("create session", zap.Uint64("seq", round.Seq), zap.Error(err))
		e.nextRoundAt = now.Add(e.cfg.NextRoundDelay + time.Second)
		return
	}
	if e.session != nil {
		e.session.TakeQueued()
	}
	e.session = session
	e.nextRoundAt = time.Time{}
	e.decision = crash.PolicyDecision{}
	e.lastShown = 0
	e.lastCount = -1

	if queued := session.QueuedBets(); len(queued) > 0 {
		e.persistBets(queued)
	}
	e.logger.Info("round waiting",
		zap.Uint64("seq", round.Seq),
		zap.String("round_id", round.ID),
		zap.String("commitment_hash", round.CommitmentHash),
	)
	e.broadcastStateLocked(now)
}

func (e *Engine) activateLocked(now time.Time) {
	r := e.session.Round()
	queued := e.session.QueuedBets()

	e.decision = e.policy.Decide()
	policyCap, applies := e.decision.Threshold(queued)
	if applies {
		if e.session.Lower(policyCap, crash.OverridePolicy) {
			e.logger.Info("policy lowered crash point",
				zap.Uint64("seq", r.Seq),
				zap.Float64("committed", r.CommittedCrashPoint),
				zap.Float64("effective", policyCap),
			)
		}
	} else {
		policyCap = 0
		if e.decision.Bypass != "" {
			e.logger.Debug("policy bypassed", zap.Uint64("seq", r.Seq), zap.String("reason", e.decision.Bypass))
		}
	}

	live, err := e.session.Start(now)
	if err != nil {
		e.logger.Error("start round", zap.Uint64("seq", r.Seq), zap.Error(err))
		return
	}
	e.risk.Reset(policyCap)
	e.lastTrigger = nil

	e.persistRound(e.session.Round())
	e.persistBets(live)
	e.logger.Info("round active", zap.Uint64("seq", r.Seq), zap.Int("bets", len(live)))
	e.broadcastStateLocked(now)
}

func (e *Engine) advanceLocked(now time.Time) {
	// Stop on the exact multiplier where a risk threshold is crossed
	// instead of the first tick past it.
	res := e.session.Advance(now, e.risk.Ceiling(e.session.OpenBets()))
	for _, b := range res.AutoCashouts {
		e.settleCashoutLocked(b, now)
	}
	if res.Crashed {
		e.endRoundLocked(now, nil)
		return
	}

	if trig := e.risk.Evaluate(res.Multiplier, e.session.OpenBets()); trig != nil {
		e.session.Freeze(crash.RiskOverride(trig.Reason))
		r := e.session.Round()
		e.logger.Warn("round terminated by risk monitor",
			zap.String("event", "emergency_termination"),
			zap.String("reason", string(trig.Reason)),
			zap.Uint64("seq", r.Seq),
			zap.Float64("multiplier", trig.Multiplier),
			zap.Float64("threshold", trig.Threshold),
			zap.Int64("realized", trig.Exposure.Realized),
			zap.Int64("potential", trig.Exposure.Potential),
		)
		e.broadcastLocked(codec.EventEmergency, r.ID, now, codec.EmergencyPayload(*trig))
		e.endRoundLocked(now, trig)
		return
	}

	if res.Multiplier != e.lastShown {
		e.lastShown = res.Multiplier
		e.broadcastStateLocked(now)
	}
}

func (e *Engine) endRoundLocked(now time.Time, trig *crash.Trigger) {
	st, err := e.session.End(now)
	if err != nil {
		e.logger.Error("end round", zap.Error(err))
		return
	}
	r := st.Round
	e.lastTrigger = trig
	e.nextRoundAt = now.Add(e.cfg.NextRoundDelay)

	offset := e.policy.RecordOutcome(st.RealStake, st.RealPayout)
	e.persistRound(r)
	e.persistBets(st.Bets)
	e.persistOffset(offset)

	e.logger.Info("round ended",
		zap.Uint64("seq", r.Seq),
		zap.Float64("crash_point", r.CrashPoint),
		zap.Float64("committed_crash_point", r.CommittedCrashPoint),
		zap.String("override_reason", r.OverrideReason),
		zap.Int64("stake", st.RealStake),
		zap.Int64("payout", st.RealPayout),
		zap.Int64("house_offset", offset),
		zap.Int("lost", len(st.Lost)),
	)
	e.broadcastStateLocked(now)
	e.broadcastLocked(codec.EventSeedReveal, r.ID, now, codec.SeedRevealPayload(r))
	e.dispatchRoundEndHooksLocked(RoundEndInfo{Round: r, Bets: st.Bets, Trigger: trig})
}

func (e *Engine) dispatchRoundEndHooksLocked(info RoundEndInfo) {
	for _, hook := range e.hooks {
		e.bg.Add(1)
		go func(cb RoundEndHook) {
			defer e.bg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("round end hook panic", zap.Any("panic", r), zap.Uint64("seq", info.Round.Seq))
				}
			}()
			cb(info)
		}(hook)
	}
}

// shutdown ends a running round so its state is final on disk.
func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && e.session.State() == crash.StateActive {
		now := e.now()
		e.session.Freeze(crash.OverrideForceEnd)
		e.endRoundLocked(now, nil)
	}
	e.closed = true
	e.stopOnce.Do(func() {
		close(e.done)
	})
	e.logger.Info("engine stopped")
}
