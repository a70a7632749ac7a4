package engine

import (
	"context"
	"time"

	"crash-lite/apps/server/internal/codec"
	"crash-lite/apps/server/internal/store"
	"crash-lite/crash"

	"go.uber.org/zap"
)

func (e *Engine) nextSeqLocked() uint64 {
	e.serverSeq++
	return e.serverSeq
}

func (e *Engine) broadcastStateLocked(now time.Time) {
	snap := e.session.Snapshot(now)
	e.broadcastLocked(codec.EventRoundState, snap.Round.ID, now, codec.RoundStatePayload(snap))
}

// broadcastCountdownLocked pushes the WAITING state once per second of
// countdown.
func (e *Engine) broadcastCountdownLocked(now time.Time) {
	snap := e.session.Snapshot(now)
	secs := int64(snap.Countdown / time.Second)
	if secs == e.lastCount {
		return
	}
	e.lastCount = secs
	e.broadcastLocked(codec.EventRoundState, snap.Round.ID, now, codec.RoundStatePayload(snap))
}

func (e *Engine) broadcastLocked(typ codec.EventType, roundID string, now time.Time, payload map[string]any) {
	env := codec.Wrap(typ, roundID, e.nextSeqLocked(), now, payload)
	e.pub.Broadcast(env)
	e.appendEvent(env)
}

func (e *Engine) sendLocked(walletID string, typ codec.EventType, now time.Time, payload map[string]any) {
	if walletID == "" {
		return
	}
	roundID := ""
	if e.session != nil {
		roundID = e.session.Round().ID
	}
	env := codec.Wrap(typ, roundID, e.nextSeqLocked(), now, payload)
	e.pub.SendTo(walletID, env)
	e.appendEvent(env)
}

// appendEvent stores env in the round's event stream off the actor
// goroutine.
func (e *Engine) appendEvent(env codec.Envelope) {
	if env.RoundID == "" {
		return
	}
	data, err := codec.Encode(env, codec.FormatBinary)
	if err != nil {
		e.logger.Error("encode event", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	rec := store.EventRecord{
		RoundID:    env.RoundID,
		Seq:        env.ServerSeq,
		EventType:  string(env.Type),
		Envelope:   data,
		ServerTsMs: env.ServerTsMs,
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.store.AppendEvent(ctx, rec); err != nil {
			e.logger.Error("append round event", zap.String("round_id", rec.RoundID), zap.Uint64("seq", rec.Seq), zap.Error(err))
		}
	}()
}

func (e *Engine) persistRound(r crash.Round) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpdateRound(ctx, r); err != nil {
		e.logger.Error("persist round", zap.Uint64("seq", r.Seq), zap.Error(err))
	}
}

func (e *Engine) persistBets(bets []crash.Bet) {
	if len(bets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpsertBets(ctx, bets); err != nil {
		e.logger.Error("persist bets", zap.Int("count", len(bets)), zap.Error(err))
	}
}

func (e *Engine) deleteBet(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.DeleteBet(ctx, id); err != nil {
		e.logger.Error("delete cancelled bet", zap.String("bet_id", id), zap.Error(err))
	}
}

func (e *Engine) persistOffset(v int64) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.SaveOffset(ctx, v); err != nil {
		e.logger.Error("persist house offset", zap.Int64("house_offset", v), zap.Error(err))
	}
}
