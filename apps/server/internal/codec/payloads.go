package codec

import "crash-lite/crash"

// RoundStatePayload describes the live round. The crash point and server
// seed stay hidden until the round has ended.
func RoundStatePayload(snap crash.SessionSnapshot) map[string]any {
	p := map[string]any{
		"state":           snap.State.String(),
		"seq":             snap.Round.Seq,
		"commitment_hash": snap.Round.CommitmentHash,
		"multiplier":      snap.Multiplier,
		"elapsed_ms":      snap.Elapsed.Milliseconds(),
		"countdown_ms":    snap.Countdown.Milliseconds(),
		"bets":            len(snap.Bets),
		"queued_bets":     len(snap.Queued),
	}
	if snap.State == crash.StateEnded {
		p["crash_point"] = snap.Round.CrashPoint
		if snap.Round.OverrideReason != "" {
			p["override_reason"] = snap.Round.OverrideReason
		}
	}
	return p
}

func BetPayload(b crash.Bet) map[string]any {
	p := map[string]any{
		"bet_id":         b.ID,
		"wallet":         b.Wallet,
		"track":          b.Track.String(),
		"amount":         b.Amount,
		"for_next_round": b.ForNextRound,
	}
	if b.AutoCashout > 0 {
		p["auto_cashout"] = b.AutoCashout
	}
	if b.Cashout > 0 {
		p["cashout"] = b.Cashout
		p["payout"] = b.Payout
	}
	return p
}

// RejectPayload reports a refused operation to the caller.
func RejectPayload(op string, track crash.Track, reason crash.RejectReason, requestID string) map[string]any {
	p := map[string]any{
		"op":     op,
		"track":  track.String(),
		"reason": string(reason),
	}
	if requestID != "" {
		p["request_id"] = requestID
	}
	return p
}

func EmergencyPayload(t crash.Trigger) map[string]any {
	return map[string]any{
		"reason":             string(t.Reason),
		"multiplier":         t.Multiplier,
		"threshold":          t.Threshold,
		"realized_exposure":  t.Exposure.Realized,
		"potential_exposure": t.Exposure.Potential,
	}
}

// SeedRevealPayload carries what a player needs to verify the round.
func SeedRevealPayload(r crash.Round) map[string]any {
	return map[string]any{
		"seq":                   r.Seq,
		"commitment_hash":       r.CommitmentHash,
		"server_seed":           r.ServerSeed,
		"client_seed":           r.ClientSeed,
		"salt":                  r.Salt,
		"house_edge":            r.HouseEdge,
		"committed_crash_point": r.CommittedCrashPoint,
		"crash_point":           r.CrashPoint,
		"override_reason":       r.OverrideReason,
	}
}

func BalancePayload(wallet string, balance int64) map[string]any {
	return map[string]any{"wallet": wallet, "balance": balance}
}

func ErrorPayload(msg string) map[string]any {
	return map[string]any{"message": msg}
}
