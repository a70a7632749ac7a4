package engine

import (
	"context"
	"fmt"
	"time"

	"crash-lite/apps/server/internal/codec"
	"crash-lite/apps/server/internal/wallet"
	"crash-lite/crash"

	"go.uber.org/zap"
)

func (e *Engine) handleEvent(ev Event) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{Err: ErrEngineStopped}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	var (
		bet crash.Bet
		err error
	)
	switch ev.Type {
	case EventPlaceBet:
		bet, err = e.handlePlaceBet(ev)
		if err != nil {
			e.reject(ev, "place_bet", err)
		}
	case EventCancelBet:
		bet, err = e.handleCancelBet(ev)
		if err != nil {
			e.reject(ev, "cancel_bet", err)
		}
	case EventCashout:
		bet, err = e.handleCashout(ev)
		if err != nil {
			e.sendLocked(ev.Wallet, codec.EventCashoutFailed, ev.Timestamp,
				codec.RejectPayload("cashout", ev.Track, crash.ReasonOf(err), ev.RequestID))
		}
	case EventForceEnd:
		err = e.handleForceEnd(ev.Timestamp)
	default:
		err = fmt.Errorf("unknown event type: %d", ev.Type)
	}
	return Result{Bet: bet, Err: err}
}

func (e *Engine) reject(ev Event, op string, err error) {
	e.sendLocked(ev.Wallet, codec.EventBetRejected, ev.Timestamp,
		codec.RejectPayload(op, ev.Track, crash.ReasonOf(err), ev.RequestID))
}

func (e *Engine) handlePlaceBet(ev Event) (crash.Bet, error) {
	if e.session == nil || e.session.State() == crash.StateEnded {
		return crash.Bet{}, crash.ErrNotAccepting
	}
	synthetic := wallet.IsSynthetic(ev.Wallet)
	bet, err := e.session.PlaceBet(crash.Bet{
		Wallet:      ev.Wallet,
		Track:       ev.Track,
		Amount:      ev.Amount,
		AutoCashout: ev.AutoCashout,
		Synthetic:   synthetic,
	}, ev.Timestamp)
	if err != nil {
		return crash.Bet{}, err
	}

	if !synthetic {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		balance, err := e.wallet.Debit(ctx, ev.Wallet, bet.Amount, "bet:"+bet.ID)
		cancel()
		if err != nil {
			// Undo the placement; a failed debit leaves no trace.
			if _, cerr := e.session.CancelBet(ev.Wallet, ev.Track); cerr != nil {
				e.logger.Error("undo bet after failed debit", zap.String("bet_id", bet.ID), zap.Error(cerr))
			}
			return crash.Bet{}, err
		}
		e.sendLocked(ev.Wallet, codec.EventBalance, ev.Timestamp, codec.BalancePayload(ev.Wallet, balance))
	}
	if bet.RoundID != "" {
		e.persistBets([]crash.Bet{bet})
	}
	e.sendLocked(ev.Wallet, codec.EventBetAccepted, ev.Timestamp, codec.BetPayload(bet))
	return bet, nil
}

func (e *Engine) handleCancelBet(ev Event) (crash.Bet, error) {
	if e.session == nil {
		return crash.Bet{}, crash.ErrNoActiveBet
	}
	bet, err := e.session.CancelBet(ev.Wallet, ev.Track)
	if err != nil {
		return crash.Bet{}, err
	}
	if !bet.Synthetic {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		balance, err := e.wallet.Credit(ctx, ev.Wallet, bet.Amount, "refund:"+bet.ID)
		cancel()
		if err != nil {
			e.logger.Error("refund cancelled bet", zap.String("bet_id", bet.ID), zap.String("wallet", ev.Wallet), zap.Error(err))
		} else {
			e.sendLocked(ev.Wallet, codec.EventBalance, ev.Timestamp, codec.BalancePayload(ev.Wallet, balance))
		}
	}
	if bet.RoundID != "" {
		e.deleteBet(bet.ID)
	}
	e.sendLocked(ev.Wallet, codec.EventBetCancelled, ev.Timestamp, codec.BetPayload(bet))
	return bet, nil
}

func (e *Engine) handleCashout(ev Event) (crash.Bet, error) {
	if e.session == nil {
		return crash.Bet{}, crash.ErrNoActiveBet
	}
	bet, err := e.session.Cashout(ev.Wallet, ev.Track, ev.Timestamp)
	if err != nil {
		return crash.Bet{}, err
	}
	e.settleCashoutLocked(bet, ev.Timestamp)
	return bet, nil
}

// settleCashoutLocked books a successful cashout: exposure, wallet credit,
// persistence and the push to the player.
func (e *Engine) settleCashoutLocked(bet crash.Bet, now time.Time) {
	e.risk.RecordCashout(bet)
	if !bet.Synthetic && bet.Payout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		balance, err := e.wallet.Credit(ctx, bet.Wallet, bet.Payout, "cashout:"+bet.ID)
		cancel()
		if err != nil {
			e.logger.Error("credit cashout", zap.String("bet_id", bet.ID), zap.String("wallet", bet.Wallet), zap.Error(err))
		} else {
			e.sendLocked(bet.Wallet, codec.EventBalance, now, codec.BalancePayload(bet.Wallet, balance))
		}
	}
	e.persistBets([]crash.Bet{bet})
	e.sendLocked(bet.Wallet, codec.EventCashout, now, codec.BetPayload(bet))
}

func (e *Engine) handleForceEnd(now time.Time) error {
	if e.session == nil || e.session.State() != crash.StateActive {
		return crash.ErrRoundNotActive
	}
	e.session.Freeze(crash.OverrideForceEnd)
	e.logger.Warn("round force-ended by operator", zap.Uint64("seq", e.session.Round().Seq))
	e.endRoundLocked(now, nil)
	return nil
}
