package crash

import (
	"errors"
	"fmt"
)

var (
	ErrBetExists          = errors.New("bet already placed for this slot")
	ErrNoActiveBet        = errors.New("no active bet")
	ErrAlreadyCashedOut   = fmt.Errorf("%w: already cashed out", ErrNoActiveBet)
	ErrRoundNotActive     = errors.New("round is not active")
	ErrNotAccepting       = errors.New("round is not accepting bets")
	ErrBetNotCancellable  = errors.New("bet cannot be cancelled")
	ErrInvalidAmount      = errors.New("invalid bet amount")
	ErrInvalidTrack       = errors.New("invalid bet track")
	ErrRoundEnded         = errors.New("round already ended")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrCommitmentMismatch = errors.New("server seed does not match commitment hash")
)

type InvalidStateError string

func (e InvalidStateError) Error() string { return "invalid state: " + string(e) }

func ErrInvalidState(msg string) error { return InvalidStateError(msg) }

// RejectReason is the machine-readable reason pushed to a client whose
// operation was refused.
type RejectReason string

const (
	RejectBetExists         RejectReason = "bet_exists"
	RejectNoActiveBet       RejectReason = "no_active_bet"
	RejectAlreadyCashedOut  RejectReason = "already_cashed_out"
	RejectRoundNotActive    RejectReason = "round_not_active"
	RejectNotAccepting      RejectReason = "not_accepting_bets"
	RejectNotCancellable    RejectReason = "not_cancellable"
	RejectInvalidAmount     RejectReason = "invalid_amount"
	RejectInvalidTrack      RejectReason = "invalid_track"
	RejectInsufficientFunds RejectReason = "insufficient_balance"
	RejectInternal          RejectReason = "internal_error"
)

// ReasonOf maps an operation error to the reason reported to players.
func ReasonOf(err error) RejectReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyCashedOut):
		return RejectAlreadyCashedOut
	case errors.Is(err, ErrNoActiveBet):
		return RejectNoActiveBet
	case errors.Is(err, ErrBetExists):
		return RejectBetExists
	case errors.Is(err, ErrRoundNotActive):
		return RejectRoundNotActive
	case errors.Is(err, ErrNotAccepting), errors.Is(err, ErrRoundEnded):
		return RejectNotAccepting
	case errors.Is(err, ErrBetNotCancellable):
		return RejectNotCancellable
	case errors.Is(err, ErrInvalidAmount):
		return RejectInvalidAmount
	case errors.Is(err, ErrInvalidTrack):
		return RejectInvalidTrack
	case errors.Is(err, ErrInsufficientFunds):
		return RejectInsufficientFunds
	default:
		return RejectInternal
	}
}
