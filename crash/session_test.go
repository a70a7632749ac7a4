package crash

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestSession(t *testing.T, crashPoint float64) *Session {
	t.Helper()

	s, err := NewSession(Round{
		ID:                  "round-1",
		Seq:                 1,
		CommittedCrashPoint: crashPoint,
		CrashPoint:          crashPoint,
	}, DefaultConfig(), sessionEpoch, nil)
	require.NoError(t, err)
	return s
}

func placeTestBet(t *testing.T, s *Session, wallet string, track Track, amount int64) Bet {
	t.Helper()

	b, err := s.PlaceBet(Bet{Wallet: wallet, Track: track, Amount: amount}, sessionEpoch)
	require.NoError(t, err)
	return b
}

// at returns the instant the raw curve reaches m.
func at(m float64) time.Time {
	return sessionEpoch.Add(ElapsedFor(m, DefaultConfig().GrowthRate) + time.Millisecond)
}

func TestPlaceBet_SecondBetSameSlotRejected(t *testing.T) {
	s := newTestSession(t, 5)
	first := placeTestBet(t, s, "w1", TrackPrimary, 100)
	assert.True(t, first.ForNextRound)
	assert.Equal(t, "round-1", first.RoundID)

	_, err := s.PlaceBet(Bet{Wallet: "w1", Track: TrackPrimary, Amount: 500}, sessionEpoch)
	require.ErrorIs(t, err, ErrBetExists)

	queued := s.QueuedBets()
	require.Len(t, queued, 1)
	assert.Equal(t, int64(100), queued[0].Amount)

	placeTestBet(t, s, "w1", TrackSecondary, 200)
	assert.Len(t, s.QueuedBets(), 2)
}

func TestPlaceBet_ValidatesAmountAndTrack(t *testing.T) {
	s := newTestSession(t, 5)
	_, err := s.PlaceBet(Bet{Wallet: "w1", Track: TrackPrimary, Amount: 1}, sessionEpoch)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = s.PlaceBet(Bet{Wallet: "w1", Track: Track(9), Amount: 100}, sessionEpoch)
	assert.ErrorIs(t, err, ErrInvalidTrack)
	_, err = s.PlaceBet(Bet{Wallet: "w1", Track: TrackPrimary, Amount: 100, AutoCashout: 1.001}, sessionEpoch)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, s.QueuedBets())
}

func TestCancelBet_OnlyBeforeStart(t *testing.T) {
	s := newTestSession(t, 5)
	placeTestBet(t, s, "w1", TrackPrimary, 100)
	placeTestBet(t, s, "w2", TrackPrimary, 100)

	cancelled, err := s.CancelBet("w1", TrackPrimary)
	require.NoError(t, err)
	assert.Equal(t, "w1", cancelled.Wallet)

	_, err = s.CancelBet("w1", TrackPrimary)
	assert.ErrorIs(t, err, ErrNoActiveBet)

	_, err = s.Start(sessionEpoch.Add(7 * time.Second))
	require.NoError(t, err)
	_, err = s.CancelBet("w2", TrackPrimary)
	assert.ErrorIs(t, err, ErrBetNotCancellable)
}

func TestCancelBet_NextRoundBetAfterEnd(t *testing.T) {
	s := newTestSession(t, 5)
	placeTestBet(t, s, "w1", TrackPrimary, 100)
	_, err := s.Start(sessionEpoch)
	require.NoError(t, err)

	next, err := s.PlaceBet(Bet{Wallet: "w2", Track: TrackPrimary, Amount: 300}, at(1.5))
	require.NoError(t, err)
	assert.True(t, next.ForNextRound)

	_, err = s.End(at(2))
	require.NoError(t, err)

	cancelled, err := s.CancelBet("w2", TrackPrimary)
	require.NoError(t, err)
	assert.Equal(t, int64(300), cancelled.Amount)
	assert.Empty(t, s.TakeQueued())

	_, err = s.CancelBet("w1", TrackPrimary)
	assert.ErrorIs(t, err, ErrRoundEnded)
}

func TestCashout_RequiresActiveRound(t *testing.T) {
	s := newTestSession(t, 5)
	placeTestBet(t, s, "w1", TrackPrimary, 100)

	_, err := s.Cashout("w1", TrackPrimary, sessionEpoch)
	assert.ErrorIs(t, err, ErrRoundNotActive)

	_, err = s.Start(sessionEpoch)
	require.NoError(t, err)
	s.Advance(at(2), 0)

	bet, err := s.Cashout("w1", TrackPrimary, at(2))
	require.NoError(t, err)
	assert.Equal(t, 2.0, bet.Cashout)
	assert.Equal(t, int64(200), bet.Payout)

	_, err = s.Cashout("w1", TrackPrimary, at(2))
	assert.ErrorIs(t, err, ErrNoActiveBet)
	assert.ErrorIs(t, err, ErrAlreadyCashedOut)

	_, err = s.Cashout("w9", TrackPrimary, at(2))
	assert.ErrorIs(t, err, ErrNoActiveBet)
}

func TestCashout_ConcurrentCallsSucceedOnce(t *testing.T) {
	s := newTestSession(t, 50)
	placeTestBet(t, s, "w1", TrackPrimary, 100)
	_, err := s.Start(sessionEpoch)
	require.NoError(t, err)
	s.Advance(at(1.5), 0)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		noActive  int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Cashout("w1", TrackPrimary, at(1.5))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if assert.ErrorIs(t, err, ErrNoActiveBet) {
				noActive++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, noActive)
}

func TestAdvance_CrashesAtCrashPoint(t *testing.T) {
	s := newTestSession(t, 1.5)
	placeTestBet(t, s, "w1", TrackPrimary, 100)
	_, err := s.Start(sessionEpoch)
	require.NoError(t, err)

	res := s.Advance(at(1.2), 0)
	assert.False(t, res.Crashed)
	assert.Equal(t, 1.2, res.Multiplier)

	res = s.Advance(at(3), 0)
	assert.True(t, res.Crashed)
	assert.Equal(t, 1.5, res.Multiplier)

	_, err = s.Cashout("w1", TrackPrimary, at(3))
	assert.ErrorIs(t, err, ErrRoundNotActive)

	st, err := s.End(at(3))
	require.NoError(t, err)
	require.Len(t, st.Lost, 1)
	assert.Equal(t, int64(100), st.RealStake)
	assert.Equal(t, int64(0), st.RealPayout)
	assert.Equal(t, StateEnded, st.Round.State)
	assert.False(t, st.Round.Overridden())
}

func TestAdvance_AutoCashoutPaysTarget(t *testing.T) {
	s := newTestSession(t, 3)
	_, err := s.PlaceBet(Bet{Wallet: "w1", Track: TrackPrimary, Amount: 100, AutoCashout: 1.8}, sessionEpoch)
	require.NoError(t, err)
	_, err = s.PlaceBet(Bet{Wallet: "w2", Track: TrackPrimary, Amount: 100, AutoCashout: 3}, sessionEpoch)
	require.NoError(t, err)
	_, err = s.Start(sessionEpoch)
	require.NoError(t, err)

	res := s.Advance(at(2.5), 0)
	require.Len(t, res.AutoCashouts, 1)
	assert.Equal(t, "w1", res.AutoCashouts[0].Wallet)
	assert.Equal(t, 1.8, res.AutoCashouts[0].Cashout)
	assert.Equal(t, int64(180), res.AutoCashouts[0].Payout)

	// A target equal to the crash point loses.
	res = s.Advance(at(4), 0)
	assert.True(t, res.Crashed)
	assert.Empty(t, res.AutoCashouts)
}

func TestAdvance_CeilingHoldsMultiplier(t *testing.T) {
	s := newTestSession(t, 50)
	placeTestBet(t, s, "w1", TrackPrimary, 100)
	_, err := s.Start(sessionEpoch)
	require.NoError(t, err)

	res := s.Advance(at(40), 32.9)
	assert.False(t, res.Crashed)
	assert.Equal(t, 32.9, res.Multiplier)
	assert.Equal(t, 32.9, s.Multiplier())

	// A lower ceiling never moves the multiplier back.
	res = s.Advance(at(41), 20)
	assert.Equal(t, 32.9, res.Multiplier)

	res = s.Advance(at(60), 0)
	assert.True(t, res.Crashed)
	assert.Equal(t, 50.0, res.Multiplier)
}

func TestEnd_IdempotentTermination(t *testing.T) {
	s := newTestSession(t, 10)
	placeTestBet(t, s, "w1", TrackPrimary, 100)
	placeTestBet(t, s, "w1", TrackSecondary, 100)
	_, err := s.Start(sessionEpoch)
	require.NoError(t, err)
	s.Advance(at(1.3), 0)

	_, err = s.End(at(1.3))
	require.NoError(t, err)
	_, err = s.End(at(1.4))
	assert.ErrorIs(t, err, ErrRoundEnded)

	for _, track := range []Track{TrackPrimary, TrackSecondary} {
		_, err := s.Cashout("w1", track, at(1.4))
		assert.ErrorIs(t, err, ErrNoActiveBet)
	}
	_, err = s.PlaceBet(Bet{Wallet: "w2", Track: TrackPrimary, Amount: 100}, at(1.4))
	assert.ErrorIs(t, err, ErrRoundEnded)

	r := s.Round()
	assert.Equal(t, 1.3, r.CrashPoint)
	assert.Equal(t, OverrideForceEnd, r.OverrideReason)
	assert.Equal(t, 10.0, r.CommittedCrashPoint)
}

func TestFreeze_LowersToCurrentMultiplier(t *testing.T) {
	s := newTestSession(t, 20)
	placeTestBet(t, s, "w1", TrackPrimary, 100)
	_, err := s.Start(sessionEpoch)
	require.NoError(t, err)
	s.Advance(at(2), 0)

	require.True(t, s.Freeze(RiskOverride(TriggerEmergency)))
	_, err = s.Cashout("w1", TrackPrimary, at(2))
	assert.ErrorIs(t, err, ErrRoundNotActive)

	r := s.Round()
	assert.Equal(t, 2.0, r.CrashPoint)
	assert.Equal(t, "risk:emergency_threshold", r.OverrideReason)
}

func TestLower_NeverRaises(t *testing.T) {
	s := newTestSession(t, 4)
	assert.False(t, s.Lower(6, OverridePolicy))
	assert.True(t, s.Lower(2.5, OverridePolicy))
	assert.False(t, s.Lower(3, OverridePolicy))
	assert.Equal(t, 2.5, s.Round().CrashPoint)
	assert.Equal(t, 4.0, s.Round().CommittedCrashPoint)
}

func TestQueuedBets_CarryToNextSession(t *testing.T) {
	s := newTestSession(t, 5)
	_, err := s.Start(sessionEpoch)
	require.NoError(t, err)

	during, err := s.PlaceBet(Bet{Wallet: "w1", Track: TrackPrimary, Amount: 100}, at(1.1))
	require.NoError(t, err)
	assert.Empty(t, during.RoundID)
	assert.Nil(t, s.TakeQueued(), "queued bets are only released after the round ends")

	_, err = s.End(at(1.2))
	require.NoError(t, err)
	carried := s.TakeQueued()
	require.Len(t, carried, 1)

	next, err := NewSession(Round{ID: "round-2", Seq: 2, CrashPoint: 2, CommittedCrashPoint: 2}, DefaultConfig(), at(1.2), carried)
	require.NoError(t, err)
	queued := next.QueuedBets()
	require.Len(t, queued, 1)
	assert.Equal(t, "round-2", queued[0].RoundID)

	live, err := next.Start(at(1.2).Add(7 * time.Second))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, during.ID, live[0].ID)
}
