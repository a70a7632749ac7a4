package crash

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedRand replays vals in a loop.
type fixedRand struct {
	vals []float64
	i    int
}

func (f *fixedRand) Float64() float64 {
	v := f.vals[f.i%len(f.vals)]
	f.i++
	return v
}

func newTestPolicy(t *testing.T, cfg PolicyConfig, rng Rand) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg, rng)
	require.NoError(t, err)
	return p
}

func realBet(amount int64) Bet {
	return Bet{Wallet: "w", Track: TrackPrimary, Amount: amount}
}

func TestPolicyThreshold_EdgeAndFloor(t *testing.T) {
	tests := []struct {
		name    string
		edgePct float64
		floor   float64
		stake   int64
		want    float64
	}{
		{name: "above floor", edgePct: 40, floor: 2, stake: 1000, want: 2.5},
		{name: "below floor is additive", edgePct: 80, floor: 2, stake: 1000, want: 3.25},
		{name: "stake size does not matter", edgePct: 40, floor: 1.2, stake: 1250, want: 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPolicy(t, PolicyConfig{EdgePct: tt.edgePct, MinFloor: tt.floor}, &fixedRand{vals: []float64{0.99}})
			got, ok := p.Candidate([]Bet{realBet(tt.stake)})
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyThreshold_IgnoresSyntheticAndEmptyStake(t *testing.T) {
	p := newTestPolicy(t, PolicyConfig{EdgePct: 40, MinFloor: 2}, &fixedRand{vals: []float64{0.99}})

	_, ok := p.Candidate(nil)
	assert.False(t, ok)

	bot := realBet(1000)
	bot.Synthetic = true
	_, ok = p.Candidate([]Bet{bot})
	assert.False(t, ok)
}

func TestPolicyDecide_Bypass(t *testing.T) {
	cfg := PolicyConfig{EdgePct: 40, MinFloor: 2, SkipPct: 30}

	skip := newTestPolicy(t, cfg, &fixedRand{vals: []float64{0.1, 0.99, 0.99}})
	d := skip.Decide()
	assert.Equal(t, PolicyBypassSkipRoll, d.Bypass)
	_, ok := d.Threshold([]Bet{realBet(1000)})
	assert.False(t, ok)

	owed := newTestPolicy(t, cfg, &fixedRand{vals: []float64{0.5, 0.99, 0.99}})
	owed.SetOffset(250)
	assert.Equal(t, PolicyBypassOffset, owed.Decide().Bypass)

	owed.SetOffset(0)
	assert.Empty(t, owed.Decide().Bypass)
}

func TestPolicyDecide_HighFrequencyVariance(t *testing.T) {
	p := newTestPolicy(t, PolicyConfig{EdgePct: 40, MinFloor: 2, HighFrequencyPct: 10}, &fixedRand{vals: []float64{0.99, 0.05, 0.5}})
	d := p.Decide()
	assert.Equal(t, 3.25, d.Variance)

	got, ok := d.Threshold([]Bet{realBet(1000)})
	require.True(t, ok)
	assert.Equal(t, 8.12, got)
}

func TestPolicy_DeterministicForSeed(t *testing.T) {
	cfg := PolicyConfig{EdgePct: 40, MinFloor: 1.2, HighFrequencyPct: 10, SkipPct: 30}
	a := newTestPolicy(t, cfg, rand.New(rand.NewSource(42)))
	b := newTestPolicy(t, cfg, rand.New(rand.NewSource(42)))

	bets := []Bet{realBet(500), realBet(1500)}
	for i := 0; i < 200; i++ {
		da, db := a.Decide(), b.Decide()
		require.Equal(t, da, db, "decision %d", i)
		pa, oka := da.Threshold(bets)
		pb, okb := db.Threshold(bets)
		require.Equal(t, oka, okb)
		require.Equal(t, pa, pb)
	}
}

func TestPolicyRecordOutcome_ClampsAtZero(t *testing.T) {
	p := newTestPolicy(t, PolicyConfig{EdgePct: 40, MinFloor: 2}, nil)

	assert.Equal(t, int64(300), p.RecordOutcome(1000, 700))
	assert.Equal(t, int64(0), p.RecordOutcome(100, 900))
	assert.Equal(t, int64(50), p.RecordOutcome(50, 0))
	assert.Equal(t, int64(50), p.Offset())

	p.SetOffset(-10)
	assert.Equal(t, int64(0), p.Offset())
}

func TestNewPolicy_RejectsBadConfig(t *testing.T) {
	_, err := NewPolicy(PolicyConfig{EdgePct: 0, MinFloor: 2}, nil)
	assert.Error(t, err)
	_, err = NewPolicy(PolicyConfig{EdgePct: 40, MinFloor: 0.5}, nil)
	assert.Error(t, err)
}
