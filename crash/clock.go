package crash

import (
	"math"
	"time"
)

const (
	fineStep   = 100 // 0.01x below coarseFrom
	coarseStep = 10  // 0.1x from coarseFrom upwards
	coarseFrom = 10.0
)

// MultiplierAt returns the quantized multiplier after elapsed time on the
// e^(k*t) curve. The result is non-decreasing in elapsed.
func MultiplierAt(elapsed time.Duration, growthRate float64) float64 {
	if elapsed <= 0 {
		return 1
	}
	return Quantize(math.Exp(growthRate * elapsed.Seconds()))
}

// Quantize floors a raw multiplier onto the update grid.
func Quantize(m float64) float64 {
	if m <= 1 || math.IsNaN(m) {
		return 1
	}
	if m < coarseFrom {
		return math.Floor(m*fineStep) / fineStep
	}
	return math.Floor(m*coarseStep) / coarseStep
}

// ElapsedFor is the inverse of the unquantized curve: the time at which the
// raw multiplier first reaches m.
func ElapsedFor(m, growthRate float64) time.Duration {
	if m <= 1 || growthRate <= 0 {
		return 0
	}
	secs := math.Log(m) / growthRate
	return time.Duration(secs * float64(time.Second))
}

func floor2(v float64) float64 {
	return math.Floor(v*100) / 100
}
