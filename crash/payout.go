package crash

import (
	"math"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

var payoutCtx = apd.BaseContext.WithPrecision(34)

// Payout is stake * multiplier floored to whole minor units. The multiplier
// is taken at its two-decimal grid value so payouts are exact.
func Payout(stake int64, multiplier float64) int64 {
	m, _, err := apd.NewFromString(strconv.FormatFloat(multiplier, 'f', 2, 64))
	if err != nil {
		return int64(math.Floor(float64(stake) * multiplier))
	}
	var out apd.Decimal
	if _, err := payoutCtx.Mul(&out, apd.New(stake, 0), m); err != nil {
		return int64(math.Floor(float64(stake) * multiplier))
	}
	if _, err := payoutCtx.Floor(&out, &out); err != nil {
		return int64(math.Floor(float64(stake) * multiplier))
	}
	v, err := out.Int64()
	if err != nil {
		return int64(math.Floor(float64(stake) * multiplier))
	}
	return v
}

// NetExposure is what the house owes net of stake if the bet cashed out at
// multiplier now.
func NetExposure(stake int64, multiplier float64) int64 {
	return Payout(stake, multiplier) - stake
}
