package crash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayout_FloorsToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1100), Payout(100, 11))
	assert.Equal(t, int64(382), Payout(333, 1.15))
	assert.Equal(t, int64(100), Payout(100, 1))
	assert.Equal(t, int64(1000), NetExposure(100, 11))
	assert.Equal(t, int64(0), NetExposure(100, 1))
}
