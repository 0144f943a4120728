package lookback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequiredDaysRespectsFloors(t *testing.T) {
	// Hourly data at the default brick: the indicator math alone would need
	// far fewer days than the per-interval floor.
	assert.Equal(t, 45, RequiredDays("1h", 1000))
	assert.Equal(t, 90, RequiredDays("4h", 1000))
	assert.Equal(t, 365, RequiredDays("1d", 1000))
}

func TestRequiredDaysCapped(t *testing.T) {
	// A tiny brick on 1m data explodes the raw-candle estimate; the cap must
	// hold regardless.
	assert.LessOrEqual(t, RequiredDays("1m", 100), 30)
	assert.LessOrEqual(t, RequiredDays("1w", 100), 1460)
}

func TestRequiredDaysDefaultBrick(t *testing.T) {
	// Dynamic brick sizing (<=0) behaves like the conservative default.
	assert.Equal(t, RequiredDays("4h", 1000), RequiredDays("4h", 0))
	assert.Equal(t, RequiredDays("4h", 1000), RequiredDays("4h", -1))
}

func TestCoarserBrickNeverNeedsMoreDays(t *testing.T) {
	for _, interval := range []string{"15m", "1h", "4h", "1d"} {
		fine := RequiredDays(interval, 500)
		coarse := RequiredDays(interval, 5000)
		assert.GreaterOrEqual(t, fine, coarse, "interval %s", interval)
	}
}

func TestUnknownIntervalUsesDefaults(t *testing.T) {
	days := RequiredDays("42x", 1000)
	assert.GreaterOrEqual(t, days, 90)
	assert.LessOrEqual(t, days, 365)
}
