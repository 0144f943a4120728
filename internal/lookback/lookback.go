// Package lookback computes how many days of raw candles a cache key needs.
// Downstream consumers re-bucket candles Renko-style before running
// stochastic-RSI over the bricks; bucketing collapses most rows, so the raw
// history depth depends on both the interval and the brick size. The day
// count is baked into cache filenames, which makes a policy change invalidate
// old artifacts without a migration step.
package lookback

import "math"

// Minimum brick rows the downstream oscillator needs: RSI(14) + stoch(14) +
// %K(3) + %D(3) plus headroom.
const minIndicatorRows = 44

const defaultBrickSize = 1000

// reductionFactors estimate what fraction of raw candles survives
// re-bucketing at each interval. Small intervals collapse hardest.
var reductionFactors = map[string]float64{
	"1m": 0.05, "3m": 0.08, "5m": 0.10, "15m": 0.15, "30m": 0.20,
	"1h": 0.25, "2h": 0.30, "4h": 0.35, "6h": 0.40, "8h": 0.45,
	"12h": 0.50, "1d": 0.60, "3d": 0.70, "1w": 0.80,
}

var candlesPerDay = map[string]float64{
	"1m": 1440, "3m": 480, "5m": 288, "15m": 96, "30m": 48,
	"1h": 24, "2h": 12, "4h": 6, "6h": 4, "8h": 3,
	"12h": 2, "1d": 1, "3d": 1.0 / 3, "1w": 1.0 / 7,
}

var minDays = map[string]int{
	"1m": 7, "3m": 10, "5m": 14, "15m": 21, "30m": 30,
	"1h": 45, "2h": 60, "4h": 90, "6h": 120, "8h": 150,
	"12h": 180, "1d": 365, "3d": 500, "1w": 700,
}

// maxDays bounds the initial fetch so no key ever requests an unreasonable
// range in one refresh cycle.
var maxDays = map[string]int{
	"1m": 30, "3m": 45, "5m": 60, "15m": 90, "30m": 120,
	"1h": 180, "2h": 240, "4h": 365, "6h": 450, "8h": 500,
	"12h": 600, "1d": 730, "3d": 1095, "1w": 1460,
}

// RequiredDays returns the history depth in days for one (interval, brick
// size) pair. brickSize <= 0 means dynamic sizing and falls back to a
// conservative default.
func RequiredDays(interval string, brickSize int) int {
	if brickSize <= 0 {
		brickSize = defaultBrickSize
	}

	reduction, ok := reductionFactors[interval]
	if !ok {
		reduction = 0.30
	}
	reduction *= brickMultiplier(brickSize)

	requiredCandles := int(math.Ceil(minIndicatorRows / reduction))

	perDay, ok := candlesPerDay[interval]
	if !ok {
		perDay = 24
	}
	days := int(float64(requiredCandles) / perDay)

	if floor, ok := minDays[interval]; ok {
		if days < floor {
			days = floor
		}
	} else if days < 90 {
		days = 90
	}

	ceiling, ok := maxDays[interval]
	if !ok {
		ceiling = 365
	}
	if days > ceiling {
		days = ceiling
	}
	return days
}

// brickMultiplier shrinks the estimate further for coarse bricks, which
// collapse more rows.
func brickMultiplier(brickSize int) float64 {
	switch {
	case brickSize >= 5000:
		return 0.5
	case brickSize >= 2000:
		return 0.7
	case brickSize >= 1000:
		return 0.8
	case brickSize >= 500:
		return 0.9
	default:
		return 1.0
	}
}
