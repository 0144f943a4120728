package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses exchange interval codes ("1m", "15m", "4h",
// "1d", "1w", "1M") into a time.Duration. The trailing unit is checked before
// anything else so monthly "1M" is not confused with minutes.
func ParseIntervalDuration(interval string) (time.Duration, error) {
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'M':
		return time.Duration(n) * 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval unit %q", interval)
	}
}
