package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
		"1M":  30 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseIntervalDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseIntervalDurationRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "m", "0m", "-1h", "13x", "h1", "1"} {
		_, err := ParseIntervalDuration(in)
		assert.Error(t, err, in)
	}
}
