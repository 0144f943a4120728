package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"btcusdt":       "BTCUSDT",
		" ETH/USDT ":    "ETHUSDT",
		"eth-usdt":      "ETHUSDT",
		"ETH/USDT:USDT": "ETHUSDT",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestNormalizeAllDedupsPreservingOrder(t *testing.T) {
	got := NormalizeAll([]string{"btcusdt", "BTC/USDT", "", "ethusdt", "BTCUSDT"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
}
