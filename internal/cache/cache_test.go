package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"klinefeed/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func candleRange(start int64, step int64, n int) []market.Candle {
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		ot := start + int64(i)*step
		out = append(out, market.Candle{
			OpenTime:  ot,
			CloseTime: ot + step - 1,
			Open:      100,
			High:      110,
			Low:       95,
			Close:     105,
			Volume:    10,
		})
	}
	return out
}

// backdate shifts the artifact's mtime so freshness math sees an older write.
func backdate(t *testing.T, s *Store, key Key, age time.Duration) {
	t.Helper()
	past := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(s.Path(key), past, past))
}

func TestPutResolveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := Key{Symbol: "BTCUSDT", Interval: "1h", BrickSize: 1000}
	series := candleRange(1_700_000_000_000, 3_600_000, 50)

	require.NoError(t, s.Put(key, series))
	res := s.Resolve(key)
	assert.Equal(t, StateFresh, res.State)
	assert.Equal(t, series, res.Candles)
	assert.False(t, res.WrittenAt.IsZero())
}

func TestResolveMissOnEmptyDir(t *testing.T) {
	s := newTestStore(t)
	res := s.Resolve(Key{Symbol: "ETHUSDT", Interval: "4h", BrickSize: 1000})
	assert.Equal(t, StateMiss, res.State)
	assert.Nil(t, res.Candles)
}

func TestFreshnessExpiresWithValidityWindow(t *testing.T) {
	s := newTestStore(t)
	key := Key{Symbol: "BTCUSDT", Interval: "1h", BrickSize: 1000}
	require.NoError(t, s.Put(key, candleRange(0, 3_600_000, 10)))

	backdate(t, s, key, 29*time.Minute)
	assert.True(t, s.IsFresh(key), "just inside the 30m validity window")

	backdate(t, s, key, 31*time.Minute)
	assert.False(t, s.IsFresh(key), "past the 30m validity window")
	// 1h is in the privileged set and well under 7 days old.
	assert.True(t, s.IsUseful(key))
	assert.Equal(t, StateUseful, s.Resolve(key).State)
}

func TestUsefulByPointCount(t *testing.T) {
	s := newTestStore(t)
	key := Key{Symbol: "BTCUSDT", Interval: "15m", BrickSize: 1000}

	require.NoError(t, s.Put(key, candleRange(0, 900_000, 250)))
	backdate(t, s, key, 2*time.Hour)
	assert.True(t, s.IsUseful(key), "15m is not privileged but has >=200 points")

	shallow := Key{Symbol: "ETHUSDT", Interval: "15m", BrickSize: 1000}
	require.NoError(t, s.Put(shallow, candleRange(0, 900_000, 50)))
	backdate(t, s, shallow, 2*time.Hour)
	assert.False(t, s.IsUseful(shallow))
	assert.Equal(t, StateMiss, s.Resolve(shallow).State)
}

func TestUsefulExpiresAfterMaxAge(t *testing.T) {
	s := newTestStore(t)
	key := Key{Symbol: "BTCUSDT", Interval: "1d", BrickSize: 1000}
	require.NoError(t, s.Put(key, candleRange(0, 86_400_000, 300)))
	backdate(t, s, key, 8*24*time.Hour)
	assert.False(t, s.IsUseful(key))
	assert.Equal(t, StateMiss, s.Resolve(key).State)
}

func TestGetAnyIgnoresFreshness(t *testing.T) {
	s := newTestStore(t)
	key := Key{Symbol: "BTCUSDT", Interval: "5m", BrickSize: 1000}
	series := candleRange(0, 300_000, 20)
	require.NoError(t, s.Put(key, series))
	backdate(t, s, key, 30*24*time.Hour)

	got, ok := s.GetAny(key)
	assert.True(t, ok)
	assert.Equal(t, series, got)
}

func TestPutSortsAndDedups(t *testing.T) {
	s := newTestStore(t)
	key := Key{Symbol: "BTCUSDT", Interval: "1h", BrickSize: 1000}
	a := market.Candle{OpenTime: 2000, Close: 1}
	b := market.Candle{OpenTime: 1000, Close: 2}
	dup := market.Candle{OpenTime: 2000, Close: 3}

	require.NoError(t, s.Put(key, []market.Candle{a, b, dup}))
	res := s.Resolve(key)
	require.Len(t, res.Candles, 2)
	assert.Equal(t, int64(1000), res.Candles[0].OpenTime)
	assert.Equal(t, int64(2000), res.Candles[1].OpenTime)
	assert.Equal(t, float64(3), res.Candles[1].Close, "last write wins on duplicate open time")
}

func TestPathEncodesLookbackAndBrick(t *testing.T) {
	s := newTestStore(t)
	path := s.Path(Key{Symbol: "btcusdt", Interval: "1h", BrickSize: 500})
	assert.Equal(t, "BTCUSDT_1h_45d_b500.json", filepath.Base(path))
}

func TestPruneRemovesOnlyDeadEntries(t *testing.T) {
	s := newTestStore(t)
	fresh := Key{Symbol: "AAAUSDT", Interval: "1h", BrickSize: 1000}
	useful := Key{Symbol: "BBBUSDT", Interval: "4h", BrickSize: 1000}
	dead := Key{Symbol: "CCCUSDT", Interval: "5m", BrickSize: 1000}

	require.NoError(t, s.Put(fresh, candleRange(0, 3_600_000, 10)))
	require.NoError(t, s.Put(useful, candleRange(0, 14_400_000, 10)))
	require.NoError(t, s.Put(dead, candleRange(0, 300_000, 10)))
	backdate(t, s, useful, 24*time.Hour)
	backdate(t, s, dead, 24*time.Hour)

	removed, preserved := s.Prune()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, preserved)

	_, ok := s.GetAny(dead)
	assert.False(t, ok)
	_, ok = s.GetAny(useful)
	assert.True(t, ok)
}

func TestClearAndStats(t *testing.T) {
	s := newTestStore(t)
	k1 := Key{Symbol: "AAAUSDT", Interval: "1h", BrickSize: 1000}
	k2 := Key{Symbol: "BBBUSDT", Interval: "4h", BrickSize: 1000}
	require.NoError(t, s.Put(k1, candleRange(0, 3_600_000, 10)))
	require.NoError(t, s.Put(k2, candleRange(0, 14_400_000, 10)))
	backdate(t, s, k2, 3*time.Hour)

	st := s.CacheStats()
	assert.Equal(t, 2, st.FileCount)
	assert.Equal(t, 1, st.ValidCount)
	assert.Equal(t, 1, st.UsefulCount)
	assert.Greater(t, st.TotalBytes, int64(0))

	removed, err := s.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, s.CacheStats().FileCount)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s := newTestStore(t)
	key := Key{Symbol: "BTCUSDT", Interval: "1h", BrickSize: 1000}
	require.NoError(t, s.Put(key, candleRange(0, 3_600_000, 10)))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, len(entry.Name()) > 4 && entry.Name()[:4] == ".tmp",
			"stray temp file %s", entry.Name())
	}
}
