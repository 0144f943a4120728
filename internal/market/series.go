package market

import "sort"

// Merge combines an existing series with newly fetched candles and returns a
// series with strictly increasing, unique open times. When both sides carry a
// candle for the same open time the fetched one wins, so a re-fetched tail
// always replaces the stale copy.
func Merge(existing, fetched []Candle) []Candle {
	if len(fetched) == 0 {
		return SortDedup(existing)
	}
	if len(existing) == 0 {
		return SortDedup(fetched)
	}
	merged := make([]Candle, 0, len(existing)+len(fetched))
	merged = append(merged, existing...)
	merged = append(merged, fetched...)
	return SortDedup(merged)
}

// SortDedup sorts by open time and keeps the last candle seen for each open
// time. The input slice is not modified.
func SortDedup(candles []Candle) []Candle {
	if len(candles) == 0 {
		return nil
	}
	tmp := make([]Candle, len(candles))
	copy(tmp, candles)
	sort.SliceStable(tmp, func(i, j int) bool { return tmp[i].OpenTime < tmp[j].OpenTime })
	out := tmp[:0]
	for _, c := range tmp {
		if n := len(out); n > 0 && out[n-1].OpenTime == c.OpenTime {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	result := make([]Candle, len(out))
	copy(result, out)
	return result
}

// LastOpenTime returns the open time of the final candle, or 0 for an empty
// series.
func LastOpenTime(candles []Candle) int64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].OpenTime
}
