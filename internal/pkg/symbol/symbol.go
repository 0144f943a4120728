// Package symbol normalizes trading-pair notation. Callers may pass
// "eth/usdt", "ETH/USDT" or "ETHUSDT"; the exchange wants the compact upper
// form.
package symbol

import "strings"

// Normalize returns the canonical internal form: upper case, no separator.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// NormalizeAll maps Normalize over a list, dropping empties and duplicates
// while preserving order.
func NormalizeAll(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		n := Normalize(s)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
