// Package cache persists per-key candle series as JSON artifacts on local
// disk. Freshness is derived from file modification time, so a write-through
// that adds nothing must not touch the artifact.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"klinefeed/internal/logger"
	"klinefeed/internal/lookback"
	"klinefeed/internal/market"
)

// Key identifies one cache artifact. BrickSize participates because the
// required history depth, and therefore the on-disk artifact, differs per
// downstream bucketing choice.
type Key struct {
	Symbol    string
	Interval  string
	BrickSize int
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s b%d", k.Symbol, k.Interval, k.BrickSize)
}

type Config struct {
	Dir string
	// Validity overrides the per-interval freshness windows.
	Validity map[string]time.Duration
	// DefaultValidity applies to intervals missing from Validity.
	DefaultValidity time.Duration
	// UsefulMaxAge bounds the stale-but-useful fallback tier.
	UsefulMaxAge time.Duration
	// UsefulMinPoints admits a stale series into the fallback tier on depth
	// alone.
	UsefulMinPoints int
	// UsefulIntervals are always fallback-worthy regardless of point count;
	// they carry the most indicator value.
	UsefulIntervals []string
}

// defaultValidity: shorter intervals expire faster.
var defaultValidity = map[string]time.Duration{
	"1m":  30 * time.Second,
	"3m":  time.Minute,
	"5m":  2 * time.Minute,
	"15m": 5 * time.Minute,
	"30m": 10 * time.Minute,
	"1h":  30 * time.Minute,
	"2h":  time.Hour,
	"4h":  2 * time.Hour,
	"6h":  3 * time.Hour,
	"8h":  4 * time.Hour,
	"12h": 6 * time.Hour,
	"1d":  12 * time.Hour,
	"3d":  24 * time.Hour,
	"1w":  48 * time.Hour,
}

func (c Config) withDefaults() Config {
	out := c
	if out.Dir == "" {
		out.Dir = "cache"
	}
	if out.DefaultValidity <= 0 {
		out.DefaultValidity = 5 * time.Minute
	}
	if out.UsefulMaxAge <= 0 {
		out.UsefulMaxAge = 7 * 24 * time.Hour
	}
	if out.UsefulMinPoints <= 0 {
		out.UsefulMinPoints = 200
	}
	if len(out.UsefulIntervals) == 0 {
		out.UsefulIntervals = []string{"1h", "4h", "1d"}
	}
	return out
}

// State tags how authoritative a resolved entry is.
type State int

const (
	// StateMiss: no artifact, or too stale to trust; caller must refetch.
	StateMiss State = iota
	// StateFresh: within the interval's validity window.
	StateFresh
	// StateUseful: expired but still indicator-worthy; usable as a fallback.
	StateUseful
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateUseful:
		return "useful"
	default:
		return "miss"
	}
}

// Resolution is the single tagged result every call site branches on,
// replacing per-caller freshness re-derivation.
type Resolution struct {
	State     State
	Candles   []market.Candle
	WrittenAt time.Time
}

type Stats struct {
	FileCount     int   `json:"file_count"`
	ValidCount    int   `json:"valid_count"`
	UsefulCount   int   `json:"useful_count"`
	OutdatedCount int   `json:"outdated_count"`
	TotalBytes    int64 `json:"total_bytes"`
}

// envelope is the on-disk artifact layout.
type envelope struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	BrickSize int             `json:"brick_size"`
	Days      int             `json:"days"`
	SavedAt   int64           `json:"saved_at"`
	Candles   []market.Candle `json:"candles"`
}

// Store owns the cache directory. All file reads and writes serialize behind
// one mutex so concurrent workers never interleave partial writes on a key.
type Store struct {
	cfg Config

	mu    sync.Mutex
	nowFn func() time.Time
}

func New(cfg Config) (*Store, error) {
	final := cfg.withDefaults()
	if err := os.MkdirAll(final.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir %s: %w", final.Dir, err)
	}
	return &Store{cfg: final, nowFn: time.Now}, nil
}

func (s *Store) Dir() string { return s.cfg.Dir }

// Path returns the artifact location for a key. The filename encodes the
// computed lookback window, so a lookback policy change strands old
// filenames instead of silently reusing them.
func (s *Store) Path(key Key) string {
	days := lookback.RequiredDays(key.Interval, key.BrickSize)
	brick := key.BrickSize
	if brick <= 0 {
		brick = 1000
	}
	name := fmt.Sprintf("%s_%s_%dd_b%d.json",
		strings.ToUpper(strings.TrimSpace(key.Symbol)), key.Interval, days, brick)
	return filepath.Join(s.cfg.Dir, name)
}

// Resolve loads a key and tags it fresh, useful, or miss. Useful hits are
// logged at warn level so degraded reads are visible.
func (s *Store) Resolve(key Key) Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles, mtime, ok := s.load(s.Path(key))
	if !ok {
		return Resolution{State: StateMiss}
	}
	age := s.nowFn().Sub(mtime)
	if age < s.validity(key.Interval) {
		return Resolution{State: StateFresh, Candles: candles, WrittenAt: mtime}
	}
	if s.useful(key.Interval, age, len(candles)) {
		logger.Warnf("cache: serving stale-but-useful entry for %s (age=%s)", key, age.Round(time.Second))
		return Resolution{State: StateUseful, Candles: candles, WrittenAt: mtime}
	}
	return Resolution{State: StateMiss}
}

// GetAny returns whatever is on disk for the key regardless of freshness.
// Used by batch fallback when a refetch has already failed.
func (s *Store) GetAny(key Key) ([]market.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles, _, ok := s.load(s.Path(key))
	return candles, ok
}

func (s *Store) IsFresh(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(s.Path(key))
	if err != nil {
		return false
	}
	return s.nowFn().Sub(info.ModTime()) < s.validity(key.Interval)
}

func (s *Store) IsUseful(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	age := s.nowFn().Sub(info.ModTime())
	if age >= s.cfg.UsefulMaxAge {
		return false
	}
	if s.privileged(key.Interval) {
		return true
	}
	candles, _, ok := s.load(path)
	return ok && len(candles) >= s.cfg.UsefulMinPoints
}

// Put replaces the artifact for key. The series is sorted and deduplicated
// before hitting disk, and the write goes through a temp file plus rename so
// readers never observe a partial artifact.
func (s *Store) Put(key Key, candles []market.Candle) error {
	if key.Symbol == "" || key.Interval == "" {
		return fmt.Errorf("cache: symbol and interval are required")
	}
	series := market.SortDedup(candles)
	now := s.nowFn()
	env := envelope{
		Symbol:    strings.ToUpper(strings.TrimSpace(key.Symbol)),
		Interval:  key.Interval,
		BrickSize: key.BrickSize,
		Days:      lookback.RequiredDays(key.Interval, key.BrickSize),
		SavedAt:   now.UnixMilli(),
		Candles:   series,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: encoding %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.cfg.Dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: closing %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: replacing %s: %w", key, err)
	}
	return nil
}

// Prune deletes artifacts that are neither fresh nor useful. It never blocks
// reads for long: the scan happens per file under the same mutex Get uses.
func (s *Store) Prune() (removed, preserved int) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		logger.Warnf("cache: listing %s failed: %v", s.cfg.Dir, err)
		return 0, 0
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		interval, ok := intervalFromName(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		s.mu.Lock()
		fresh, useful := s.classify(path, interval)
		if fresh || useful {
			preserved++
			s.mu.Unlock()
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Debugf("cache: could not remove %s: %v", entry.Name(), err)
		} else {
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		logger.Infof("cache: pruned %d artifacts, preserved %d", removed, preserved)
	}
	return removed, preserved
}

// Clear deletes every artifact.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("cache: listing %s: %w", s.cfg.Dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Dir, entry.Name())); err == nil {
			removed++
		}
	}
	logger.Infof("cache: cleared %d artifacts", removed)
	return removed, nil
}

func (s *Store) CacheStats() Stats {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return Stats{}
	}
	var st Stats
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		st.FileCount++
		if info, err := entry.Info(); err == nil {
			st.TotalBytes += info.Size()
		}
		interval, ok := intervalFromName(entry.Name())
		if !ok {
			st.OutdatedCount++
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		s.mu.Lock()
		fresh, useful := s.classify(path, interval)
		s.mu.Unlock()
		switch {
		case fresh:
			st.ValidCount++
		case useful:
			st.UsefulCount++
		default:
			st.OutdatedCount++
		}
	}
	return st
}

// classify reports (fresh, useful) for an artifact path. Callers hold the
// lock.
func (s *Store) classify(path, interval string) (bool, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return false, false
	}
	age := s.nowFn().Sub(info.ModTime())
	if age < s.validity(interval) {
		return true, false
	}
	if age >= s.cfg.UsefulMaxAge {
		return false, false
	}
	if s.privileged(interval) {
		return false, true
	}
	candles, _, ok := s.load(path)
	return false, ok && len(candles) >= s.cfg.UsefulMinPoints
}

func (s *Store) useful(interval string, age time.Duration, points int) bool {
	if age >= s.cfg.UsefulMaxAge {
		return false
	}
	return s.privileged(interval) || points >= s.cfg.UsefulMinPoints
}

func (s *Store) privileged(interval string) bool {
	for _, iv := range s.cfg.UsefulIntervals {
		if iv == interval {
			return true
		}
	}
	return false
}

func (s *Store) validity(interval string) time.Duration {
	if d, ok := s.cfg.Validity[interval]; ok && d > 0 {
		return d
	}
	if d, ok := defaultValidity[interval]; ok {
		return d
	}
	return s.cfg.DefaultValidity
}

// load reads and decodes an artifact. Callers hold the lock. A missing or
// corrupt file reads as absent; corruption is logged because it is not
// expected under the atomic-replace write path.
func (s *Store) load(path string) ([]market.Candle, time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debugf("cache: reading %s failed: %v", path, err)
		return nil, time.Time{}, false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warnf("cache: corrupt artifact %s: %v", path, err)
		return nil, time.Time{}, false
	}
	return env.Candles, info.ModTime(), true
}

// intervalFromName extracts the interval from SYMBOL_interval_NNd_bNN.json.
func intervalFromName(name string) (string, bool) {
	parts := strings.Split(strings.TrimSuffix(name, ".json"), "_")
	if len(parts) < 4 {
		return "", false
	}
	return parts[1], true
}
