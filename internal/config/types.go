package config

import (
	"strings"
	"time"
)

// Config is the whole engine configuration.
type Config struct {
	App    AppConfig    `toml:"app"`
	Market MarketConfig `toml:"market"`
	Gate   GateConfig   `toml:"gate"`
	Cache  CacheConfig  `toml:"cache"`
	Fetch  FetchConfig  `toml:"fetch"`
	Batch  BatchConfig  `toml:"batch"`
	Stream StreamConfig `toml:"stream"`
	Watch  WatchConfig  `toml:"watch"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name           string      `toml:"name"`
	Enabled        bool        `toml:"enabled"`
	RESTBaseURL    string      `toml:"rest_base_url"`
	TimeoutSeconds int         `toml:"timeout_seconds"`
	Proxy          ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

// GateConfig tunes the request admission window and its circuit breakers.
type GateConfig struct {
	Capacity                 int     `toml:"capacity"`
	SafetyMargin             int     `toml:"safety_margin"`
	WindowSeconds            int     `toml:"window_seconds"`
	SafetyPadSeconds         int     `toml:"safety_pad_seconds"`
	MinSpacingMs             int     `toml:"min_spacing_ms"`
	EmergencyThreshold       float64 `toml:"emergency_threshold"`
	EmergencyCooldownSeconds int     `toml:"emergency_cooldown_seconds"`
	BanBaseSeconds           int     `toml:"ban_base_seconds"`
	BanMaxSeconds            int     `toml:"ban_max_seconds"`
}

type CacheConfig struct {
	Dir                  string `toml:"dir"`
	UsefulMaxAgeDays     int    `toml:"useful_max_age_days"`
	UsefulMinPoints      int    `toml:"useful_min_points"`
	PruneIntervalMinutes int    `toml:"prune_interval_minutes"`
}

type FetchConfig struct {
	MaxRetries          int `toml:"max_retries"`
	ServerRetrySeconds  int `toml:"server_retry_seconds"`
	ConnRetrySeconds    int `toml:"conn_retry_seconds"`
	UnknownRetrySeconds int `toml:"unknown_retry_seconds"`
	PageLimit           int `toml:"page_limit"`
}

type BatchConfig struct {
	BatchSize         int `toml:"batch_size"`
	InterBatchDelayMs int `toml:"inter_batch_delay_ms"`
	MaxWorkers        int `toml:"max_workers"`
}

type StreamConfig struct {
	Buffer             int `toml:"buffer"`
	WaitTimeoutSeconds int `toml:"wait_timeout_seconds"`
}

// WatchConfig names the symbol/interval universe the engine warms up and
// keeps streaming.
type WatchConfig struct {
	Symbols         []string `toml:"symbols"`
	Intervals       []string `toml:"intervals"`
	BrickSize       int      `toml:"brick_size"`
	Warmup          bool     `toml:"warmup"`
	ExtendToCurrent bool     `toml:"extend_to_current"`
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

func (g GateConfig) EmergencyCooldown() time.Duration {
	return time.Duration(g.EmergencyCooldownSeconds) * time.Second
}

func (g GateConfig) Window() time.Duration {
	return time.Duration(g.WindowSeconds) * time.Second
}

// keySet tracks the field paths the config files explicitly set.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one defaulting rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
