package config

import (
	"fmt"
	"strings"
)

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9992"
	defaultAppLogPath  = "/data/logs/klinefeed.log"

	defaultMarketName    = "binance"
	defaultMarketREST    = "https://fapi.binance.com"
	defaultMarketTimeout = 15

	defaultGateCapacity       = 1200
	defaultGateSafetyMargin   = 100
	defaultGateWindow         = 60
	defaultGateSafetyPad      = 5
	defaultGateMinSpacing     = 300
	defaultGateEmergencyRatio = 0.9
	defaultGateCooldown       = 300
	defaultGateBanBase        = 60
	defaultGateBanMax         = 600

	defaultCacheDir          = "/data/cache/klines"
	defaultCacheUsefulDays   = 7
	defaultCacheUsefulPoints = 200
	defaultCachePruneMinutes = 30

	defaultFetchRetries      = 3
	defaultFetchServerRetry  = 5
	defaultFetchConnRetry    = 3
	defaultFetchUnknownRetry = 2
	defaultFetchPageLimit    = 1500

	defaultBatchSize       = 10
	defaultBatchDelayMs    = 100
	defaultBatchMaxWorkers = 30

	defaultStreamBuffer      = 512
	defaultStreamWaitSeconds = 5

	defaultWatchBrickSize = 500
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Gate.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Fetch.applyDefaults(keys)
	c.Batch.applyDefaults(keys)
	c.Stream.applyDefaults(keys)
	c.Watch.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
		if src.TimeoutSeconds <= 0 {
			src.TimeoutSeconds = defaultMarketTimeout
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

func (g *GateConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("gate.capacity", &g.Capacity, defaultGateCapacity),
		intFieldDefault("gate.safety_margin", &g.SafetyMargin, defaultGateSafetyMargin),
		intFieldDefault("gate.window_seconds", &g.WindowSeconds, defaultGateWindow),
		intFieldDefault("gate.safety_pad_seconds", &g.SafetyPadSeconds, defaultGateSafetyPad),
		intFieldDefault("gate.min_spacing_ms", &g.MinSpacingMs, defaultGateMinSpacing),
		fieldDefault{
			key:   "gate.emergency_threshold",
			need:  func() bool { return g.EmergencyThreshold <= 0 },
			apply: func() { g.EmergencyThreshold = defaultGateEmergencyRatio },
		},
		intFieldDefault("gate.emergency_cooldown_seconds", &g.EmergencyCooldownSeconds, defaultGateCooldown),
		intFieldDefault("gate.ban_base_seconds", &g.BanBaseSeconds, defaultGateBanBase),
		intFieldDefault("gate.ban_max_seconds", &g.BanMaxSeconds, defaultGateBanMax),
	)
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("cache.dir", &c.Dir, defaultCacheDir),
		intFieldDefault("cache.useful_max_age_days", &c.UsefulMaxAgeDays, defaultCacheUsefulDays),
		intFieldDefault("cache.useful_min_points", &c.UsefulMinPoints, defaultCacheUsefulPoints),
		intFieldDefault("cache.prune_interval_minutes", &c.PruneIntervalMinutes, defaultCachePruneMinutes),
	)
}

func (f *FetchConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("fetch.max_retries", &f.MaxRetries, defaultFetchRetries),
		intFieldDefault("fetch.server_retry_seconds", &f.ServerRetrySeconds, defaultFetchServerRetry),
		intFieldDefault("fetch.conn_retry_seconds", &f.ConnRetrySeconds, defaultFetchConnRetry),
		intFieldDefault("fetch.unknown_retry_seconds", &f.UnknownRetrySeconds, defaultFetchUnknownRetry),
		intFieldDefault("fetch.page_limit", &f.PageLimit, defaultFetchPageLimit),
	)
}

func (b *BatchConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("batch.batch_size", &b.BatchSize, defaultBatchSize),
		intFieldDefault("batch.inter_batch_delay_ms", &b.InterBatchDelayMs, defaultBatchDelayMs),
		intFieldDefault("batch.max_workers", &b.MaxWorkers, defaultBatchMaxWorkers),
	)
}

func (s *StreamConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("stream.buffer", &s.Buffer, defaultStreamBuffer),
		intFieldDefault("stream.wait_timeout_seconds", &s.WaitTimeoutSeconds, defaultStreamWaitSeconds),
	)
}

func (w *WatchConfig) applyDefaults(keys keySet) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("watch.brick_size", &w.BrickSize, defaultWatchBrickSize),
		boolFieldDefault("watch.warmup", &w.Warmup, true),
		boolFieldDefault("watch.extend_to_current", &w.ExtendToCurrent, true),
	)
	if len(w.Intervals) == 0 {
		w.Intervals = []string{"1h", "4h"}
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
