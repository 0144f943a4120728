package config

import (
	"fmt"
	"strings"

	"klinefeed/internal/scheduler"
)

func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Gate.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Batch.validate(); err != nil {
		return err
	}
	if err := c.Watch.validate(); err != nil {
		return err
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" && src.Proxy.WSURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url or ws_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (g *GateConfig) validate() error {
	if g.Capacity <= 0 {
		return fmt.Errorf("gate.capacity must be > 0")
	}
	if g.SafetyMargin < 0 || g.SafetyMargin >= g.Capacity {
		return fmt.Errorf("gate.safety_margin must be in [0, capacity)")
	}
	if g.WindowSeconds <= 0 {
		return fmt.Errorf("gate.window_seconds must be > 0")
	}
	if g.EmergencyThreshold < 0 {
		return fmt.Errorf("gate.emergency_threshold must be >= 0")
	}
	if g.BanBaseSeconds <= 0 || g.BanMaxSeconds < g.BanBaseSeconds {
		return fmt.Errorf("gate ban durations must satisfy 0 < ban_base <= ban_max")
	}
	return nil
}

func (c *CacheConfig) validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("cache.dir cannot be empty")
	}
	if c.UsefulMaxAgeDays <= 0 {
		return fmt.Errorf("cache.useful_max_age_days must be > 0")
	}
	return nil
}

func (b *BatchConfig) validate() error {
	if b.BatchSize <= 0 {
		return fmt.Errorf("batch.batch_size must be > 0")
	}
	if b.MaxWorkers <= 0 {
		return fmt.Errorf("batch.max_workers must be > 0")
	}
	return nil
}

func (w *WatchConfig) validate() error {
	for _, iv := range w.Intervals {
		if _, err := scheduler.ParseIntervalDuration(iv); err != nil {
			return fmt.Errorf("watch.intervals contains invalid interval %q: %w", iv, err)
		}
	}
	if w.BrickSize <= 0 {
		return fmt.Errorf("watch.brick_size must be > 0")
	}
	return nil
}
