// Package gate provides process-wide admission control for exchange REST
// requests. The exchange enforces its limit per account/IP, so one Gate
// instance is shared by every worker and all admission decisions funnel
// through it.
package gate

import (
	"context"
	"sync"
	"time"

	"klinefeed/internal/logger"
)

type Config struct {
	// Capacity is the exchange's hard per-window request limit.
	Capacity     int
	SafetyMargin int
	// Window is the rolling period the limit applies to.
	Window time.Duration
	// SafetyPad is added when sleeping until the oldest entry leaves the
	// window, absorbing clock skew against the exchange.
	SafetyPad time.Duration
	// MinSpacing smooths bursts even when the window has room.
	MinSpacing time.Duration
	// EmergencyThreshold is the fraction of Capacity that trips the circuit
	// breaker; 0 or >=1 disables it.
	EmergencyThreshold float64
	EmergencyCooldown  time.Duration
	BanBase            time.Duration
	BanMax             time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Capacity <= 0 {
		out.Capacity = 1200
	}
	if out.SafetyMargin <= 0 {
		out.SafetyMargin = 100
	}
	if out.Window <= 0 {
		out.Window = time.Minute
	}
	if out.SafetyPad <= 0 {
		out.SafetyPad = 5 * time.Second
	}
	if out.EmergencyCooldown <= 0 {
		out.EmergencyCooldown = 5 * time.Minute
	}
	if out.BanBase <= 0 {
		out.BanBase = time.Minute
	}
	if out.BanMax <= 0 {
		out.BanMax = 10 * time.Minute
	}
	return out
}

type Stats struct {
	Used         int           `json:"used"`
	Capacity     int           `json:"capacity"`
	SafetyMargin int           `json:"safety_margin"`
	UsagePercent float64       `json:"usage_percent"`
	Blocked      int           `json:"blocked"`
	BanStrikes   int           `json:"ban_strikes"`
	BanRemaining time.Duration `json:"ban_remaining"`
	Emergency    bool          `json:"emergency"`
	Status       string        `json:"status"`
}

// Gate tracks request timestamps in a rolling window and blocks admissions
// that would cross Capacity-SafetyMargin. Crossing the emergency threshold
// halts all admissions for a fixed cooldown regardless of window state.
type Gate struct {
	cfg Config

	mu             sync.Mutex
	window         []time.Time
	banUntil       time.Time
	banDuration    time.Duration
	banStrikes     int
	emergencyUntil time.Time
	blocked        int

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Gate {
	return &Gate{
		cfg:     cfg.withDefaults(),
		nowFn:   time.Now,
		sleepFn: sleepWithContext,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Admit blocks until a request slot is available and reserves it. It fails
// only when ctx is cancelled; under a sustained ban it sleeps out the full
// penalty.
func (g *Gate) Admit(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.nowFn()

		if wait := g.banUntil.Sub(now); wait > 0 {
			g.mu.Unlock()
			logger.Errorf("gate: ban active, sleeping %s", wait.Round(time.Second))
			if err := g.sleepFn(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if wait := g.emergencyUntil.Sub(now); wait > 0 {
			g.mu.Unlock()
			logger.Errorf("gate: emergency cooldown, sleeping %s", wait.Round(time.Second))
			if err := g.sleepFn(ctx, wait); err != nil {
				return err
			}
			g.mu.Lock()
			// The cooldown starts a clean window.
			if !g.emergencyUntil.IsZero() && !g.nowFn().Before(g.emergencyUntil) {
				g.window = nil
				g.emergencyUntil = time.Time{}
			}
			g.mu.Unlock()
			continue
		}

		g.prune(now)

		limit := g.cfg.Capacity - g.cfg.SafetyMargin
		if len(g.window) >= limit {
			oldest := g.window[0]
			wait := oldest.Add(g.cfg.Window + g.cfg.SafetyPad).Sub(now)
			g.blocked++
			n := g.blocked
			g.mu.Unlock()
			if wait <= 0 {
				continue
			}
			logger.Warnf("gate: window full (%d/%d), sleeping %s (block #%d)",
				limit, g.cfg.Capacity, wait.Round(time.Millisecond), n)
			if err := g.sleepFn(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if g.cfg.MinSpacing > 0 && len(g.window) > 0 {
			since := now.Sub(g.window[len(g.window)-1])
			if since < g.cfg.MinSpacing {
				wait := g.cfg.MinSpacing - since
				g.mu.Unlock()
				if err := g.sleepFn(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}

		g.window = append(g.window, now)
		used := len(g.window)
		if used > g.cfg.Capacity*7/10 {
			logger.Warnf("gate: utilization high %d/%d", used, g.cfg.Capacity)
		}
		if g.cfg.EmergencyThreshold > 0 && g.cfg.EmergencyThreshold < 1 &&
			float64(used) > g.cfg.EmergencyThreshold*float64(g.cfg.Capacity) {
			g.emergencyUntil = now.Add(g.cfg.EmergencyCooldown)
			logger.Errorf("gate: crossed %.0f%% utilization, halting admissions for %s",
				g.cfg.EmergencyThreshold*100, g.cfg.EmergencyCooldown)
		}
		g.mu.Unlock()
		return nil
	}
}

// TryAdmit reports whether an admission would currently succeed without
// blocking. It does not reserve a slot.
func (g *Gate) TryAdmit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	if now.Before(g.banUntil) || now.Before(g.emergencyUntil) {
		return false
	}
	g.prune(now)
	return len(g.window) < g.cfg.Capacity-g.cfg.SafetyMargin
}

// ReportBan registers an upstream ban response: the window is cleared and the
// penalty doubles on each consecutive ban up to the configured ceiling.
func (g *Gate) ReportBan() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.banDuration <= 0 {
		g.banDuration = g.cfg.BanBase
	} else {
		g.banDuration *= 2
		if g.banDuration > g.cfg.BanMax {
			g.banDuration = g.cfg.BanMax
		}
	}
	g.banStrikes++
	now := g.nowFn()
	g.banUntil = now.Add(g.banDuration)
	logger.Errorf("gate: ban #%d registered, penalty=%s, window had %d requests",
		g.banStrikes, g.banDuration, len(g.window))
	g.window = nil
}

// Reset clears all state, counters included: after a reset Stats reports a
// blank gate and the next ban starts back at the base penalty. Meant for
// operator intervention, not normal flow.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window = nil
	g.banUntil = time.Time{}
	g.banDuration = 0
	g.banStrikes = 0
	g.emergencyUntil = time.Time{}
	g.blocked = 0
	logger.Warnf("gate: state reset")
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFn()
	g.prune(now)
	st := Stats{
		Used:         len(g.window),
		Capacity:     g.cfg.Capacity,
		SafetyMargin: g.cfg.SafetyMargin,
		Blocked:      g.blocked,
		BanStrikes:   g.banStrikes,
		Emergency:    now.Before(g.emergencyUntil),
	}
	if g.cfg.Capacity > 0 {
		st.UsagePercent = float64(st.Used) / float64(st.Capacity) * 100
	}
	if rem := g.banUntil.Sub(now); rem > 0 {
		st.BanRemaining = rem
	}
	switch {
	case st.Emergency:
		st.Status = "EMERGENCY"
	case st.BanRemaining > 0:
		st.Status = "BANNED"
	case st.UsagePercent > 90:
		st.Status = "DANGER"
	case st.UsagePercent > 70:
		st.Status = "WARNING"
	default:
		st.Status = "OK"
	}
	return st
}

// prune drops window entries older than the rolling window. Callers hold the
// lock.
func (g *Gate) prune(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(g.window) && !g.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}
