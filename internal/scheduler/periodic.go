package scheduler

import (
	"context"
	"time"

	"klinefeed/internal/logger"
)

// Periodic runs a task on a fixed interval until its context is cancelled.
// Used for opportunistic maintenance such as cache pruning; the task must be
// safe to overlap with normal traffic.
type Periodic struct {
	Interval       time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewPeriodic(interval time.Duration) *Periodic {
	return &Periodic{Interval: interval, nowFn: time.Now}
}

func (p *Periodic) Start(ctx context.Context, name string, task func()) {
	if p == nil || task == nil {
		return
	}
	if p.Interval <= 0 {
		logger.Warnf("periodic %s: invalid interval=%s, not starting", name, p.Interval)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Infof("periodic %s: started interval=%s", name, p.Interval)
	if p.RunImmediately {
		task()
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("periodic %s: ctx done, exit", name)
			return
		case <-ticker.C:
			task()
		}
	}
}
