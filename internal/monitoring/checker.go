package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/config"
)

// renotifyAfter is how long a still-firing alert stays quiet after being sent.
const renotifyAfter = time.Hour

// Checker evaluates alerts on an interval. An alert is sent when it starts
// firing and again every renotifyAfter while it keeps firing; one that clears
// is forgotten.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
	now      func() time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		lastSent:  make(map[AlertType]time.Time),
		now:       time.Now,
	}
}

// Run checks once immediately, then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := config.Secs(c.cfg.CheckIntervalSecs)
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.check(ctx, log)
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		log.Debug("monitoring: no new alerts",
			zap.Int("active_runs", snap.RunsActive),
			zap.Int("dlq_depth", snap.DLQDepth),
		)
		return
	}

	sent := c.alerter.SendAlerts(ctx, due)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
	)
}

// due filters firing alerts down to those not sent recently and forgets
// alert types that stopped firing.
func (c *Checker) due(firing []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	active := make(map[AlertType]bool, len(firing))
	var out []Alert
	for _, a := range firing {
		active[a.Type] = true
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < renotifyAfter {
			continue
		}
		c.lastSent[a.Type] = now
		out = append(out, a)
	}
	for t := range c.lastSent {
		if !active[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
