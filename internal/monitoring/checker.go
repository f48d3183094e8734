package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
)

// Checker evaluates recent batch outcomes against the alert thresholds on
// a fixed period and sends whatever fires.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a background alert checker. A zero check interval
// means every five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Run blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)
	every(ctx, c.interval, func() { c.check(ctx, log) })
	log.Info("alert checker stopped")
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect batch outcomes", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alerts fired",
		zap.Int("batches", snap.BatchTotal),
		zap.Int("alerts", len(alerts)),
		zap.Int("sent", sent),
	)
}

// every calls fn on each tick of period until ctx is done.
func every(ctx context.Context, period time.Duration, fn func()) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Prober is anything with a liveness probe.
type Prober interface {
	Ping(ctx context.Context) error
}

// HealthChecker probes named targets on a fixed period, independent of any
// batch in progress, and reports failures through OnFailure.
type HealthChecker struct {
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	targets   map[string]Prober
	lastError map[string]string

	// OnFailure is called once per failed probe.
	OnFailure func(name string, err error)
}

// NewHealthChecker probes every interval with a per-probe timeout.
func NewHealthChecker(interval, timeout time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		interval:  interval,
		timeout:   timeout,
		targets:   make(map[string]Prober),
		lastError: make(map[string]string),
	}
}

// Register adds or replaces a probe target.
func (h *HealthChecker) Register(name string, p Prober) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets[name] = p
}

// Run probes until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	every(ctx, h.interval, func() { h.CheckOnce(ctx) })
}

// CheckOnce probes every target once and returns the failures by name.
func (h *HealthChecker) CheckOnce(ctx context.Context) map[string]error {
	h.mu.RLock()
	names := make([]string, 0, len(h.targets))
	for n := range h.targets {
		names = append(names, n)
	}
	targets := make(map[string]Prober, len(h.targets))
	for n, p := range h.targets {
		targets[n] = p
	}
	h.mu.RUnlock()
	sort.Strings(names)

	failed := make(map[string]error)
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := targets[name].Ping(pctx)
		cancel()

		h.mu.Lock()
		if err != nil {
			h.lastError[name] = err.Error()
		} else {
			delete(h.lastError, name)
		}
		h.mu.Unlock()

		if err == nil {
			continue
		}
		failed[name] = err
		zap.L().Warn("monitoring: health probe failed", zap.String("target", name), zap.Error(err))
		if h.OnFailure != nil {
			h.OnFailure(name, err)
		}
	}
	return failed
}

// Unhealthy returns the last probe error per failing target.
func (h *HealthChecker) Unhealthy() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.lastError))
	for k, v := range h.lastError {
		out[k] = v
	}
	return out
}
