// Package health keeps deployed models honest. A periodic sweep walks the
// ready roster, marks deployments whose worker died or whose inference error
// rate crossed the threshold, and triggers allocator bookkeeping when memory
// pressure calls for it. The monitor only ever flags; redeploying is the
// caller's decision.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/allocator"
	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/deployment"
	"github.com/evermind-ai/persona-server/internal/inference"
	"github.com/evermind-ai/persona-server/internal/types"
)

type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration

	// ErrorThreshold is the number of recent inference failures a ready
	// deployment may accumulate before it is marked degraded. The count
	// must exceed the threshold, not merely reach it.
	ErrorThreshold int

	// ErrorWindow bounds how far back failures count.
	ErrorWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		ErrorThreshold: 5,
		ErrorWindow:    5 * time.Minute,
	}
}

func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg.Health.IntervalSecs > 0 {
		c.Interval = cfg.Health.Interval()
	}
	if cfg.Health.ErrorThreshold > 0 {
		c.ErrorThreshold = cfg.Health.ErrorThreshold
	}
	if cfg.Health.ErrorWindowSecs > 0 {
		c.ErrorWindow = cfg.Health.ErrorWindow()
	}
	return c
}

// Report is the outcome of one sweep.
type Report struct {
	At        time.Time       `json:"at"`
	Ready     int             `json:"ready"`
	Dead      []string        `json:"dead,omitempty"`
	Degraded  []string        `json:"degraded,omitempty"`
	Optimized bool            `json:"optimized"`
	Memory    allocator.Stats `json:"memory"`
}

type Monitor struct {
	cfg    Config
	alloc  *allocator.Allocator
	fleet  *deployment.Manager
	errlog *inference.ErrorLog
	logger *zap.Logger

	mu      sync.Mutex
	last    Report
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewMonitor(cfg Config, alloc *allocator.Allocator, fleet *deployment.Manager, errlog *inference.ErrorLog, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = def.ErrorWindow
	}

	return &Monitor{
		cfg:    cfg,
		alloc:  alloc,
		fleet:  fleet,
		errlog: errlog,
		logger: logger.Named("health"),
	}
}

func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.loop(m.stopCh, m.doneCh)
	m.logger.Info("health monitor started", zap.Duration("interval", m.cfg.Interval))
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep runs one health pass and records the report.
func (m *Monitor) Sweep(ctx context.Context) Report {
	rep := Report{At: time.Now().UTC()}

	for _, info := range m.fleet.Roster() {
		if info.Status != types.DeploymentReady {
			continue
		}
		rep.Ready++

		if !m.fleet.WorkerAlive(info.ID) {
			m.logger.Warn("worker process died",
				zap.String("deployment_id", info.ID),
				zap.String("owner_user_id", info.OwnerUserID))
			if err := m.fleet.MarkError(ctx, info.ID, "worker process died"); err != nil {
				m.logger.Error("failed to mark dead deployment", zap.String("deployment_id", info.ID), zap.Error(err))
				continue
			}
			m.errlog.Forget(info.ID)
			rep.Dead = append(rep.Dead, info.ID)
			continue
		}

		if n := m.errlog.RecentCount(info.ID, m.cfg.ErrorWindow); n > m.cfg.ErrorThreshold {
			m.logger.Warn("deployment degraded",
				zap.String("deployment_id", info.ID),
				zap.Int("recent_errors", n),
				zap.Duration("window", m.cfg.ErrorWindow))
			cause := fmt.Sprintf("degraded: %d inference failures in %s", n, m.cfg.ErrorWindow)
			if err := m.fleet.MarkError(ctx, info.ID, cause); err != nil {
				m.logger.Error("failed to mark degraded deployment", zap.String("deployment_id", info.ID), zap.Error(err))
				continue
			}
			m.errlog.Forget(info.ID)
			rep.Degraded = append(rep.Degraded, info.ID)
		}
	}

	rep.Memory = m.alloc.Stats()
	if m.alloc.ShouldOptimize() {
		rep.Memory = m.alloc.Optimize(ctx)
		rep.Optimized = true
	}

	m.mu.Lock()
	m.last = rep
	m.mu.Unlock()

	return rep
}

// LastReport returns the most recent sweep result. The zero Report means no
// sweep has run yet.
func (m *Monitor) LastReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
