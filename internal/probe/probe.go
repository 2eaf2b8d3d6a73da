// Package probe performs lightweight reachability checks against the
// backend's /health endpoint and runs the periodic connectivity monitor.
// The monitor is the only component that flips state back to online
// outside of a successful channel dial, so recovery hooks (queue replay,
// status broadcast) hang off it.
package probe

import (
	"context"
	"net/http"
	"time"

	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/logging"
)

// SettingsSource supplies the backend base address.
type SettingsSource interface {
	APIBase(ctx context.Context) string
}

// Config controls probe timing.
type Config struct {
	// CheckInterval is how often the monitor probes while online.
	CheckInterval time.Duration
	// AggressiveInterval is how often the monitor probes while offline.
	AggressiveInterval time.Duration
	// CheckTimeout bounds a single health probe.
	CheckTimeout time.Duration
	// WarmUpTimeout bounds the startup warm-up probe, which is allowed
	// to be slower than a routine check.
	WarmUpTimeout time.Duration
}

// DefaultConfig returns the standard monitor timing.
func DefaultConfig() Config {
	return Config{
		CheckInterval:      30 * time.Second,
		AggressiveInterval: 5 * time.Second,
		CheckTimeout:       3 * time.Second,
		WarmUpTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.AggressiveInterval <= 0 {
		c.AggressiveInterval = d.AggressiveInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.WarmUpTimeout <= 0 {
		c.WarmUpTimeout = d.WarmUpTimeout
	}
	return c
}

// Monitor owns the health-probe loop. OnRecover fires on every
// offline-to-online transition; OnStatusChange fires on every transition
// in either direction.
type Monitor struct {
	cfg      Config
	settings SettingsSource
	state    *connstate.State
	client   *http.Client
	logger   logging.Logger

	// OnRecover and OnStatusChange are invoked synchronously from the
	// probing goroutine and must not block.
	OnRecover      func()
	OnStatusChange func(online bool)
}

// NewMonitor creates a Monitor. state is shared with the channel client.
func NewMonitor(cfg Config, settings SettingsSource, state *connstate.State, logger logging.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewStdoutLogger("Probe")
	}
	return &Monitor{
		cfg:      cfg,
		settings: settings,
		state:    state,
		client:   &http.Client{},
		logger:   logger,
	}
}

// Check probes /health once and updates the shared state. It reports
// whether the backend answered with a success status.
func (m *Monitor) Check(ctx context.Context) bool {
	wasOnline := m.state.Snapshot().IsOnline
	ok := m.probe(ctx, m.cfg.CheckTimeout)

	if ok {
		m.state.MarkOnline()
		if !wasOnline {
			m.logger.Info("backend reachable again")
			if m.OnRecover != nil {
				m.OnRecover()
			}
			if m.OnStatusChange != nil {
				m.OnStatusChange(true)
			}
		}
		return true
	}

	m.state.MarkOffline()
	if wasOnline {
		m.logger.Warn("backend unreachable")
		if m.OnStatusChange != nil {
			m.OnStatusChange(false)
		}
	}
	return false
}

// WarmUp performs the startup probe. Unlike Check it never fires hooks:
// it only primes connectivity and records the result.
func (m *Monitor) WarmUp(ctx context.Context) {
	if m.probe(ctx, m.cfg.WarmUpTimeout) {
		m.state.MarkOnline()
		return
	}
	m.state.MarkOffline()
}

func (m *Monitor) probe(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.settings.APIBase(ctx)+"/health", nil)
	if err != nil {
		return false
	}
	res, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// Run blocks probing the backend until ctx is canceled. It checks
// immediately, follows up with a warm-up, then reprobes on an interval
// that tightens while the backend is unreachable.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	m.WarmUp(ctx)

	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.Check(ctx)
			timer.Reset(m.nextInterval())
		}
	}
}

func (m *Monitor) nextInterval() time.Duration {
	if m.state.Snapshot().IsOnline {
		return m.cfg.CheckInterval
	}
	return m.cfg.AggressiveInterval
}
