package probe

import (
	"context"
	"net"
	"sync"
	"time"
)

// Health is the reachability state reported by a Monitor.
type Health int

const (
	Healthy Health = iota
	Unreachable
)

func (h Health) String() string {
	if h == Unreachable {
		return "unreachable"
	}
	return "healthy"
}

// HealthEvent is emitted by Monitor when the endpoint's health changes.
type HealthEvent struct {
	Health    Health
	At        time.Time
	DownSince time.Time     // zero when Health == Healthy
	Outage    time.Duration // only set on recovery
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Addr          string
	Interval      time.Duration // default 5s
	Timeout       time.Duration // per-check dial timeout, default 1s
	FailThreshold int           // consecutive failures before Unreachable, default 2
	OnChange      func(HealthEvent)

	// Dial overrides the dialer, for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Monitor periodically dials a TCP endpoint and reports health changes via
// OnChange.
type Monitor struct {
	cfg         MonitorConfig
	mu          sync.RWMutex
	health      Health
	lastHealthy time.Time
	downSince   time.Time
	failCount   int
}

// NewMonitor creates a Monitor with defaults applied. The endpoint starts
// out Healthy; callers verify reachability first.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 2
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	return &Monitor{cfg: cfg, lastHealthy: time.Now()}
}

// Run checks the endpoint every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	conn, err := m.cfg.Dial(dialCtx, "tcp", m.cfg.Addr)
	if err != nil {
		if ctx.Err() == nil {
			m.recordFailure()
		}
		return
	}
	_ = conn.Close()
	m.recordSuccess()
}

func (m *Monitor) recordFailure() {
	m.mu.Lock()
	m.failCount++
	var evt *HealthEvent
	if m.failCount >= m.cfg.FailThreshold && m.health == Healthy {
		now := time.Now()
		m.health = Unreachable
		m.downSince = now
		evt = &HealthEvent{Health: Unreachable, At: now, DownSince: now}
	}
	m.mu.Unlock()

	if evt != nil && m.cfg.OnChange != nil {
		m.cfg.OnChange(*evt)
	}
}

func (m *Monitor) recordSuccess() {
	m.mu.Lock()
	now := time.Now()
	m.lastHealthy = now
	m.failCount = 0
	var evt *HealthEvent
	if m.health == Unreachable {
		evt = &HealthEvent{Health: Healthy, At: now, Outage: now.Sub(m.downSince)}
		m.health = Healthy
		m.downSince = time.Time{}
	}
	m.mu.Unlock()

	if evt != nil && m.cfg.OnChange != nil {
		m.cfg.OnChange(*evt)
	}
}

// Health returns the current health and the time of the last good check.
func (m *Monitor) Health() (Health, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health, m.lastHealthy
}
