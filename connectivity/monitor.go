// Package connectivity tracks whether the internet is reachable. The proxy
// only reads the flag; hosts feed it from platform notifications or let the
// monitor probe the network itself.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Monitor holds the current online/offline state. Reads are lock free and
// only a hint: a request racing a transition may see either value.
type Monitor struct {
	online  atomic.Bool
	logger  *zap.Logger
	probes  []Probe
	limiter *rate.Limiter

	mu        sync.Mutex
	listeners []func(online bool)
}

// NewMonitor returns a monitor that starts online.
func NewMonitor(logger *zap.Logger, probes ...Probe) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		logger:  logger,
		probes:  probes,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	m.online.Store(true)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records the network state and notifies subscribers on change.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	status := "OFFLINE"
	if online {
		status = "ONLINE"
	}
	m.logger.Info("network status change", zap.String("status", status))

	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
}

// Subscribe registers fn to be called after every state change.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Refresh runs the probes and updates the state. Calls arriving faster
// than once a second reuse the current state.
func (m *Monitor) Refresh(ctx context.Context) bool {
	if len(m.probes) == 0 || !m.limiter.Allow() {
		return m.Online()
	}

	for _, p := range m.probes {
		if err := p.Check(ctx); err != nil {
			m.logger.Debug("connectivity probe failed", zap.Error(err))
			m.SetOnline(false)
			return false
		}
	}
	m.SetOnline(true)
	return true
}

// Run refreshes the state every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
