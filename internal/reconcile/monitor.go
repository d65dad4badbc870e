package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Connectivity states.
const (
	StateUnknown = "unknown"
	StateOnline  = "online"
	StateOffline = "offline"
)

// Monitor derives connectivity from observed upstream outcomes and calls
// onRestore on every offline to online transition.
type Monitor struct {
	mu        sync.Mutex
	state     string
	changedAt time.Time
	onRestore func()
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor creates a monitor in the unknown state.
func NewMonitor(onRestore func(), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{state: StateUnknown, onRestore: onRestore, logger: logger, now: time.Now}
}

// Observe records the outcome of one upstream round trip.
func (m *Monitor) Observe(reachable bool) {
	m.mu.Lock()
	prev := m.state
	next := StateOffline
	if reachable {
		next = StateOnline
	}
	if prev != next {
		m.state = next
		m.changedAt = m.now()
	}
	m.mu.Unlock()

	if prev == next {
		return
	}
	m.logger.Info("connectivity changed", "from", prev, "to", next)
	if prev == StateOffline && next == StateOnline && m.onRestore != nil {
		m.onRestore()
	}
}

// State returns the current state and when it was entered.
func (m *Monitor) State() (string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.changedAt
}

// Online reports whether the last observed round trip reached upstream.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOnline
}

// Watch probes upstream every interval while offline, until ctx is
// cancelled. probe is expected to report its outcome through Observe,
// as upstream.Client does via its outcome callback.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probe func(ctx context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			offline := m.state == StateOffline
			m.mu.Unlock()
			if offline {
				probe(ctx)
			}
		}
	}
}
