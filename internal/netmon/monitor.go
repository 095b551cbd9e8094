// Package netmon tracks the node's connectivity to the authority and
// turns offline→online transitions into reconnect signals for the
// orchestrator.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger checks reachability of the authority.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the current connected state. The state can be fed
// explicitly by the network layer (SetConnected) or derived by the
// built-in prober. Both paths coalesce into a single reconnect channel.
type Monitor struct {
	mu        sync.RWMutex
	connected bool

	reconnects chan struct{}
}

// NewMonitor creates a monitor. Nodes start optimistically connected;
// the first failed probe or explicit signal corrects that.
func NewMonitor() *Monitor {
	return &Monitor{
		connected:  true,
		reconnects: make(chan struct{}, 1),
	}
}

// Connected reports the current connectivity state.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetConnected records a connectivity change. An offline→online
// transition emits one reconnect signal; repeated reports of the same
// state are no-ops.
func (m *Monitor) SetConnected(connected bool) {
	m.mu.Lock()
	wasConnected := m.connected
	m.connected = connected
	m.mu.Unlock()

	if connected == wasConnected {
		return
	}

	slog.Info("connectivity changed",
		"component", "netmon",
		"connected", connected,
	)

	if connected {
		// Non-blocking: one pending signal is enough to wake the loop.
		select {
		case m.reconnects <- struct{}{}:
		default:
		}
	}
}

// Reconnects returns the channel that fires on offline→online
// transitions. The channel has capacity one; signals coalesce.
func (m *Monitor) Reconnects() <-chan struct{} {
	return m.reconnects
}

// Probe runs a background reachability check against the authority on
// the given interval, flipping the connected state as results change.
// Blocks until ctx is cancelled.
func (m *Monitor) Probe(ctx context.Context, pinger Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.probeOnce(ctx, pinger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, pinger)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, pinger Pinger) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := pinger.Ping(probeCtx)
	m.SetConnected(err == nil)
}
