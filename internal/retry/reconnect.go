// ABOUTME: Connection state tracking with backoff-driven reconnect delays
// ABOUTME: Used by the agent transport to report link health to the gateway

package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a reconnecting link.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager tracks link state and paces reconnect attempts.
type Manager struct {
	mu      sync.RWMutex
	state   State
	backoff *ExponentialBackoff
	stop    chan struct{}
	stopped bool
	logger  *slog.Logger
}

// NewManager creates a Manager in the Disconnected state. Pass nil logger for default.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		state:   StateDisconnected,
		backoff: NewExponential(cfg),
		stop:    make(chan struct{}),
		logger:  logger.With("component", "reconnect"),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempts returns the number of reconnect delays handed out since the last reset.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backoff.Attempts()
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", from.String(), "to", to.String())
}

// OnReconnecting marks a reconnect attempt in progress.
func (m *Manager) OnReconnecting() { m.setState(StateReconnecting) }

// OnFailed marks the link as permanently failed.
func (m *Manager) OnFailed() { m.setState(StateFailed) }

// OnConnected marks the link as up and resets the backoff.
func (m *Manager) OnConnected() {
	m.mu.Lock()
	m.backoff.Reset()
	m.mu.Unlock()
	m.setState(StateConnected)
}

// OnDisconnected moves a Connected link to Disconnected. Other states are
// left alone so an in-progress reconnect is not reported as idle.
func (m *Manager) OnDisconnected() {
	if m.State() == StateConnected {
		m.setState(StateDisconnected)
	}
}

// Wait blocks for the next reconnect delay. It returns false when the
// backoff is exhausted (the manager moves to Failed), when Stop was called,
// or when ctx is done.
func (m *Manager) Wait(ctx context.Context) bool {
	m.mu.Lock()
	delay, ok := m.backoff.Next()
	attempt := m.backoff.Attempts()
	stop := m.stop
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("max reconnection attempts exhausted")
		m.OnFailed()
		return false
	}

	m.logger.Debug("waiting before reconnection attempt", "delay", delay, "attempt", attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop wakes any pending Wait and makes later Waits return false.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		close(m.stop)
		m.stopped = true
	}
}
