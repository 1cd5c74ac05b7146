// Package conn manages the client connection lifecycle: dialing,
// detecting loss, reconnecting with exponential backoff and giving up
// after a bounded number of attempts.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State describes the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String implements fmt.Stringer for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrMaxAttemptsExceeded is returned by Run when every reconnect attempt
// failed. The manager stays in StateFailed until Reconnect is called.
var ErrMaxAttemptsExceeded = errors.New("max reconnect attempts exceeded")

// DialFunc establishes a connection and blocks serving it until the
// connection is lost or ctx is cancelled. A nil return means the
// connection lived and ended normally: the manager reconnects with a
// fresh backoff. An error counts against the attempt budget.
type DialFunc func(ctx context.Context) error

// Config tunes the backoff policy.
type Config struct {
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         int
}

// DefaultConfig matches the protocol defaults: 1s initial delay doubling
// up to 30s, ten attempts before giving up.
func DefaultConfig() Config {
	return Config{
		InitialDelay:        time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		MaxAttempts:         10,
	}
}

// Manager drives a DialFunc through the lifecycle states. It knows nothing
// about documents or sessions; the dial callback re-joins rooms itself.
type Manager struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger

	// sleep подменяется в тестах, чтобы не ждать реальные задержки.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	onState func(State)
	retry   chan struct{}
}

// NewManager creates a lifecycle manager around dial.
func NewManager(cfg Config, dial DialFunc, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		sleep:  sleepCtx,
		retry:  make(chan struct{}, 1),
	}
}

// OnStateChange registers a callback invoked on every state transition.
// Must be called before Run.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnect resets a failed manager and triggers a fresh attempt cycle.
// It is a no-op in any other state.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return
	}
	select {
	case m.retry <- struct{}{}:
	default:
	}
}

// Run blocks driving the connection until ctx is cancelled. Each
// successful dial resets the backoff; after cfg.MaxAttempts consecutive
// failures the manager parks in StateFailed waiting for Reconnect.
func (m *Manager) Run(ctx context.Context) error {
	for {
		err := m.connectCycle(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			m.setState(StateDisconnected)
			return ctx.Err()
		case errors.Is(err, ErrMaxAttemptsExceeded):
			m.setState(StateFailed)
			m.logger.Error("connection failed permanently, waiting for manual reconnect",
				"attempts", m.cfg.MaxAttempts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.retry:
				// Ручной перезапуск цикла с чистым счётчиком попыток.
			}
		default:
			return err
		}
	}
}

// connectCycle runs one sequence of attempts: dial, serve, reconnect on
// loss. Returns ErrMaxAttemptsExceeded when the attempt budget runs out.
func (m *Manager) connectCycle(ctx context.Context) error {
	bo := m.newBackOff()
	attempts := 0
	reconnecting := false

	for {
		if reconnecting {
			m.setState(StateReconnecting)
		} else {
			m.setState(StateConnecting)
		}

		err := m.dial(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			attempts++
			if attempts >= m.cfg.MaxAttempts {
				return ErrMaxAttemptsExceeded
			}
			delay := bo.NextBackOff()
			m.logger.Warn("connection attempt failed",
				"attempt", attempts, "retry_in", delay, "error", err)
			if err := m.sleep(ctx, delay); err != nil {
				return err
			}
			reconnecting = true
			continue
		}

		// Соединение жило и оборвалось штатно: откат и счётчик попыток
		// начинаются заново.
		attempts = 0
		bo.Reset()
		reconnecting = true
	}
}

func (m *Manager) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialDelay
	bo.MaxInterval = m.cfg.MaxDelay
	bo.Multiplier = m.cfg.Multiplier
	bo.RandomizationFactor = m.cfg.RandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// MarkConnected is called by the dial callback once the handshake and
// room re-join are done.
func (m *Manager) MarkConnected() {
	m.setState(StateConnected)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
