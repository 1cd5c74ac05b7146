package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// delayRecorder подменяет sleep: фиксирует задержки, не ожидая реального
// времени
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

func testConfig(maxAttempts int) Config {
	return Config{
		InitialDelay:        time.Second,
		MaxDelay:            30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0, // детерминированные задержки в тестах
		MaxAttempts:         maxAttempts,
	}
}

func newTestManager(cfg Config, dial DialFunc) (*Manager, *delayRecorder) {
	m := NewManager(cfg, dial, slog.New(slog.DiscardHandler))
	rec := &delayRecorder{}
	m.sleep = rec.sleep
	return m, rec
}

func TestRun_ExponentialBackoffUntilFailed(t *testing.T) {
	dialErr := errors.New("connection refused")
	m, rec := newTestManager(testConfig(4), func(ctx context.Context) error {
		return dialErr
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Задержки удваиваются от начальной; после исчерпания попыток пауз
	// больше нет
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.recorded())

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_DelaysCappedAtMax(t *testing.T) {
	cfg := testConfig(5)
	cfg.MaxDelay = 2 * time.Second

	m, rec := newTestManager(cfg, func(ctx context.Context) error {
		return errors.New("dial failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	delays := rec.recorded()
	require.Len(t, delays, 4)
	assert.Equal(t, time.Second, delays[0])
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "delays must not decrease")
		assert.LessOrEqual(t, delays[i], cfg.MaxDelay)
	}
}

// Пережившее соединение обнуляет и счётчик попыток, и задержки
func TestRun_SuccessResetsBackoff(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dial := func(dialCtx context.Context) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch {
		case n <= 2:
			return errors.New("dial failed")
		case n == 3:
			// Успешное соединение, сразу же оборванное
			return nil
		case n == 4:
			return errors.New("dial failed")
		default:
			cancel()
			return dialCtx.Err()
		}
	}

	m, rec := newTestManager(testConfig(10), dial)

	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// 1s, 2s — до успеха; после обрыва отсчёт начинается заново с 1s
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, rec.recorded())
}

func TestReconnect_RestartsFailedManager(t *testing.T) {
	var (
		mu      sync.Mutex
		blocked bool
	)
	dial := func(ctx context.Context) error {
		mu.Lock()
		shouldBlock := blocked
		mu.Unlock()
		if !shouldBlock {
			return errors.New("dial failed")
		}
		<-ctx.Done()
		return ctx.Err()
	}

	m, _ := newTestManager(testConfig(1), dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	blocked = true
	mu.Unlock()

	m.Reconnect()

	require.Eventually(t, func() bool {
		return m.State() == StateConnecting
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnect_NoopUnlessFailed(t *testing.T) {
	m, _ := newTestManager(testConfig(3), func(ctx context.Context) error {
		return errors.New("dial failed")
	})

	// До запуска менеджер в состоянии disconnected: Reconnect ничего не делает
	m.Reconnect()
	assert.Equal(t, StateDisconnected, m.State())
	select {
	case <-m.retry:
		t.Fatal("retry must not be triggered outside the failed state")
	default:
	}
}

func TestState_Transitions(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)

	m, _ := newTestManager(testConfig(2), func(ctx context.Context) error {
		return errors.New("dial failed")
	})
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateReconnecting, StateFailed}, states)
}
