package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

// fakeClock lets tests move past Config.Timeout without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New("directory", cfg)
	cb.now = clock.Now
	cb.stateChangeTime = clock.Now()
	return cb, clock
}

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 2,
	}
}

func fail() error { return errBackend }

func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Contains(t, err.Error(), "directory")
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.NoError(t, cb.Execute(ctx, succeed))
	require.Error(t, cb.Execute(ctx, fail))

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenCloses(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(testConfig())
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Error(t, cb.Execute(ctx, fail))
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsHalfOpen = 1
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Error(t, cb.Execute(ctx, fail))
	clock.Advance(time.Second)

	inProbe := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(inProbe)
			<-finish
			return nil
		})
	}()
	<-inProbe

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
	close(finish)
	assert.NoError(t, <-done)
}

func TestCircuitBreaker_CancelledCallsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())

	// an already cancelled context never reaches the backend
	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCall_ReturnsResult(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx := context.Background()

	got, err := Call(ctx, cb, func() (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Call(ctx, cb, func() (bool, error) { return true, errBackend })
	assert.ErrorIs(t, err, errBackend)
	assert.False(t, got, "result is dropped on error")
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	var transitions atomic.Int32
	changed := make(chan [2]State, 4)
	cb.OnStateChange(func(from, to State) {
		transitions.Add(1)
		changed <- [2]State{from, to}
	})

	ctx := context.Background()
	require.Error(t, cb.Execute(ctx, fail))
	require.Error(t, cb.Execute(ctx, fail))

	select {
	case c := <-changed:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, c)
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}
	assert.Equal(t, int32(1), transitions.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
