package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", maxFailures, reset)
	cb.now = clock.Now
	return cb, clock
}

var errBackend = errors.New("backend exploded")

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.GetState())
	}

	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}

	err := cb.Call(func() error { return nil }, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(false)

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(150 * time.Millisecond)

	require.True(t, cb.allowRequest(), "first trial after reset timeout")
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.False(t, cb.allowRequest(), "only one trial at a time")

	cb.RecordResult(true)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)

	cb.RecordResult(false)
	clock.Advance(150 * time.Millisecond)

	err := cb.Call(func() error { return errBackend }, nil)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IgnoredErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	clientErr := errors.New("bad input")

	err := cb.Call(func() error { return clientErr }, func(err error) bool {
		return !errors.Is(err, clientErr)
	})

	assert.ErrorIs(t, err, clientErr)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_IgnoredErrorDuringTrialKeepsHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(1, 100*time.Millisecond)
	cancelled := errors.New("caller went away")
	counts := func(err error) bool { return !errors.Is(err, cancelled) }

	cb.RecordResult(false)
	clock.Advance(150 * time.Millisecond)

	err := cb.Call(func() error { return cancelled }, counts)
	assert.ErrorIs(t, err, cancelled)
	assert.Equal(t, StateHalfOpen, cb.GetState(), "an abandoned trial proves nothing")

	// The slot is free again, so the next call tries the backend.
	err = cb.Call(func() error { return errBackend }, counts)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IgnoredErrorKeepsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	cancelled := errors.New("caller went away")
	counts := func(err error) bool { return !errors.Is(err, cancelled) }

	_ = cb.Call(func() error { return errBackend }, counts)
	_ = cb.Call(func() error { return cancelled }, counts)
	_ = cb.Call(func() error { return errBackend }, counts)

	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_StateChangeNotifications(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)

	var transitions []string
	cb.OnStateChange(func(name string, from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	cb.RecordResult(false)
	clock.Advance(2 * time.Second)
	_ = cb.Call(func() error { return nil }, nil)

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(10, time.Second)

	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requests, failures, rate := cb.GetStats()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, int64(4), requests)
	assert.Equal(t, int64(2), failures)
	assert.InDelta(t, 50.0, rate, 0.001)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)

	cb.RecordResult(false)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Call(func() error { return nil }, nil))
}
