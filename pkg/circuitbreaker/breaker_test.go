package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("relay", true, threshold, 10*time.Second, time.Minute)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreakerTrips(t *testing.T) {
	cb, _ := newTestBreaker(3)

	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.IsOpen())
	assert.True(t, cb.RecordFailure())
	assert.True(t, cb.IsOpen())
	assert.Equal(t, StateOpen, cb.Status())
}

func TestCircuitBreakerWindow(t *testing.T) {
	cb, clock := newTestBreaker(2)

	cb.RecordFailure()
	clock.Advance(11 * time.Second)
	assert.False(t, cb.RecordFailure(), "failure outside the window starts a new streak")

	count, _, _, _ := cb.GetState()
	assert.Equal(t, 1, count)
}

func TestCircuitBreakerResetTimeout(t *testing.T) {
	cb, clock := newTestBreaker(1)

	var transitions []bool
	cb.OnStateChange(func(name string, open bool) {
		assert.Equal(t, "relay", name)
		transitions = append(transitions, open)
	})

	require.True(t, cb.RecordFailure())
	clock.Advance(30 * time.Second)
	assert.True(t, cb.IsOpen())
	clock.Advance(31 * time.Second)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestCircuitBreakerSuccessClearsStreak(t *testing.T) {
	cb, _ := newTestBreaker(2)

	cb.RecordFailure()
	cb.RecordSuccess()
	assert.False(t, cb.RecordFailure())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker("oneclick", false, 1, time.Second, time.Second)
	assert.False(t, cb.RecordFailure())
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateDisabled, cb.Status())
}

func TestSet(t *testing.T) {
	var opened []string
	var mu sync.Mutex
	s := NewSet(true, 1, time.Minute, time.Minute, func(name string, open bool) {
		mu.Lock()
		defer mu.Unlock()
		if open {
			opened = append(opened, name)
		}
	})

	assert.Same(t, s.Get("relay"), s.Get("relay"))
	_, ok := s.Lookup("oneclick")
	assert.False(t, ok)

	s.Get("oneclick").RecordFailure()
	assert.Equal(t, map[string]State{"oneclick": StateOpen, "relay": StateClosed}, s.States())
	assert.Equal(t, []string{"oneclick"}, opened)

	s.Get("oneclick").Reset()
	assert.Equal(t, StateClosed, s.States()["oneclick"])
}
