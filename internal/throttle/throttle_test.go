package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

func setupTestThrottle(t *testing.T) (*Throttle, clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	th := New(clock, DefaultCooldown)
	t.Cleanup(th.Stop)

	return th, clock
}

// advanceSecond moves the clock one second and waits for the countdown to observe it.
func advanceSecond(t *testing.T, th *Throttle, clock clockwork.FakeClock, wantRemaining int) {
	t.Helper()

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return th.State().SecondsRemaining == wantRemaining
	}, waitFor, time.Millisecond)
}

func TestNewThrottle(t *testing.T) {
	th, _ := setupTestThrottle(t)

	assert.Equal(t, 5, th.cooldown)
	assert.Equal(t, State{}, th.State())
}

func TestNew_SubSecondCooldownUsesDefault(t *testing.T) {
	th := New(clockwork.NewFakeClock(), 200*time.Millisecond)

	assert.Equal(t, 5, th.cooldown)
}

func TestTryAcquire_SecondCallWithinCooldown(t *testing.T) {
	th, _ := setupTestThrottle(t)

	assert.True(t, th.TryAcquire())
	assert.Equal(t, State{Active: true, SecondsRemaining: 5}, th.State())

	assert.False(t, th.TryAcquire())
	assert.Equal(t, State{Active: true, SecondsRemaining: 5}, th.State())
}

func TestTryAcquire_RejectedCallLeavesCountdownAlone(t *testing.T) {
	th, clock := setupTestThrottle(t)

	require.True(t, th.TryAcquire())
	advanceSecond(t, th, clock, 4)
	advanceSecond(t, th, clock, 3)

	assert.False(t, th.TryAcquire())
	assert.Equal(t, State{Active: true, SecondsRemaining: 3}, th.State())
}

func TestCountdown_ExpiresAfterCooldown(t *testing.T) {
	th, clock := setupTestThrottle(t)

	require.True(t, th.TryAcquire())
	for remaining := 4; remaining >= 1; remaining-- {
		advanceSecond(t, th, clock, remaining)
		assert.True(t, th.State().Active)
	}

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return !th.State().Active
	}, waitFor, time.Millisecond)
	assert.Equal(t, 0, th.State().SecondsRemaining)

	assert.True(t, th.TryAcquire())
	assert.Equal(t, State{Active: true, SecondsRemaining: 5}, th.State())
}

func TestStop_CancelsCountdown(t *testing.T) {
	th, clock := setupTestThrottle(t)

	require.True(t, th.TryAcquire())
	th.Stop()

	assert.Equal(t, State{}, th.State())

	clock.Advance(time.Second)
	assert.Never(t, func() bool {
		return th.State() != State{}
	}, 50*time.Millisecond, 5*time.Millisecond)

	assert.True(t, th.TryAcquire())
}

func TestStop_WhenIdle(t *testing.T) {
	th, _ := setupTestThrottle(t)

	th.Stop()

	assert.Equal(t, State{}, th.State())
}

func TestOnChange(t *testing.T) {
	th, clock := setupTestThrottle(t)

	var (
		mu     sync.Mutex
		states []State
	)
	th.OnChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.True(t, th.TryAcquire())
	require.False(t, th.TryAcquire())
	advanceSecond(t, th, clock, 4)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		{Active: true, SecondsRemaining: 5},
		{Active: true, SecondsRemaining: 4},
	}, states)
}
