// Package throttle enforces a client-side cooldown between task submissions.
// The state is local to the process; other dashboards are not coordinated.
package throttle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultCooldown = 5 * time.Second

// State is the read-only view exposed to the UI.
type State struct {
	Active           bool `json:"active"`
	SecondsRemaining int  `json:"seconds_remaining"`
}

type Throttle struct {
	clock    clockwork.Clock
	cooldown int

	mu        sync.Mutex
	active    bool
	remaining int
	stop      chan struct{}
	onChange  func(State)
}

// New returns a throttle counting down cooldown in whole seconds.
func New(clock clockwork.Clock, cooldown time.Duration) *Throttle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	seconds := int(cooldown / time.Second)
	if seconds < 1 {
		seconds = int(DefaultCooldown / time.Second)
	}

	return &Throttle{
		clock:    clock,
		cooldown: seconds,
	}
}

// OnChange registers fn to be called after every state change. It must not
// call back into the throttle.
func (t *Throttle) OnChange(fn func(State)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// TryAcquire starts a cooldown and returns true, or returns false without
// touching anything if a cooldown is already running.
func (t *Throttle) TryAcquire() bool {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return false
	}

	t.active = true
	t.remaining = t.cooldown
	t.stop = make(chan struct{})
	ticker := t.clock.NewTicker(time.Second)
	go t.countdown(ticker, t.stop)

	state, notify := t.stateLocked(), t.onChange
	t.mu.Unlock()

	if notify != nil {
		notify(state)
	}
	return true
}

func (t *Throttle) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stateLocked()
}

// Stop cancels a running cooldown. Used on session teardown.
func (t *Throttle) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	close(t.stop)
	t.active = false
	t.remaining = 0
	state, notify := t.stateLocked(), t.onChange
	t.mu.Unlock()

	if notify != nil {
		notify(state)
	}
}

func (t *Throttle) countdown(ticker clockwork.Ticker, stop chan struct{}) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if done := t.tick(stop); done {
				return
			}
		}
	}
}

func (t *Throttle) tick(stop chan struct{}) bool {
	t.mu.Lock()
	if t.stop != stop || !t.active {
		t.mu.Unlock()
		return true
	}

	t.remaining--
	if t.remaining <= 0 {
		t.remaining = 0
		t.active = false
	}
	done := !t.active
	state, notify := t.stateLocked(), t.onChange
	t.mu.Unlock()

	if notify != nil {
		notify(state)
	}
	return done
}

func (t *Throttle) stateLocked() State {
	return State{Active: t.active, SecondsRemaining: t.remaining}
}
