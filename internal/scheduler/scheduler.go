// Package scheduler runs the dashboard's recurring refresh cycle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nadmax/queuewatch/internal/logger"
)

const DefaultInterval = 3 * time.Second

// Cycle is one refresh. Cycles may overlap when a previous one is still
// waiting on the network.
type Cycle func(ctx context.Context)

type Scheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	cycle    Cycle

	mu       sync.Mutex
	stop     context.CancelFunc
	loopCtx  context.Context
	running  bool
	inFlight sync.WaitGroup
}

func New(clock clockwork.Clock, interval time.Duration, cycle Cycle) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Scheduler{
		clock:    clock,
		interval: interval,
		cycle:    cycle,
	}
}

// Start arms the ticker and returns. The first cycle runs one interval later.
// Calling Start while running is a no-op. Cycles inherit ctx's values and
// cancellation, but not Stop's.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	loopCtx, stop := context.WithCancel(ctx)
	s.loopCtx = loopCtx
	s.stop = stop
	s.running = true

	ticker := s.clock.NewTicker(s.interval)
	go s.loop(ctx, loopCtx, ticker)

	logger.Get(ctx).Debug().Dur("interval", s.interval).Msg("polling started")
}

// Stop prevents further ticks. A cycle already in flight finishes normally.
// Safe to call from inside a cycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.stop()
	s.running = false
	logger.Get(s.loopCtx).Debug().Msg("polling stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// Wait blocks until every cycle started so far has returned. Once Stop has
// returned no new cycle can start, so Stop followed by Wait drains the
// scheduler.
func (s *Scheduler) Wait() {
	s.inFlight.Wait()
}

// track counts a cycle as in flight unless the loop owning loopCtx has been
// stopped. Stop cancels loopCtx under the same lock, so a tick racing Stop
// either lands before it or never starts.
func (s *Scheduler) track(loopCtx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loopCtx.Err() != nil {
		return false
	}
	s.inFlight.Add(1)
	return true
}

func (s *Scheduler) loop(cycleCtx, loopCtx context.Context, ticker clockwork.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.Chan():
			if !s.track(loopCtx) {
				return
			}
			go func() {
				defer s.inFlight.Done()
				s.cycle(cycleCtx)
			}()
		}
	}
}
