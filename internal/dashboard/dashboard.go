package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nadmax/queuewatch/internal/capacity"
	"github.com/nadmax/queuewatch/internal/client"
	"github.com/nadmax/queuewatch/internal/logger"
	"github.com/nadmax/queuewatch/internal/metrics"
	"github.com/nadmax/queuewatch/internal/scheduler"
	"github.com/nadmax/queuewatch/internal/task"
	"github.com/nadmax/queuewatch/internal/throttle"
)

// ErrThrottled is matched by every *ThrottledError.
var ErrThrottled = errors.New("submission cooldown active")

type ThrottledError struct {
	State throttle.State
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s: %ds remaining", ErrThrottled, e.State.SecondsRemaining)
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

type TaskService interface {
	ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error)
	CreateTask(ctx context.Context, number int) error
	CancelTask(ctx context.Context, id task.ID) error
}

type QueueStatusService interface {
	QueueStatus(ctx context.Context) (client.QueueStatus, error)
}

type CapacityCollector interface {
	Collect(ctx context.Context, endpoints []string) capacity.Snapshot
}

// SessionStore is told when the backend rejects the session token.
type SessionStore interface {
	OnUnauthorized(ctx context.Context)
}

// Renderer is the output boundary. Render receives each cycle's view;
// RenderThrottle receives every cooldown change.
type Renderer interface {
	Render(v View)
	RenderThrottle(s throttle.State)
}

type Deps struct {
	Tasks    TaskService
	Queue    QueueStatusService
	Capacity CapacityCollector
	Session  SessionStore
	Renderer Renderer
}

type Options struct {
	Clock        clockwork.Clock
	PollInterval time.Duration
	Cooldown     time.Duration
	Endpoints    []string
}

// Dashboard is one logged-in session: it owns the view filter, the capacity
// endpoint list, the polling scheduler and the submission throttle. Build one
// per login and Close it on logout.
type Dashboard struct {
	deps      Deps
	clock     clockwork.Clock
	scheduler *scheduler.Scheduler
	throttle  *throttle.Throttle

	mu        sync.RWMutex
	filter    task.Filter
	endpoints []string
	closed    bool
}

func New(deps Deps, opts Options) *Dashboard {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	d := &Dashboard{
		deps:      deps,
		clock:     clock,
		throttle:  throttle.New(clock, opts.Cooldown),
		filter:    task.FilterAll,
		endpoints: append([]string(nil), opts.Endpoints...),
	}
	d.scheduler = scheduler.New(clock, opts.PollInterval, d.cycle)
	d.throttle.OnChange(func(s throttle.State) {
		metrics.SetThrottleActive(s.Active)
		d.deps.Renderer.RenderThrottle(s)
	})

	return d
}

// Open renders once immediately and then starts polling. An unauthorized
// first refresh tears the session down and polling is not started.
func (d *Dashboard) Open(ctx context.Context) error {
	err := d.Refresh(ctx)
	if errors.Is(err, client.ErrUnauthorized) {
		return err
	}
	if d.isClosed() {
		return nil
	}

	d.scheduler.Start(ctx)
	return nil
}

// Close stops polling and the cooldown. A cycle already in flight completes
// but its view is discarded.
func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.scheduler.Stop()
	d.throttle.Stop()
}

// Wait blocks until in-flight polling cycles have returned.
func (d *Dashboard) Wait() {
	d.scheduler.Wait()
}

func (d *Dashboard) Polling() bool {
	return d.scheduler.Running()
}

func (d *Dashboard) Filter() task.Filter {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.filter
}

// SetFilter switches the view and refreshes right away.
func (d *Dashboard) SetFilter(ctx context.Context, f task.Filter) error {
	d.mu.Lock()
	d.filter = f
	d.mu.Unlock()

	return d.Refresh(ctx)
}

func (d *Dashboard) Endpoints() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]string(nil), d.endpoints...)
}

// SetEndpoints replaces the capacity probe list; the next cycle uses it.
func (d *Dashboard) SetEndpoints(endpoints []string) {
	d.mu.Lock()
	d.endpoints = append([]string(nil), endpoints...)
	d.mu.Unlock()
}

func (d *Dashboard) ThrottleState() throttle.State {
	return d.throttle.State()
}

func (d *Dashboard) cycle(ctx context.Context) {
	_ = d.Refresh(ctx)
}

// Refresh runs one cycle: capacity snapshot, task list, derive, render.
// Unauthorized stops polling and logs the session out; anything else is
// logged and left for the next tick.
func (d *Dashboard) Refresh(ctx context.Context) error {
	start := d.clock.Now()
	log := logger.Get(ctx)

	snap := d.deps.Capacity.Collect(ctx, d.Endpoints())

	filter := d.Filter()
	tasks, err := d.deps.Tasks.ListTasks(ctx, filter)
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			metrics.RecordCycle(metrics.CycleUnauthorized, d.clock.Since(start))
			d.handleUnauthorized(ctx)
			return err
		}

		log.Warn().Err(err).Str("filter", string(filter)).Msg("failed to load tasks")
		metrics.RecordCycle(metrics.CycleFailed, d.clock.Since(start))
		return err
	}

	view := Derive(tasks, snap, filter, d.clock.Now())

	qs, err := d.deps.Queue.QueueStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load queue status")
	} else {
		view.Banner = bannerFrom(qs)
	}
	view.Throttle = d.throttle.State()

	if d.isClosed() {
		log.Debug().Msg("session closed, dropping view")
		return nil
	}

	d.deps.Renderer.Render(view)

	metrics.UpdateTasksDisplayed(view.Stats.ByStatus())
	for _, tv := range view.Tasks {
		if tv.LocalEstimate {
			metrics.RecordEstimatedWait(tv.EstimatedFor)
		}
	}
	metrics.RecordCycle(metrics.CycleOK, d.clock.Since(start))

	log.Debug().
		Int("tasks", len(view.Tasks)).
		Int("servers", view.Servers).
		Str("filter", string(filter)).
		Msg("view refreshed")
	return nil
}

func (d *Dashboard) handleUnauthorized(ctx context.Context) {
	d.scheduler.Stop()
	d.deps.Session.OnUnauthorized(ctx)
}

// Submit validates number, applies the cooldown and creates the task. A
// successful submission refreshes the view.
func (d *Dashboard) Submit(ctx context.Context, number int) error {
	log := logger.Get(ctx)

	if err := client.ValidateNumber(number); err != nil {
		log.Debug().Err(err).Int("number", number).Msg("rejected task input")
		metrics.RecordSubmission(metrics.SubmitInvalid)
		return err
	}

	if !d.throttle.TryAcquire() {
		metrics.RecordSubmission(metrics.SubmitThrottled)
		return &ThrottledError{State: d.throttle.State()}
	}

	if err := d.deps.Tasks.CreateTask(ctx, number); err != nil {
		var ve *client.ValidationError
		switch {
		case errors.Is(err, client.ErrUnauthorized):
			metrics.RecordSubmission(metrics.SubmitFailed)
			d.handleUnauthorized(ctx)
		case errors.As(err, &ve):
			log.Debug().Err(err).Int("number", number).Msg("backend rejected task")
			metrics.RecordSubmission(metrics.SubmitInvalid)
		default:
			log.Warn().Err(err).Int("number", number).Msg("failed to create task")
			metrics.RecordSubmission(metrics.SubmitFailed)
		}
		return err
	}

	metrics.RecordSubmission(metrics.SubmitAccepted)
	log.Info().Int("number", number).Msg("task submitted")

	_ = d.Refresh(ctx)
	return nil
}

// Cancel asks the backend to cancel id and refreshes on success.
func (d *Dashboard) Cancel(ctx context.Context, id task.ID) error {
	if err := d.deps.Tasks.CancelTask(ctx, id); err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			d.handleUnauthorized(ctx)
			return err
		}
		logger.Get(ctx).Warn().Err(err).Str("task_id", string(id)).Msg("failed to cancel task")
		return err
	}

	logger.Get(ctx).Info().Str("task_id", string(id)).Msg("task cancelled")
	_ = d.Refresh(ctx)
	return nil
}

func (d *Dashboard) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.closed
}
