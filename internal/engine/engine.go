// Package engine drives booking tasks through their lifecycle: it owns the
// tick loop, the per-task single-flight lock, all state transitions, and
// the invocation of the booking runner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"thsrsniper/internal/booking"
	"thsrsniper/internal/domain"
	"thsrsniper/internal/store"
)

// ErrAlreadyRunning is returned by Run when the tick loop is live.
var ErrAlreadyRunning = errors.New("engine loop already running")

type Options struct {
	// Tick is the period of the scan over non-terminal tasks.
	Tick time.Duration
	// AttemptTimeout bounds one booking-runner call. A call exceeding it is
	// recorded as a failed attempt with reason "timeout" and its slot freed.
	AttemptTimeout time.Duration
	// MaxWorkers caps concurrent in-flight attempts across all tasks.
	MaxWorkers int
	// ConflictRetries bounds re-read-and-retry on optimistic write conflicts.
	ConflictRetries int
}

func DefaultOptions() Options {
	return Options{
		Tick:            30 * time.Second,
		AttemptTimeout:  5 * time.Minute,
		MaxWorkers:      4,
		ConflictRetries: 3,
	}
}

// Stats is a point-in-time view of the engine and its tasks.
type Stats struct {
	Running  bool           `json:"running"`
	Total    int            `json:"total_tasks"`
	ByStatus map[string]int `json:"status_breakdown"`
	InFlight int            `json:"in_flight"`
	LastTick time.Time      `json:"last_tick"`
}

type Engine struct {
	store     store.Store
	attempter booking.Attempter
	opts      Options
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	stopC    chan struct{}

	sem      chan struct{}
	running  atomic.Bool
	lastTick atomic.Int64 // unix nanos of the last completed tick
	wg       sync.WaitGroup
}

func New(st store.Store, att booking.Attempter, opts Options, log zerolog.Logger) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = DefaultOptions().Tick
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultOptions().AttemptTimeout
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultOptions().MaxWorkers
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = DefaultOptions().ConflictRetries
	}
	return &Engine{
		store:     st,
		attempter: att,
		opts:      opts,
		log:       log,
		inflight:  make(map[string]struct{}),
		sem:       make(chan struct{}, opts.MaxWorkers),
	}
}

// Run drives the tick loop until ctx is done. Only one loop may be live at
// a time; the watchdog restarts it if it stops unexpectedly.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.mu.Lock()
	e.stopC = make(chan struct{})
	stopC := e.stopC
	e.mu.Unlock()

	// Loop start counts as a tick, so a restart is not instantly re-flagged
	// as stalled off the previous loop's clock.
	e.lastTick.Store(time.Now().UnixNano())

	if err := e.recoverStale(ctx); err != nil {
		e.log.Error().Err(err).Msg("stale task recovery failed")
	}

	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()

	e.log.Info().Dur("tick", e.opts.Tick).Msg("engine loop started")
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.log.Info().Msg("engine loop stopped")
			return nil
		case <-stopC:
			e.wg.Wait()
			e.log.Info().Msg("engine loop stopped")
			return nil
		case now := <-ticker.C:
			e.RunTick(ctx, now)
		}
	}
}

// Stop ends the current loop. A later Run may start it again.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopC == nil {
		return
	}
	select {
	case <-e.stopC:
	default:
		close(e.stopC)
	}
}

// Running reports whether the tick loop is live.
func (e *Engine) Running() bool { return e.running.Load() }

// LastTick is the completion time of the most recent tick, stamped also at
// loop start, zero before the first Run. The watchdog uses it as the
// liveness signal.
func (e *Engine) LastTick() time.Time {
	ns := e.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// recoverStale returns tasks left in running state by a previous process to
// pending so they become eligible again. The in-memory lock set starts
// empty, so nothing is actually in flight for them.
func (e *Engine) recoverStale(ctx context.Context) error {
	running := domain.StatusRunning
	tasks, err := e.store.List(ctx, store.Filter{Status: &running})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		err := e.applyTransition(ctx, t.ID, func(cur *domain.Task) bool {
			if cur.Status != domain.StatusRunning {
				return false
			}
			cur.Status = domain.StatusPending
			return true
		})
		if err != nil {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to recover stale task")
			continue
		}
		e.log.Info().Str("task_id", t.ID).Msg("recovered stale running task")
	}
	return nil
}

// RunTick scans all non-terminal tasks once, applying the eligibility chain
// (expiry, cancellation, interval) and dispatching due tasks to workers.
// It never blocks on an individual attempt.
func (e *Engine) RunTick(ctx context.Context, now time.Time) {
	defer e.lastTick.Store(time.Now().UnixNano())

	tasks, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		e.log.Error().Err(err).Msg("tick: listing tasks failed")
		return
	}

	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if e.isInFlight(t.ID) {
			// Attempt still running from an earlier tick; single-flight
			// makes this tick a no-op for the task.
			continue
		}
		e.checkTask(ctx, t, now)
	}
}

// SweepExpired applies only the expiry transition across all live tasks,
// without dispatching attempts. The watchdog runs it just after the date
// rollover so stale tasks don't wait for their next tick to be marked.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) {
	tasks, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		e.log.Error().Err(err).Msg("expiry sweep: listing tasks failed")
		return
	}
	for _, t := range tasks {
		if t.Status.Terminal() || e.isInFlight(t.ID) {
			continue
		}
		if t.Expired(now) {
			e.terminate(ctx, t.ID, domain.StatusExpired, "departure date has passed")
		}
	}
}

func (e *Engine) checkTask(ctx context.Context, t *domain.Task, now time.Time) {
	switch {
	case t.Expired(now):
		e.terminate(ctx, t.ID, domain.StatusExpired, "departure date has passed")
	case t.CancelRequested:
		e.terminate(ctx, t.ID, domain.StatusCancelled, "")
	case t.AttemptsExhausted():
		e.terminate(ctx, t.ID, domain.StatusFailed, "maximum attempts reached")
	case t.Due(now):
		e.dispatch(ctx, t)
	}
}

// terminate moves a non-terminal task to a terminal status. No attempt is
// consumed.
func (e *Engine) terminate(ctx context.Context, id string, status domain.Status, reason string) {
	err := e.applyTransition(ctx, id, func(cur *domain.Task) bool {
		if cur.Status.Terminal() {
			return false
		}
		cur.Status = status
		if reason != "" {
			cur.LastError = reason
		}
		return true
	})
	if err != nil {
		e.log.Error().Err(err).Str("task_id", id).Str("to", string(status)).Msg("terminal transition failed")
		return
	}
	e.log.Info().Str("task_id", id).Str("status", string(status)).Msg("task reached terminal state")
}

// dispatch acquires the task's single-flight slot and hands the attempt to
// a worker goroutine. The tick driver returns immediately.
func (e *Engine) dispatch(ctx context.Context, t *domain.Task) {
	if !e.tryAcquire(t.ID) {
		return
	}
	e.wg.Add(1)
	go func(task *domain.Task) {
		defer e.wg.Done()
		defer e.release(task.ID)
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Str("task_id", task.ID).Msg("attempt worker panicked")
			}
		}()

		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return
		}
		e.attempt(ctx, task)
	}(t.Clone())
}

// attempt runs one booking attempt end to end: pending→running, the runner
// call, then the completion transition.
func (e *Engine) attempt(ctx context.Context, t *domain.Task) {
	started := time.Now().UTC()
	var attemptNo int
	err := e.applyTransition(ctx, t.ID, func(cur *domain.Task) bool {
		if cur.Status.Terminal() || cur.CancelRequested || cur.AttemptsExhausted() {
			return false
		}
		cur.Status = domain.StatusRunning
		cur.Attempts++
		cur.LastAttemptAt = &started
		attemptNo = cur.Attempts
		return true
	})
	if err != nil {
		e.log.Error().Err(err).Str("task_id", t.ID).Msg("could not mark task running")
		return
	}
	if attemptNo == 0 {
		// Lost eligibility between the tick and the write.
		return
	}

	log := e.log.With().Str("task_id", t.ID).Int("attempt", attemptNo).Logger()
	log.Info().
		Int("from", t.Journey.FromStation).
		Int("to", t.Journey.ToStation).
		Str("date", t.Journey.Date).
		Msg("booking attempt started")

	out, transient, reason := e.callRunner(ctx, t.Journey)
	e.complete(ctx, t.ID, out, transient, reason, log)
}

// callRunner invokes the attempter under the attempt ceiling. A later
// result from a timed-out call is discarded; releasing the single-flight
// slot must never wait on a stuck runner.
func (e *Engine) callRunner(ctx context.Context, params domain.JourneyParams) (out booking.Outcome, transient bool, reason string) {
	actx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	type result struct {
		out booking.Outcome
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("booking runner panicked: %v", r)}
			}
		}()
		o, err := e.attempter.Attempt(actx, params)
		ch <- result{out: o, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return booking.Outcome{}, booking.IsTransient(r.err), r.err.Error()
		}
		if !r.out.OK && r.out.Reason == "" {
			r.out.Reason = "booking failed"
		}
		return r.out, false, r.out.Reason
	case <-actx.Done():
		return booking.Outcome{}, false, "timeout"
	}
}

// complete applies the post-attempt transition. Cancellation requested
// while the attempt was in flight wins over the attempt's own outcome.
func (e *Engine) complete(ctx context.Context, id string, out booking.Outcome, transient bool, reason string, log zerolog.Logger) {
	err := e.applyTransition(ctx, id, func(cur *domain.Task) bool {
		if cur.Status.Terminal() {
			return false
		}
		switch {
		case cur.CancelRequested:
			cur.Status = domain.StatusCancelled
			if out.OK {
				cur.LastError = "cancelled; final attempt had succeeded with PNR " + out.PNR
			} else if reason != "" {
				cur.LastError = reason
			}
		case out.OK:
			cur.Status = domain.StatusSuccess
			cur.Result = out.PNR
			cur.LastError = ""
		default:
			cur.LastError = reason
			if cur.AttemptsExhausted() {
				cur.Status = domain.StatusFailed
			} else {
				cur.Status = domain.StatusPending
			}
		}
		return true
	})
	if err != nil {
		log.Error().Err(err).Msg("completion transition failed")
		return
	}

	switch {
	case out.OK:
		log.Info().Str("pnr", out.PNR).Msg("booking attempt succeeded")
	case transient:
		log.Warn().Bool("transient", true).Str("reason", reason).Msg("booking attempt failed")
	default:
		log.Warn().Str("reason", reason).Msg("booking attempt failed")
	}
}

// applyTransition re-reads the task, applies mutate to the fresh copy and
// writes it back, retrying on optimistic-write conflicts up to the
// configured bound. mutate returning false abandons the transition.
func (e *Engine) applyTransition(ctx context.Context, id string, mutate func(*domain.Task) bool) error {
	var lastErr error
	for i := 0; i <= e.opts.ConflictRetries; i++ {
		cur, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !mutate(cur) {
			return nil
		}
		err = e.store.Update(ctx, cur)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (e *Engine) tryAcquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inflight[id]; held {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func (e *Engine) isInFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, held := e.inflight[id]
	return held
}

// Stats summarizes the engine and its tasks for the facade and watchdog.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	tasks, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Running:  e.Running(),
		Total:    len(tasks),
		ByStatus: make(map[string]int),
		LastTick: e.LastTick(),
	}
	for _, t := range tasks {
		s.ByStatus[string(t.Status)]++
	}
	e.mu.Lock()
	s.InFlight = len(e.inflight)
	e.mu.Unlock()
	return s, nil
}
