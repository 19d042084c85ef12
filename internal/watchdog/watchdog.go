// Package watchdog supervises the scheduler engine: it keeps the tick loop
// alive, exposes a liveness signal for health checks, and runs the periodic
// status report and expiry sweep.
package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"thsrsniper/internal/engine"
	"thsrsniper/internal/thsr"
)

type Options struct {
	// Interval is the supervisory check period, independent of any task's
	// retry interval.
	Interval time.Duration
	// StallAfter is how old the engine's last tick may get before the
	// watchdog reports the loop as stalled.
	StallAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval:   time.Minute,
		StallAfter: 3 * time.Minute,
	}
}

type Watchdog struct {
	eng  *engine.Engine
	opts Options
	log  zerolog.Logger
	cron *cron.Cron

	lastHealthy atomic.Int64 // unix nanos of the last passing check
}

func New(eng *engine.Engine, opts Options, log zerolog.Logger) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = DefaultOptions().StallAfter
	}
	return &Watchdog{
		eng:  eng,
		opts: opts,
		log:  log,
		cron: cron.New(cron.WithLocation(thsr.Taiwan)),
	}
}

// Run starts the engine loop and supervises it until ctx is done. Escaping
// engine faults never terminate the process; a stopped loop is restarted.
func (w *Watchdog) Run(ctx context.Context) {
	w.launchEngine(ctx)

	// Status report every half hour; expiry sweep just after the Taiwan
	// date rollover, which is when departure dates actually lapse.
	_, _ = w.cron.AddFunc("@every 30m", func() { w.report(ctx) })
	_, _ = w.cron.AddFunc("5 0 * * *", func() { w.eng.SweepExpired(ctx, time.Now()) })
	w.cron.Start()
	defer w.cron.Stop()

	w.log.Info().Dur("interval", w.opts.Interval).Msg("watchdog started")

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("watchdog stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watchdog) launchEngine(ctx context.Context) {
	go func() {
		// A fault escaping the loop must never take the process down; the
		// next supervisory pass restarts the loop.
		defer func() {
			if r := recover(); r != nil {
				w.log.Error().Interface("panic", r).Msg("engine loop panicked")
			}
		}()
		err := w.eng.Run(ctx)
		if err != nil && !errors.Is(err, engine.ErrAlreadyRunning) {
			w.log.Error().Err(err).Msg("engine loop exited with error")
		}
	}()
}

// check is one supervisory pass: restart a stopped loop, flag a stalled
// one, stamp liveness otherwise.
func (w *Watchdog) check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !w.eng.Running() {
		w.log.Warn().Msg("engine loop stopped unexpectedly, restarting")
		w.launchEngine(ctx)
		return
	}
	last := w.eng.LastTick()
	if !last.IsZero() && time.Since(last) > w.opts.StallAfter {
		w.log.Error().Time("last_tick", last).Msg("engine loop stalled, restarting")
		w.eng.Stop()
		w.launchEngine(ctx)
		return
	}
	w.lastHealthy.Store(time.Now().UnixNano())
}

// Healthy reports whether the last supervisory check passed recently.
func (w *Watchdog) Healthy() bool {
	ns := w.lastHealthy.Load()
	if ns == 0 {
		// Before the first check, trust the engine's own flag.
		return w.eng.Running()
	}
	return time.Since(time.Unix(0, ns)) <= w.opts.Interval+w.opts.StallAfter
}

// LastSeen is the time of the last passing supervisory check.
func (w *Watchdog) LastSeen() time.Time {
	ns := w.lastHealthy.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (w *Watchdog) report(ctx context.Context) {
	stats, err := w.eng.Stats(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("status report failed")
		return
	}
	ev := w.log.Info().
		Bool("engine_running", stats.Running).
		Int("total_tasks", stats.Total).
		Int("in_flight", stats.InFlight)
	for status, n := range stats.ByStatus {
		ev = ev.Int("status_"+status, n)
	}
	ev.Msg("scheduler status report")
}
