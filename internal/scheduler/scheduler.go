// Package scheduler implements the optional time-windowed gate around
// the Worker Loop (spec.md §4.6): given a cron expression and a
// PROCESSING_HOURS budget, it computes the next fire time, sleeps until
// then, runs the wrapped loop with a check_timeout predicate that
// becomes true once the budget elapses, then repeats.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dinccey/distributed-batch-stt/internal/obslog"
)

// CheckTimeout reports whether the current processing window's budget
// has elapsed. Passed to the wrapped loop so it can exit its own
// iteration boundary cleanly rather than being preempted mid-task.
type CheckTimeout func() bool

// Run is the Worker Loop body, invoked once per processing window (or
// once, forever, if no cron expression is configured).
type Run func(ctx context.Context, checkTimeout CheckTimeout) error

// Config configures a Scheduler.
type Config struct {
	// CronExpr selects processing windows. Empty means "run
	// continuously" -- the Worker Loop runs once, without any
	// windowing (spec.md §4.6 "If no cron expression is configured,
	// the Worker Loop runs continuously").
	CronExpr string
	// ProcessingHours bounds the duration of one window.
	ProcessingHours time.Duration
	Logger          obslog.Logger
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
	// Sleep is overridable for tests; defaults to a context-aware
	// time.Sleep equivalent.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Scheduler gates Run invocations by CronExpr/ProcessingHours.
type Scheduler struct {
	cfg   Config
	sched cron.Schedule
	gated bool
}

// New parses cfg.CronExpr (if set) and returns a Scheduler. An empty
// CronExpr yields an ungated Scheduler whose Run executes continuously.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	s := &Scheduler{cfg: cfg}
	if cfg.CronExpr == "" {
		return s, nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse cron expression %q: %w", cfg.CronExpr, err)
	}
	s.sched = sched
	s.gated = true
	return s, nil
}

// Run drives run forever: if the Scheduler is ungated, run is invoked
// once with a checkTimeout that never returns true. If gated, Run
// sleeps until the next cron fire time, then invokes run with a
// checkTimeout bound to ProcessingHours, and repeats.
func (s *Scheduler) Run(ctx context.Context, run Run) error {
	if !s.gated {
		return run(ctx, func() bool { return false })
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := s.cfg.Now()
		next := s.sched.Next(now)
		wait := next.Sub(now)
		s.cfg.Logger.Info(&obslog.Record{Msg: "scheduler sleeping until next window", Details: next})
		if err := s.cfg.Sleep(ctx, wait); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		windowStart := s.cfg.Now()
		checkTimeout := func() bool {
			if s.cfg.ProcessingHours <= 0 {
				return false
			}
			return s.cfg.Now().Sub(windowStart) > s.cfg.ProcessingHours
		}
		if err := run(ctx, checkTimeout); err != nil && ctx.Err() == nil {
			s.cfg.Logger.Error(&obslog.Record{Msg: "processing window exited with error", Error: err})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
