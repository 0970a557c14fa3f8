// Package scheduler drives the reconciler and the queue opener on a cron
// cadence and runs out-of-band reconciliation for push notifications.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	appLog "qm/internal/log"
	"qm/internal/model"
	"qm/internal/queues"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context, cal model.Calendar) (queues.Result, error)
	ReconcileByID(ctx context.Context, externalID string) (queues.Result, error)
}

// Opener runs one queue opener pass.
type Opener interface {
	OpenDue(ctx context.Context, now time.Time) (queues.OpenResult, error)
}

// CalendarLister lists the calendars to reconcile on every tick.
type CalendarLister interface {
	ListCalendars(ctx context.Context) ([]model.Calendar, error)
}

// Renewer renews push channels.
type Renewer interface {
	RenewAll(ctx context.Context) (int, error)
}

// ErrStopped is returned when work is submitted after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Options configure a Scheduler.
type Options struct {
	// Tick is the cron spec of the reconcile and open cadence.
	Tick string
	// WatchRenew is the cron spec of push channel renewal. Ignored without a
	// Renewer.
	WatchRenew string
	Location   *time.Location
	Now        func() time.Time
}

// Scheduler owns the cron loop. Every tick opens due queues and dispatches a
// reconciliation per calendar; a slow pass never delays the next tick.
type Scheduler struct {
	reconciler Reconciler
	opener     Opener
	calendars  CalendarLister
	renewer    Renewer

	opts Options
	cron *cron.Cron

	// Jobs run on a context that is not cancelled by Stop so in-flight
	// handlers finish their store mutations.
	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex // guards stopped and wg.Add
	stopped bool
}

// New returns a Scheduler. renewer may be nil.
func New(rec Reconciler, opener Opener, cals CalendarLister, renewer Renewer, opts Options) *Scheduler {
	if opts.Tick == "" {
		opts.Tick = "* * * * *"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := cronLogger{}
	return &Scheduler{
		reconciler: rec,
		opener:     opener,
		calendars:  cals,
		renewer:    renewer,
		opts:       opts,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		ctx: context.Background(),
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	// Overlapping opener passes could open one queue twice.
	openJob := cron.NewChain(cron.SkipIfStillRunning(cronLogger{})).Then(cron.FuncJob(s.openTick))
	if _, err := s.cron.AddJob(s.opts.Tick, openJob); err != nil {
		return fmt.Errorf("schedule opener %q: %w", s.opts.Tick, err)
	}
	if _, err := s.cron.AddFunc(s.opts.Tick, s.reconcileTick); err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", s.opts.Tick, err)
	}
	if s.renewer != nil && s.opts.WatchRenew != "" {
		renewJob := cron.NewChain(cron.SkipIfStillRunning(cronLogger{})).Then(cron.FuncJob(s.renewTick))
		if _, err := s.cron.AddJob(s.opts.WatchRenew, renewJob); err != nil {
			return fmt.Errorf("schedule watch renewal %q: %w", s.opts.WatchRenew, err)
		}
	}

	s.cron.Start()
	appLog.Info("scheduler started", "tick", s.opts.Tick, "watch_renew", s.opts.WatchRenew)
	return nil
}

// Stop stops the cron loop and waits for running jobs and dispatched passes
// until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	appLog.Info("stopping scheduler")
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running passes: %w", ctx.Err())
	}
}

// ReconcileNow starts a pass for one calendar in the background and returns
// immediately.
func (s *Scheduler) ReconcileNow(calendarExternalID string) error {
	return s.dispatch(func(ctx context.Context) {
		if _, err := s.reconciler.ReconcileByID(ctx, calendarExternalID); err != nil {
			appLog.Error("reconcile now failed", err, "calendar", calendarExternalID)
		}
	})
}

// ReconcileAll reconciles every known calendar concurrently and waits for
// all passes.
func (s *Scheduler) ReconcileAll(ctx context.Context) ([]queues.Result, error) {
	cals, err := s.calendars.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]queues.Result, len(cals))
	errs := make([]error, len(cals))
	var wg sync.WaitGroup
	for i, cal := range cals {
		i, cal := i, cal
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.reconciler.Reconcile(ctx, cal)
		}()
	}
	wg.Wait()

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return results, merr.ErrorOrNil()
}

// OpenDue runs one opener pass for the current minute.
func (s *Scheduler) OpenDue(ctx context.Context) (queues.OpenResult, error) {
	return s.opener.OpenDue(ctx, s.opts.Now())
}

func (s *Scheduler) dispatch(fn func(ctx context.Context)) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return nil
}

func (s *Scheduler) openTick() {
	if _, err := s.OpenDue(s.ctx); err != nil {
		appLog.Error("open tick failed", err)
	}
}

func (s *Scheduler) reconcileTick() {
	cals, err := s.calendars.ListCalendars(s.ctx)
	if err != nil {
		appLog.Error("list calendars failed", err)
		return
	}
	for _, cal := range cals {
		cal := cal
		err := s.dispatch(func(ctx context.Context) {
			// Errors are logged by the reconciler.
			_, _ = s.reconciler.Reconcile(ctx, cal)
		})
		if err != nil {
			return
		}
	}
}

func (s *Scheduler) renewTick() {
	n, err := s.renewer.RenewAll(s.ctx)
	if err != nil {
		appLog.Error("watch renewal failed", err, "renewed", n)
		return
	}
	appLog.Debug("watch renewal completed", "renewed", n)
}

// cronLogger adapts the application log to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
