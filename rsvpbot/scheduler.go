package rsvpbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ReminderScheduler periodically sends a one-time reminder for each
// event about to start.
//
// A reminder is marked as sent only after the Notifier succeeds. A failed
// or timed-out notification leaves the event pending, to be retried on
// the next sweep. A crash between a successful notification and the
// store write can result in a duplicate reminder after restart.
type ReminderScheduler struct {
	registry *Registry
	notifier Notifier
	config   SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time

	// sweeping guards against overlapping sweeps
	sweeping atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
}

// SweepResult summarizes a single sweep
type SweepResult struct {
	// Skipped is true if the sweep didn't run because another was
	// already in progress
	Skipped  bool
	Due      int
	Notified int
	Failed   int
}

func (s SweepResult) LogValue() slog.Value {
	if s.Skipped {
		return slog.GroupValue(slog.Bool("skipped", true))
	}
	return slog.GroupValue(
		slog.Int("due", s.Due),
		slog.Int("notified", s.Notified),
		slog.Int("failed", s.Failed),
	)
}

func NewReminderScheduler(
	registry *Registry,
	notifier Notifier,
	config SchedulerConfig,
	logger *slog.Logger,
) *ReminderScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrentNotifications < 1 {
		config.MaxConcurrentNotifications = 1
	}
	return &ReminderScheduler{
		registry: registry,
		notifier: notifier,
		config:   config,
		logger:   logger.With(loggerNameKey, "scheduler"),
		now:      time.Now,
	}
}

// Sweep notifies every event currently due for a reminder. Events are
// snapshotted up front, so the registry isn't locked while notifying.
// If a sweep is already running, this returns immediately with
// SweepResult.Skipped set.
func (s *ReminderScheduler) Sweep(ctx context.Context) SweepResult {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.DebugContext(ctx, "sweep already in progress, skipping")
		return SweepResult{Skipped: true}
	}
	defer s.sweeping.Store(false)

	now := s.now()
	due := s.registry.DueForReminder(now, s.config.ReminderOffset)
	result := SweepResult{Due: len(due)}
	if len(due) == 0 {
		s.logger.DebugContext(ctx, "no reminders due")
		return result
	}

	var notified, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.config.MaxConcurrentNotifications)

	for _, event := range due {
		event := event
		g.Go(
			func() error {
				sent, err := s.remind(ctx, event, now)
				switch {
				case err != nil:
					failed.Add(1)
					s.logger.ErrorContext(
						ctx,
						"error sending reminder",
						"event", event,
						tint.Err(err),
					)
				case sent:
					notified.Add(1)
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	result.Notified = int(notified.Load())
	result.Failed = int(failed.Load())
	s.logger.InfoContext(ctx, "sweep finished", "result", result)
	return result
}

// remind notifies the event's attendees and marks the reminder as sent.
// It reports false without error if the event stopped being due after
// the sweep's snapshot was taken (for example, it was cancelled).
func (s *ReminderScheduler) remind(
	ctx context.Context,
	event Event,
	now time.Time,
) (bool, error) {
	current, err := s.registry.Get(event.ID)
	if err != nil {
		return false, err
	}
	if !reminderDue(current, now, s.config.ReminderOffset) {
		s.logger.InfoContext(ctx, "event no longer due, skipping", "event", current)
		return false, nil
	}

	if err = s.notify(ctx, current); err != nil {
		return false, &NotifyError{EventID: current.ID, Err: err}
	}

	if _, err = s.registry.MarkReminderSent(ctx, current.ID); err != nil {
		return false, fmt.Errorf("reminder sent, but not recorded: %w", err)
	}
	return true, nil
}

// notify invokes the Notifier under NotifyTimeout. A Notifier that
// ignores its context is abandoned once the timeout passes, and the
// notification counts as failed.
func (s *ReminderScheduler) notify(ctx context.Context, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.NotifyTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.notifier.Notify(ctx, event, event.Attending())
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs Sweep every SweepInterval until Stop is called. Scheduled
// runs are skipped while a previous sweep is still going.
func (s *ReminderScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		),
	)
	spec := fmt.Sprintf("@every %s", s.config.SweepInterval)
	if _, err := c.AddFunc(
		spec, func() {
			s.Sweep(ctx)
		},
	); err != nil {
		return fmt.Errorf("error scheduling sweep %q: %w", spec, err)
	}
	c.Start()
	s.cron = c

	s.logger.InfoContext(
		ctx,
		"scheduler started",
		"sweep_interval", s.config.SweepInterval,
		"reminder_offset", s.config.ReminderOffset,
	)
	return nil
}

// Stop stops scheduling new sweeps. The returned context is done once
// any sweep in progress has finished.
func (s *ReminderScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ctx := s.cron.Stop()
	s.cron = nil
	s.logger.Info("scheduler stopped")
	return ctx
}

// Run sweeps once immediately, then on every interval until ctx is
// done. It waits for an in-progress sweep before returning.
func (s *ReminderScheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.Sweep(ctx)

	<-ctx.Done()
	<-s.Stop().Done()
	return nil
}

// Running reports whether sweeps are currently scheduled
func (s *ReminderScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}
