// Package cron provides the keep-alive wake source: a cron schedule that
// periodically nudges the poller independently of its own timer.
package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSchedule is used when Config.Schedule is empty.
const DefaultSchedule = "@every 1m"

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the keep-alive.
type Config struct {
	Schedule string
	Logger   *slog.Logger
	// Fire is called on every due tick from the keep-alive goroutine.
	Fire func(ctx context.Context)
	// Now is overridable for tests.
	Now func() time.Time
}

// KeepAlive invokes Fire each time its schedule comes due.
type KeepAlive struct {
	expr     string
	schedule cronlib.Schedule
	fire     func(ctx context.Context)
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the schedule and returns a stopped KeepAlive.
func New(cfg Config) (*KeepAlive, error) {
	if cfg.Fire == nil {
		return nil, errors.New("cron: fire callback is required")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &KeepAlive{
		expr:     expr,
		schedule: sched,
		fire:     cfg.Fire,
		logger:   logger,
		now:      now,
	}, nil
}

// Start begins the keep-alive loop in a background goroutine. It stops when
// ctx is cancelled or Stop is called.
func (k *KeepAlive) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go k.loop(ctx)
	k.logger.Info("keep-alive started", "schedule", k.expr)
}

// Stop cancels the loop and waits for it to exit, including a Fire in progress.
func (k *KeepAlive) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
}

func (k *KeepAlive) loop(ctx context.Context) {
	defer k.wg.Done()

	for {
		now := k.now()
		next := k.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			k.logger.Debug("keep-alive due", "at", next)
			k.fire(ctx)
		}
	}
}

// Validate reports whether expr is an acceptable schedule.
func Validate(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
