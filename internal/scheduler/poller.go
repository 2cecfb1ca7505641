// Package scheduler drives check-in cycles. Every wake source funnels through
// one gate so that at most one cycle is in flight, and an engine fault
// replaces the whole runtime before the next cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/basket/goprobe/internal/agent"
	"github.com/basket/goprobe/internal/bus"
	"github.com/basket/goprobe/internal/cron"
	otelPkg "github.com/basket/goprobe/internal/otel"
	"github.com/basket/goprobe/internal/shared"
	"github.com/basket/goprobe/internal/sqlengine"
)

// Wake sources.
const (
	SourceTimer     = "timer"
	SourceKeepAlive = "keepalive"
	SourceManual    = "manual"
)

const (
	DefaultInterval            = 10 * time.Second
	DefaultAcceleratedInterval = 5 * time.Second
	DefaultGateWait            = 100 * time.Millisecond
)

// Cycler runs one check-in. *agent.Agent satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context) (agent.CycleReport, error)
}

// Runtime is the engine-bound state of the agent. It is built by a Factory
// and replaced as a unit after an engine fault.
type Runtime struct {
	Agent  Cycler
	Closer io.Closer
}

func (r *Runtime) close() error {
	if r == nil || r.Closer == nil {
		return nil
	}
	return r.Closer.Close()
}

// Factory builds a fresh Runtime.
type Factory func(ctx context.Context) (*Runtime, error)

type Config struct {
	Factory             Factory
	Interval            time.Duration
	AcceleratedInterval time.Duration
	GateWait            time.Duration
	// KeepAlive is a cron schedule; empty uses cron.DefaultSchedule.
	KeepAlive string
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelPkg.Metrics
	// Now is overridable for tests.
	Now func() time.Time
}

// Poller owns the gate, the wake sources and the current Runtime.
type Poller struct {
	factory  Factory
	gate     *semaphore.Weighted
	gateWait time.Duration
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	now      func() time.Time
	keep     *cron.KeepAlive

	// runtime and lastFault are only touched while the gate is held.
	runtime   *Runtime
	lastFault error

	mu          sync.Mutex
	timer       *time.Timer
	interval    time.Duration
	accelerated time.Duration
	accelUntil  time.Time
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	inflight    sync.WaitGroup
}

func New(cfg Config) (*Poller, error) {
	if cfg.Factory == nil {
		return nil, errors.New("scheduler: factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	p := &Poller{
		factory:     cfg.Factory,
		gate:        semaphore.NewWeighted(1),
		gateWait:    orDefault(cfg.GateWait, DefaultGateWait),
		bus:         cfg.Bus,
		logger:      logger.With("component", "scheduler"),
		metrics:     cfg.Metrics,
		now:         now,
		interval:    orDefault(cfg.Interval, DefaultInterval),
		accelerated: orDefault(cfg.AcceleratedInterval, DefaultAcceleratedInterval),
	}
	keep, err := cron.New(cron.Config{
		Schedule: cfg.KeepAlive,
		Logger:   p.logger,
		Fire:     func(context.Context) { p.Trigger(SourceKeepAlive) },
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: keep-alive: %w", err)
	}
	p.keep = keep
	return p, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start arms an immediate first wake and starts the keep-alive. Cycles run
// with a context derived from ctx.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.keep.Start(p.ctx)
	p.arm(0)
	p.logger.Info("poller started", "interval", p.Interval())
}

// Stop cancels the pending timer and the keep-alive, waits for an in-flight
// cycle to finish and closes the current runtime.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.keep.Stop()
	p.inflight.Wait()

	if err := p.runtime.close(); err != nil {
		p.logger.Warn("close runtime", "error", err)
	}
	p.runtime = nil
	p.logger.Info("poller stopped")
}

// Trigger wakes the poller from source. It returns false when the poller is
// not running or another cycle held the gate past the bounded wait.
func (p *Poller) Trigger(source string) bool {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return false
	}
	p.inflight.Add(1)
	ctx := p.ctx
	p.mu.Unlock()
	defer p.inflight.Done()

	return p.attempt(shared.WithWakeSource(ctx, source), source)
}

// SetInterval changes the base timer interval. It takes effect the next time
// the timer is armed.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d != p.interval {
		p.logger.Info("interval changed", "from", p.interval, "to", d)
	}
	p.interval = d
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// nextDelay is the accelerated interval while an acceleration window is
// open, else the base interval.
func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.now().Before(p.accelUntil) {
		return p.accelerated
	}
	return p.interval
}

func (p *Poller) accelerate(seconds int) {
	if seconds <= 0 {
		return
	}
	until := p.now().Add(time.Duration(seconds) * time.Second)
	p.mu.Lock()
	defer p.mu.Unlock()
	if until.After(p.accelUntil) {
		p.accelUntil = until
	}
}

func (p *Poller) arm(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, func() { p.Trigger(SourceTimer) })
}

func (p *Poller) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) attempt(ctx context.Context, source string) bool {
	waitCtx, cancel := context.WithTimeout(ctx, p.gateWait)
	err := p.gate.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		p.logger.Info("cycle already in flight, ignoring wake", "source", source)
		p.metrics.RecordGateContention(ctx, source)
		p.bus.Publish(bus.TopicCycleSkipped, bus.CycleEvent{Source: source})
		return false
	}

	p.disarm()
	p.run(ctx, source)
	p.gate.Release(1)
	p.arm(p.nextDelay())
	return true
}

// run executes one cycle with the gate held. A fault discards the runtime
// and rebuilds it before returning.
func (p *Poller) run(ctx context.Context, source string) {
	if p.runtime == nil {
		if err := p.rebuild(ctx); err != nil {
			return
		}
	}

	report, err := p.runtime.Agent.RunCycle(ctx)
	p.accelerate(report.Accelerate)
	ev := bus.CycleEvent{
		TraceID:   report.TraceID,
		Source:    source,
		Fetched:   report.Fetched,
		Skipped:   report.Skipped,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Submitted: report.Submitted,
	}
	log := p.logger.With("source", source, "trace_id", report.TraceID)

	switch {
	case err == nil:
		p.bus.Publish(bus.TopicCycleCompleted, ev)
	case sqlengine.IsFault(err):
		ev.Err = err.Error()
		log.Error("engine fault, rebuilding runtime", "error", err)
		p.bus.Publish(bus.TopicCycleAborted, ev)
		if cerr := p.runtime.close(); cerr != nil {
			log.Warn("close faulted runtime", "error", cerr)
		}
		p.runtime = nil
		p.lastFault = err
		_ = p.rebuild(ctx)
	default:
		ev.Err = err.Error()
		log.Warn("cycle failed", "error", err)
		p.bus.Publish(bus.TopicCycleCompleted, ev)
	}
}

// rebuild installs a fresh runtime. On failure the runtime stays nil and the
// next run tries again.
func (p *Poller) rebuild(ctx context.Context) error {
	rt, err := p.factory(ctx)
	if err == nil && (rt == nil || rt.Agent == nil) {
		err = errors.New("factory returned no agent")
	}
	if err != nil {
		p.logger.Error("build runtime failed", "error", err)
		return err
	}
	p.runtime = rt

	if p.lastFault == nil {
		return nil
	}
	reason := "engine_fault"
	p.metrics.RecordEngineRebuild(ctx, reason)
	p.bus.Publish(bus.TopicEngineRebuilt, bus.EngineRebuiltEvent{Reason: reason, Err: p.lastFault.Error()})
	p.logger.Info("runtime rebuilt after engine fault")
	p.lastFault = nil
	return nil
}
