package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/raterudder/batteryrelay/pkg/acquisition"
	"github.com/raterudder/batteryrelay/pkg/clock"
	"github.com/raterudder/batteryrelay/pkg/connectivity"
	"github.com/raterudder/batteryrelay/pkg/log"
	"github.com/raterudder/batteryrelay/pkg/publisher"
	"github.com/raterudder/batteryrelay/pkg/types"
)

// State is the controller's top-level state.
type State int

const (
	StateInit State = iota
	StateAcquiring
	StateConnectivitySetup
	StatePublishing
	StateErrorHandling
	StateCycleComplete
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAcquiring:
		return "acquiring"
	case StateConnectivitySetup:
		return "connectivity_setup"
	case StatePublishing:
		return "publishing"
	case StateErrorHandling:
		return "error_handling"
	case StateCycleComplete:
		return "cycle_complete"
	case StateWaiting:
		return "waiting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Acquirer is the vehicle side of a cycle.
type Acquirer interface {
	Start(ctx context.Context)
	Advance(ctx context.Context) acquisition.Phase
	Readings() types.ReadingSet
	LastError() string
	LastFailure() types.Failure
	LinkLost() bool
	Streak() types.FailureStreak
	ResetStreakIfHealthy() bool
	Teardown(ctx context.Context)
}

// Connector is the broker side of a cycle.
type Connector interface {
	publisher.Sender
	Start(ctx context.Context)
	Advance(ctx context.Context) connectivity.Phase
	Status() types.ConnectivityStatus
	LastError() string
	Timestamp() string
	Poll(ctx context.Context)
	Teardown(ctx context.Context)
}

// Report summarizes a finished cycle.
type Report struct {
	Cycle           uint64
	Outcome         types.CycleOutcome
	Duration        time.Duration
	Interval        time.Duration
	Readings        types.ReadingSet
	Streak          types.FailureStreak
	Failure         types.FailureKind
	LastError       string
	Published       int
	PublishFailures int
}

// Observer is told about every state change and finished cycle.
type Observer interface {
	StateEntered(s State)
	CycleCompleted(r Report)
}

// Config is fixed for the life of the controller.
type Config struct {
	Intervals            types.Intervals
	ConnectivityTimeout  time.Duration
	PublishingTimeout    time.Duration
	ErrorHandlingTimeout time.Duration
	TickInterval         time.Duration
}

// DefaultConfig returns the stock intervals and phase timeouts.
func DefaultConfig() Config {
	return Config{
		Intervals: types.Intervals{
			Normal: 300 * time.Second,
			Error:  60 * time.Second,
			Retry:  60 * time.Second,
		},
		ConnectivityTimeout:  30 * time.Second,
		PublishingTimeout:    15 * time.Second,
		ErrorHandlingTimeout: 30 * time.Second,
		TickInterval:         100 * time.Millisecond,
	}
}

type state interface {
	state() State
}

type initState struct{}

type acquiringState struct{}

type connectivityState struct {
	entered time.Duration
}

type publishingState struct {
	entered time.Duration
	batch   *publisher.Batch
}

type errorHandlingState struct {
	entered time.Duration
	// batch is nil until connectivity is ready
	batch *publisher.Batch
}

type cycleCompleteState struct{}

type waitingState struct {
	entered  time.Duration
	interval time.Duration
}

func (initState) state() State           { return StateInit }
func (acquiringState) state() State      { return StateAcquiring }
func (connectivityState) state() State   { return StateConnectivitySetup }
func (*publishingState) state() State    { return StatePublishing }
func (*errorHandlingState) state() State { return StateErrorHandling }
func (cycleCompleteState) state() State  { return StateCycleComplete }
func (waitingState) state() State        { return StateWaiting }

// Option customizes a Controller.
type Option func(*Controller)

// WithClock sets the tick source used for phase timeouts and intervals.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithObserver registers o for state changes and cycle reports.
func WithObserver(o Observer) Option {
	return func(ctl *Controller) {
		ctl.observer = o
	}
}

// Controller drives acquisition, connectivity and publishing. Tick must only
// be called from one goroutine; Snapshot is safe from any.
type Controller struct {
	acq  Acquirer
	conn Connector
	pub  *publisher.Publisher
	cfg  Config

	clock    clock.Clock
	observer Observer

	state      state
	cycle      uint64
	cycleStart time.Duration
	succeeded  bool
	failure    types.FailureKind
	lastErr    types.LastError
	published  int
	failed     int
	last       *Report

	snapshot atomic.Pointer[Snapshot]
}

// New returns a controller that starts a cycle on its first tick.
func New(acq Acquirer, conn Connector, pub *publisher.Publisher, cfg Config, opts ...Option) *Controller {
	ctl := &Controller{
		acq:   acq,
		conn:  conn,
		pub:   pub,
		cfg:   cfg,
		clock: clock.NewMonotonic(),
		state: initState{},
	}
	for _, o := range opts {
		o(ctl)
	}
	ctl.updateSnapshot()
	return ctl
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state.state()
}

func (c *Controller) enter(ctx context.Context, s state) {
	prev := c.state.state()
	c.state = s
	log.Ctx(ctx).DebugContext(ctx, "controller state changed",
		slog.String("from", prev.String()),
		slog.String("to", s.state().String()),
	)
	if c.observer != nil {
		c.observer.StateEntered(s.state())
	}
}

// Tick runs the current state's handler once.
func (c *Controller) Tick(ctx context.Context) {
	switch s := c.state.(type) {
	case initState:
		c.tickInit(ctx)
	case acquiringState:
		c.tickAcquiring(ctx)
	case connectivityState:
		c.tickConnectivity(ctx, s)
	case *publishingState:
		c.tickPublishing(ctx, s)
	case *errorHandlingState:
		c.tickErrorHandling(ctx, s)
	case cycleCompleteState:
		c.tickCycleComplete(ctx)
	case waitingState:
		c.tickWaiting(ctx, s)
	}
	c.updateSnapshot()
}

func (c *Controller) tickInit(ctx context.Context) {
	c.cycle++
	c.cycleStart = c.clock.Now()
	c.succeeded = false
	c.published = 0
	c.failed = 0
	c.failure = types.FailureNone
	c.lastErr.Clear()
	log.Ctx(ctx).InfoContext(ctx, "starting cycle", slog.Uint64("cycle", c.cycle))
	c.acq.Start(ctx)
	c.enter(ctx, acquiringState{})
}

func (c *Controller) tickAcquiring(ctx context.Context) {
	switch c.acq.Advance(ctx) {
	case acquisition.PhaseDone:
		c.acq.Teardown(ctx)
		c.conn.Start(ctx)
		c.enter(ctx, connectivityState{entered: c.clock.Now()})
	case acquisition.PhaseFailed:
		c.fail(ctx, c.acq.LastFailure().Kind, c.acq.LastError())
	}
}

func (c *Controller) tickConnectivity(ctx context.Context, s connectivityState) {
	if clock.Since(c.clock, s.entered) >= c.cfg.ConnectivityTimeout {
		log.Ctx(ctx).WarnContext(ctx, "connectivity setup timed out", slog.Duration("timeout", c.cfg.ConnectivityTimeout))
		c.fail(ctx, types.ConnectivityFailure, "connectivity setup timeout")
		return
	}
	switch c.conn.Advance(ctx) {
	case connectivity.PhaseReady:
		msgs := c.pub.Telemetry(c.acq.Readings(), c.acq.LinkLost(), c.conn.Timestamp())
		c.enter(ctx, &publishingState{entered: c.clock.Now(), batch: publisher.NewBatch(msgs)})
	case connectivity.PhaseFailed:
		c.fail(ctx, types.ConnectivityFailure, c.conn.LastError())
	}
}

func (c *Controller) tickPublishing(ctx context.Context, s *publishingState) {
	if clock.Since(c.clock, s.entered) >= c.cfg.PublishingTimeout {
		log.Ctx(ctx).WarnContext(ctx, "publishing timed out", slog.Int("published", s.batch.Sent()))
		c.countPublishes(s.batch)
		c.failure = types.PublishFailure
		c.enter(ctx, cycleCompleteState{})
		return
	}
	if !s.batch.Advance(ctx, c.conn) {
		return
	}
	c.countPublishes(s.batch)
	c.succeeded = c.acq.Readings().Valid && s.batch.OK()
	if !s.batch.OK() {
		c.failure = types.PublishFailure
		log.Ctx(ctx).WarnContext(ctx, "some publishes failed", slog.Any("topics", s.batch.Failed()))
	}
	c.enter(ctx, cycleCompleteState{})
}

// fail records reason and moves to ErrorHandling. Both sides are released
// and connectivity is brought up again to report the error.
func (c *Controller) fail(ctx context.Context, kind types.FailureKind, reason string) {
	c.failure = kind
	c.lastErr.Set(reason)
	log.Ctx(ctx).WarnContext(ctx, "cycle failed",
		slog.String("kind", kind.String()),
		slog.String("reason", reason),
		slog.Bool("linkLost", c.acq.LinkLost()),
	)
	c.acq.Teardown(ctx)
	c.conn.Teardown(ctx)
	c.conn.Start(ctx)
	c.enter(ctx, &errorHandlingState{entered: c.clock.Now()})
}

func (c *Controller) tickErrorHandling(ctx context.Context, s *errorHandlingState) {
	if clock.Since(c.clock, s.entered) >= c.cfg.ErrorHandlingTimeout {
		log.Ctx(ctx).WarnContext(ctx, "gave up reporting error")
		if s.batch != nil {
			c.countPublishes(s.batch)
		}
		c.enter(ctx, cycleCompleteState{})
		return
	}

	if s.batch == nil {
		switch c.conn.Advance(ctx) {
		case connectivity.PhaseReady:
			msgs := c.pub.ErrorStatus(c.lastErr.String(), c.acq.LinkLost(), c.conn.Timestamp())
			s.batch = publisher.NewBatch(msgs)
		case connectivity.PhaseFailed:
			log.Ctx(ctx).WarnContext(ctx, "could not connect to report error", slog.String("reason", c.conn.LastError()))
			c.enter(ctx, cycleCompleteState{})
		}
		return
	}

	if s.batch.Advance(ctx, c.conn) {
		c.countPublishes(s.batch)
		if !s.batch.OK() {
			log.Ctx(ctx).WarnContext(ctx, "failed to report error", slog.Any("topics", s.batch.Failed()))
		}
		c.enter(ctx, cycleCompleteState{})
	}
}

func (c *Controller) countPublishes(b *publisher.Batch) {
	c.published += b.Sent()
	c.failed += len(b.Failed())
}

func (c *Controller) tickCycleComplete(ctx context.Context) {
	c.acq.Teardown(ctx)
	c.conn.Teardown(ctx)
	c.acq.ResetStreakIfHealthy()

	outcome := types.SelectOutcome(c.succeeded, c.acq.LinkLost())
	interval := c.cfg.Intervals.For(outcome)
	r := Report{
		Cycle:           c.cycle,
		Outcome:         outcome,
		Duration:        clock.Since(c.clock, c.cycleStart),
		Interval:        interval,
		Readings:        c.acq.Readings(),
		Streak:          c.acq.Streak(),
		Failure:         c.failure,
		LastError:       c.lastErr.String(),
		Published:       c.published,
		PublishFailures: c.failed,
	}
	c.last = &r

	log.Ctx(ctx).InfoContext(ctx, "cycle complete",
		slog.Uint64("cycle", r.Cycle),
		slog.String("outcome", outcome.String()),
		slog.Duration("duration", r.Duration),
		slog.Duration("next", interval),
		slog.String("lastError", r.LastError),
	)
	if c.observer != nil {
		c.observer.CycleCompleted(r)
	}
	c.enter(ctx, waitingState{entered: c.clock.Now(), interval: interval})
}

func (c *Controller) tickWaiting(ctx context.Context, s waitingState) {
	c.conn.Poll(ctx)
	if clock.Since(c.clock, s.entered) >= s.interval {
		c.enter(ctx, initState{})
	}
}

// Run ticks until ctx is done, then releases both sides.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "starting controller", slog.Duration("tick", c.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			// use a fresh context so teardown is not skipped
			cleanupCtx := context.WithoutCancel(ctx)
			c.acq.Teardown(cleanupCtx)
			c.conn.Teardown(cleanupCtx)
			log.Ctx(ctx).InfoContext(ctx, "controller stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

var _ Connector = (*connectivity.Machine)(nil)
var _ Acquirer = (*acquisition.Machine)(nil)
