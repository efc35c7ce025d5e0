package acquisition

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/batteryrelay/pkg/async"
	"github.com/raterudder/batteryrelay/pkg/clock"
	"github.com/raterudder/batteryrelay/pkg/log"
	"github.com/raterudder/batteryrelay/pkg/obd"
	"github.com/raterudder/batteryrelay/pkg/types"
)

// Phase is the externally visible state of the machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLinkConnecting
	PhaseAdapterInitializing
	PhaseReading
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLinkConnecting:
		return "link_connecting"
	case PhaseAdapterInitializing:
		return "adapter_initializing"
	case PhaseReading:
		return "reading"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether the cycle's acquisition is over.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Config is fixed for the life of the machine.
type Config struct {
	DeviceName      string
	ConnectTimeout  time.Duration
	InitTimeout     time.Duration
	ReadTimeout     time.Duration
	InitCommands    []string
	Parameters      []Parameter
	StreakThreshold uint
	ByteOrder       binary.ByteOrder
}

// DefaultInitCommands configure an ELM327 for the battery ECU.
var DefaultInitCommands = []string{
	"ATZ",
	"ATD",
	"ATD0",
	"ATH1",
	"ATSP6",
	"ATE0",
	"ATM0",
	"ATS0",
	"ATAT1",
	"ATAL",
	"STCSEGT1",
	"ATST96",
	"ATSH7E7",
}

// DefaultConfig returns the stock timeouts and parameter table.
func DefaultConfig() Config {
	return Config{
		DeviceName:      "OBDLink CX",
		ConnectTimeout:  15 * time.Second,
		InitTimeout:     15 * time.Second,
		ReadTimeout:     10 * time.Second,
		InitCommands:    DefaultInitCommands,
		Parameters:      DefaultParameters(),
		StreakThreshold: types.DefaultLinkLostStreak,
		ByteOrder:       binary.BigEndian,
	}
}

// state is one phase together with the data only that phase needs.
type state interface {
	phase() Phase
}

type idleState struct{}

type connectingState struct {
	entered time.Duration
	op      *async.Op[error]
}

type initializingState struct {
	entered time.Duration
	index   int
	sent    bool
}

type readingState struct {
	index   int
	entered time.Duration
	sent    bool
}

type doneState struct{}

type failedState struct {
	failure types.Failure
}

func (idleState) phase() Phase          { return PhaseIdle }
func (*connectingState) phase() Phase   { return PhaseLinkConnecting }
func (*initializingState) phase() Phase { return PhaseAdapterInitializing }
func (*readingState) phase() Phase      { return PhaseReading }
func (doneState) phase() Phase          { return PhaseDone }
func (failedState) phase() Phase        { return PhaseFailed }

// Option customizes a Machine.
type Option func(*Machine)

// WithClock sets the tick source used for timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) {
		m.clock = c
	}
}

// WithRunner sets how blocking link calls are run.
func WithRunner(r async.Runner) Option {
	return func(m *Machine) {
		m.run = r
	}
}

// Machine sequences link setup, adapter init and parameter reads. It is not
// safe for concurrent use; a single scheduler goroutine drives it.
type Machine struct {
	link  obd.Link
	cfg   Config
	clock clock.Clock
	run   async.Runner

	state    state
	readings types.ReadingSet
	streak   types.FailureStreak
	lastErr  types.LastError
	failure  types.Failure

	cancelConnect context.CancelFunc
	linkOpen      bool
}

// New returns an idle Machine reading through link.
func New(link obd.Link, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		link:  link,
		cfg:   cfg,
		clock: clock.NewMonotonic(),
		run:   async.Go,
		state: idleState{},
	}
	for _, o := range opts {
		o(m)
	}
	m.readings = types.NewReadingSet(m.kinds())
	return m
}

func (m *Machine) kinds() []types.ReadingKind {
	kinds := make([]types.ReadingKind, len(m.cfg.Parameters))
	for i, p := range m.cfg.Parameters {
		kinds[i] = p.Kind
	}
	return kinds
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.state.phase()
}

// Start begins a new acquisition. Any link left over from a previous cycle is
// torn down first. The failure streak carries over.
func (m *Machine) Start(ctx context.Context) {
	m.Teardown(ctx)
	m.readings = types.NewReadingSet(m.kinds())
	m.lastErr.Clear()
	m.failure = types.Failure{}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	m.cancelConnect = cancel
	m.linkOpen = true
	device := m.cfg.DeviceName
	m.state = &connectingState{
		entered: m.clock.Now(),
		op: async.Start(m.run, func() error {
			return m.link.Connect(cctx, device)
		}),
	}
	log.Ctx(ctx).DebugContext(ctx, "connecting to adapter", slog.String("device", device))
}

// Advance performs at most one step and returns the resulting phase.
func (m *Machine) Advance(ctx context.Context) Phase {
	switch s := m.state.(type) {
	case *connectingState:
		m.advanceConnecting(ctx, s)
	case *initializingState:
		m.advanceInitializing(ctx, s)
	case *readingState:
		m.advanceReading(ctx, s)
	}
	return m.state.phase()
}

func (m *Machine) advanceConnecting(ctx context.Context, s *connectingState) {
	if err, ok := s.op.Poll(); ok {
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "adapter connect failed", slog.Any("error", err))
			m.fail(ctx, types.TransportTimeout, "link-connect-timeout")
			return
		}
		m.cancelConnect()
		m.cancelConnect = nil
		log.Ctx(ctx).DebugContext(ctx, "adapter connected")
		m.state = &initializingState{entered: m.clock.Now()}
		return
	}
	if clock.Since(m.clock, s.entered) >= m.cfg.ConnectTimeout {
		m.fail(ctx, types.TransportTimeout, "link-connect-timeout")
	}
}

func (m *Machine) advanceInitializing(ctx context.Context, s *initializingState) {
	if clock.Since(m.clock, s.entered) >= m.cfg.InitTimeout {
		m.fail(ctx, types.TransportTimeout, "adapter-init-timeout")
		return
	}
	if s.index >= len(m.cfg.InitCommands) {
		m.state = &readingState{entered: m.clock.Now()}
		return
	}

	cmd := m.cfg.InitCommands[s.index]
	if !s.sent {
		if err := m.link.SendQuery(ctx, cmd); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to send init command", slog.String("cmd", cmd), slog.Any("error", err))
			m.fail(ctx, types.TransportTimeout, "adapter-init-timeout")
			return
		}
		s.sent = true
		return
	}

	r := m.link.PollResponse()
	switch r.State {
	case obd.ResponsePending:
		return
	case obd.ResponseError:
		// adapters reject commands they do not implement; keep going
		log.Ctx(ctx).WarnContext(ctx, "init command rejected", slog.String("cmd", cmd), slog.Any("error", r.Err))
	}
	s.index++
	s.sent = false
	if s.index >= len(m.cfg.InitCommands) {
		log.Ctx(ctx).DebugContext(ctx, "adapter initialized")
		m.state = &readingState{entered: m.clock.Now()}
	}
}

func (m *Machine) advanceReading(ctx context.Context, s *readingState) {
	if s.index >= len(m.cfg.Parameters) {
		m.finish(ctx)
		return
	}
	p := m.cfg.Parameters[s.index]

	if !s.sent {
		if err := m.link.SendQuery(ctx, p.Command); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to send query", slog.String("kind", p.Kind.String()), slog.Any("error", err))
			m.fail(ctx, types.TransportTimeout, p.Kind.String()+"-read-timeout")
			return
		}
		s.sent = true
		s.entered = m.clock.Now()
		return
	}

	r := m.link.PollResponse()
	switch r.State {
	case obd.ResponsePending:
		if clock.Since(m.clock, s.entered) >= m.cfg.ReadTimeout {
			m.fail(ctx, types.TransportTimeout, p.Kind.String()+"-read-timeout")
		}
		return
	case obd.ResponseError:
		log.Ctx(ctx).WarnContext(ctx, "read rejected", slog.String("kind", p.Kind.String()), slog.Any("error", r.Err))
		m.fail(ctx, types.ProtocolError, p.Kind.String()+"-read-failed")
		return
	}

	value, err := p.Decode(r.Payload, m.cfg.ByteOrder)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode reading", slog.String("kind", p.Kind.String()), slog.Any("error", err))
		m.fail(ctx, types.ProtocolError, p.Kind.String()+"-read-failed")
		return
	}
	m.readings.Set(p.Kind, value)
	if m.streak.Reset() {
		log.Ctx(ctx).InfoContext(ctx, "vehicle link healthy again")
	}
	log.Ctx(ctx).DebugContext(ctx, "read parameter", slog.String("kind", p.Kind.String()), slog.Float64("value", value))

	s.index++
	s.sent = false
	if s.index >= len(m.cfg.Parameters) {
		m.finish(ctx)
	}
}

func (m *Machine) finish(ctx context.Context) {
	m.state = doneState{}
	m.Teardown(ctx)
}

// fail records the failure, tears down the link and moves to Failed.
func (m *Machine) fail(ctx context.Context, kind types.FailureKind, reason string) {
	if kind == types.TransportTimeout {
		lost := m.streak.LinkLost
		if m.streak.RecordTimeout(m.cfg.StreakThreshold) && !lost {
			log.Ctx(ctx).WarnContext(ctx, "vehicle link lost", slog.Uint64("timeouts", uint64(m.streak.ConsecutiveTimeouts)))
		}
	}
	m.lastErr.Set(reason)
	m.failure = types.Failure{Kind: kind, Reason: reason}
	log.Ctx(ctx).WarnContext(ctx, "acquisition failed",
		slog.String("reason", reason),
		slog.String("kind", kind.String()),
		slog.Uint64("consecutiveTimeouts", uint64(m.streak.ConsecutiveTimeouts)),
	)
	m.state = failedState{failure: m.failure}
	m.Teardown(ctx)
}

// Teardown releases the link. It is idempotent. A machine torn down before
// reaching Done or Failed returns to Idle.
func (m *Machine) Teardown(ctx context.Context) {
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	if m.linkOpen {
		m.link.Disconnect(ctx)
		m.linkOpen = false
	}
	if !m.state.phase().Terminal() {
		m.state = idleState{}
	}
}

// Readings returns a copy of this cycle's readings.
func (m *Machine) Readings() types.ReadingSet {
	return m.readings.Clone()
}

// LastError returns the reason of the last failure, or "".
func (m *Machine) LastError() string {
	return m.lastErr.String()
}

// LastFailure returns the classified last failure of this cycle.
func (m *Machine) LastFailure() types.Failure {
	return m.failure
}

// LinkLost reports whether the vehicle link is considered gone.
func (m *Machine) LinkLost() bool {
	return m.streak.LinkLost
}

// Streak returns the current failure streak.
func (m *Machine) Streak() types.FailureStreak {
	return m.streak
}

// ResetStreakIfHealthy clears the streak when this cycle read every
// parameter. It reports whether the streak was cleared.
func (m *Machine) ResetStreakIfHealthy() bool {
	if !m.readings.Valid {
		return false
	}
	return m.streak.Reset()
}
