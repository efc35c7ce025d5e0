package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/batteryrelay/pkg/async"
	"github.com/raterudder/batteryrelay/pkg/clock"
	"github.com/raterudder/batteryrelay/pkg/log"
	"github.com/raterudder/batteryrelay/pkg/types"
)

// Phase is the externally visible state of the machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNetworkConnecting
	PhaseTimeSyncing
	PhaseBrokerConnecting
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNetworkConnecting:
		return "network_connecting"
	case PhaseTimeSyncing:
		return "time_syncing"
	case PhaseBrokerConnecting:
		return "broker_connecting"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// TimestampLayout renders the last-update timestamp.
const TimestampLayout = "2006-01-02 15:04:05 MST"

// Config is fixed for the life of the machine.
type Config struct {
	SSID           string
	Password       string
	NetworkTimeout time.Duration

	TimeServers     []string
	Location        *time.Location
	TimeSyncRetries int
	TimeSyncSpacing time.Duration
	TimeSyncTimeout time.Duration

	Broker         Credentials
	BrokerTimeout  time.Duration
	BrokerRetries  int
	PublishTimeout time.Duration
	QoS            byte
}

// DefaultTimeServers are queried in turn until one answers.
var DefaultTimeServers = []string{"pool.ntp.org", "time.nist.gov", "time.google.com"}

// DefaultConfig returns the stock timeouts and retry budgets.
func DefaultConfig() Config {
	return Config{
		NetworkTimeout:  30 * time.Second,
		TimeServers:     DefaultTimeServers,
		Location:        time.UTC,
		TimeSyncRetries: 15,
		TimeSyncSpacing: time.Second,
		TimeSyncTimeout: 10 * time.Second,
		Broker:          Credentials{Port: 1883},
		BrokerTimeout:   10 * time.Second,
		BrokerRetries:   3,
		PublishTimeout:  5 * time.Second,
		QoS:             1,
	}
}

type state interface {
	phase() Phase
}

type idleState struct{}

type networkState struct {
	entered time.Duration
	op      *async.Op[error]
}

type timeSyncState struct {
	entered time.Duration
	attempt int
	// next is when the next attempt may start
	next time.Duration
	op   *async.Op[offsetResult]
}

type offsetResult struct {
	offset time.Duration
	err    error
}

type brokerState struct {
	entered time.Duration
	attempt int
	op      *async.Op[error]
}

type readyState struct{}

type failedState struct {
	failure types.Failure
}

func (idleState) phase() Phase      { return PhaseIdle }
func (*networkState) phase() Phase  { return PhaseNetworkConnecting }
func (*timeSyncState) phase() Phase { return PhaseTimeSyncing }
func (*brokerState) phase() Phase   { return PhaseBrokerConnecting }
func (readyState) phase() Phase     { return PhaseReady }
func (failedState) phase() Phase    { return PhaseFailed }

// Option customizes a Machine.
type Option func(*Machine)

// WithClock sets the tick source used for timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) {
		m.clock = c
	}
}

// WithRunner sets how blocking transport calls are run.
func WithRunner(r async.Runner) Option {
	return func(m *Machine) {
		m.run = r
	}
}

// WithWallClock sets the source of wall-clock time used for timestamps.
func WithWallClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.wall = now
	}
}

// Machine sequences network association, time sync and broker session
// setup. It is driven by a single scheduler goroutine.
type Machine struct {
	network Network
	times   TimeSource
	broker  Broker
	cfg     Config
	clock   clock.Clock
	run     async.Runner
	wall    func() time.Time

	state   state
	status  types.ConnectivityStatus
	lastErr types.LastError

	// synced and offset survive teardown so later cycles keep a usable
	// timestamp when a resync fails.
	synced bool
	offset time.Duration

	cancelOp    context.CancelFunc
	networkOpen bool
	brokerOpen  bool
}

// New returns an idle Machine.
func New(network Network, times TimeSource, broker Broker, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		network: network,
		times:   times,
		broker:  broker,
		cfg:     cfg,
		clock:   clock.NewMonotonic(),
		run:     async.Go,
		wall:    time.Now,
		state:   idleState{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.Location == nil {
		m.cfg.Location = time.UTC
	}
	return m
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.state.phase()
}

// Status returns which layers are up.
func (m *Machine) Status() types.ConnectivityStatus {
	return m.status
}

// LastError returns the reason of the last failure, or "".
func (m *Machine) LastError() string {
	return m.lastErr.String()
}

// Start tears down anything left over and begins connecting the network.
func (m *Machine) Start(ctx context.Context) {
	m.Teardown(ctx)
	m.lastErr.Clear()

	opCtx := m.opContext(ctx, m.cfg.NetworkTimeout)
	m.networkOpen = true
	ssid, password := m.cfg.SSID, m.cfg.Password
	m.state = &networkState{
		entered: m.clock.Now(),
		op: async.Start(m.run, func() error {
			return m.network.Connect(opCtx, ssid, password)
		}),
	}
	log.Ctx(ctx).DebugContext(ctx, "connecting network", slog.String("ssid", ssid))
}

// opContext derives the context of the next blocking call, cancelling the
// previous one.
func (m *Machine) opContext(ctx context.Context, timeout time.Duration) context.Context {
	if m.cancelOp != nil {
		m.cancelOp()
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	m.cancelOp = cancel
	return opCtx
}

// Advance performs at most one step and returns the resulting phase.
func (m *Machine) Advance(ctx context.Context) Phase {
	switch s := m.state.(type) {
	case *networkState:
		m.advanceNetwork(ctx, s)
	case *timeSyncState:
		m.advanceTimeSync(ctx, s)
	case *brokerState:
		m.advanceBroker(ctx, s)
	}
	return m.state.phase()
}

func (m *Machine) advanceNetwork(ctx context.Context, s *networkState) {
	err, done := s.op.Poll()
	switch {
	case done && err == nil:
		m.status.WifiUp = true
		log.Ctx(ctx).InfoContext(ctx, "network connected")
		m.state = &timeSyncState{entered: m.clock.Now(), next: m.clock.Now()}
	case done:
		log.Ctx(ctx).WarnContext(ctx, "network connect failed", slog.Any("error", err))
		m.fail(ctx, "network connect failed")
	case clock.Since(m.clock, s.entered) >= m.cfg.NetworkTimeout:
		log.Ctx(ctx).WarnContext(ctx, "network connect timed out")
		m.fail(ctx, "network connect failed")
	}
}

func (m *Machine) advanceTimeSync(ctx context.Context, s *timeSyncState) {
	if s.op != nil {
		res, done := s.op.Poll()
		if !done {
			if clock.Since(m.clock, s.entered) >= m.cfg.TimeSyncTimeout {
				m.skipTimeSync(ctx, "time sync timed out")
			}
			return
		}
		s.op = nil
		if res.err == nil {
			m.synced = true
			m.offset = res.offset
			m.status.TimeUp = true
			log.Ctx(ctx).InfoContext(ctx, "time synchronized", slog.Duration("offset", res.offset))
			m.startBroker(ctx)
			return
		}
		log.Ctx(ctx).DebugContext(ctx, "time server did not answer", slog.Int("attempt", s.attempt), slog.Any("error", res.err))
		s.next = m.clock.Now() + m.cfg.TimeSyncSpacing
	}

	if s.attempt >= m.cfg.TimeSyncRetries || len(m.cfg.TimeServers) == 0 {
		m.skipTimeSync(ctx, "time sync retries exhausted")
		return
	}
	if clock.Since(m.clock, s.entered) >= m.cfg.TimeSyncTimeout {
		m.skipTimeSync(ctx, "time sync timed out")
		return
	}
	if m.clock.Now() < s.next {
		return
	}

	server := m.cfg.TimeServers[s.attempt%len(m.cfg.TimeServers)]
	s.attempt++
	opCtx := m.opContext(ctx, m.cfg.TimeSyncTimeout)
	s.op = async.Start(m.run, func() offsetResult {
		offset, err := m.times.Offset(opCtx, server)
		return offsetResult{offset: offset, err: err}
	})
}

// skipTimeSync moves on without a fresh clock. Timestamps fall back to the
// last good sync, or the not-synced sentinel.
func (m *Machine) skipTimeSync(ctx context.Context, reason string) {
	log.Ctx(ctx).WarnContext(ctx, "continuing without time sync", slog.String("reason", reason), slog.Bool("previouslySynced", m.synced))
	m.status.TimeUp = m.synced
	m.startBroker(ctx)
}

func (m *Machine) startBroker(ctx context.Context) {
	s := &brokerState{entered: m.clock.Now()}
	m.state = s
	m.attemptBroker(ctx, s)
}

func (m *Machine) attemptBroker(ctx context.Context, s *brokerState) {
	s.attempt++
	opCtx := m.opContext(ctx, m.cfg.BrokerTimeout)
	m.brokerOpen = true
	creds := m.cfg.Broker
	s.op = async.Start(m.run, func() error {
		return m.broker.Connect(opCtx, creds)
	})
	log.Ctx(ctx).DebugContext(ctx, "connecting broker", slog.String("addr", creds.Addr()), slog.Int("attempt", s.attempt))
}

func (m *Machine) advanceBroker(ctx context.Context, s *brokerState) {
	err, done := s.op.Poll()
	if !done {
		if clock.Since(m.clock, s.entered) >= m.cfg.BrokerTimeout {
			m.fail(ctx, "broker connect timeout")
		}
		return
	}
	if err == nil {
		m.status.BrokerUp = true
		log.Ctx(ctx).InfoContext(ctx, "broker connected", slog.String("addr", m.cfg.Broker.Addr()))
		m.state = readyState{}
		return
	}

	log.Ctx(ctx).WarnContext(ctx, "broker connect failed", slog.Int("attempt", s.attempt), slog.Any("error", err))
	if s.attempt > m.cfg.BrokerRetries || clock.Since(m.clock, s.entered) >= m.cfg.BrokerTimeout {
		m.fail(ctx, "broker connect failed")
		return
	}
	m.attemptBroker(ctx, s)
}

func (m *Machine) fail(ctx context.Context, reason string) {
	m.lastErr.Set(reason)
	log.Ctx(ctx).WarnContext(ctx, "connectivity failed", slog.String("reason", reason))
	m.state = failedState{failure: types.Failure{Kind: types.ConnectivityFailure, Reason: reason}}
}

// Publish starts one publish bounded by the publish timeout. The returned op
// reports false without calling the broker when the machine is not Ready.
// Publishes are never retried here.
func (m *Machine) Publish(ctx context.Context, topic string, payload []byte, retain bool) *async.Op[bool] {
	if m.Phase() != PhaseReady {
		log.Ctx(ctx).WarnContext(ctx, "publish while not connected", slog.String("topic", topic))
		return async.Start(async.Inline, func() bool { return false })
	}
	qos := m.cfg.QoS
	timeout := m.cfg.PublishTimeout
	broker := m.broker
	return async.Start(m.run, func() bool {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := broker.Publish(pctx, topic, payload, retain, qos); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "publish failed", slog.String("topic", topic), slog.Any("error", err))
			return false
		}
		log.Ctx(ctx).DebugContext(ctx, "published", slog.String("topic", topic), slog.String("payload", string(payload)))
		return true
	})
}

// Timestamp returns the current time in the configured zone, or
// TIME_NOT_SYNCED if the clock was never synchronized.
func (m *Machine) Timestamp() string {
	if !m.synced {
		return types.TimestampNotSynced
	}
	return m.wall().Add(m.offset).In(m.cfg.Location).Format(TimestampLayout)
}

// Poll keeps a session that is still open alive. It is a no-op after
// teardown.
func (m *Machine) Poll(ctx context.Context) {
	if !m.brokerOpen || m.Phase() != PhaseReady {
		return
	}
	if !m.broker.Poll(ctx) {
		log.Ctx(ctx).WarnContext(ctx, "broker session dropped")
		m.status.BrokerUp = false
	}
}

// Teardown closes the broker session and the network association. It is
// idempotent and resets Status.
func (m *Machine) Teardown(ctx context.Context) {
	if m.cancelOp != nil {
		m.cancelOp()
		m.cancelOp = nil
	}
	if m.brokerOpen {
		m.broker.Disconnect(ctx)
		m.brokerOpen = false
	}
	if m.networkOpen {
		m.network.Disconnect(ctx)
		m.networkOpen = false
	}
	m.status = types.ConnectivityStatus{}
	m.state = idleState{}
}
