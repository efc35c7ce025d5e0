package acquisition

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/raterudder/batteryrelay/pkg/async"
	"github.com/raterudder/batteryrelay/pkg/clock"
	"github.com/raterudder/batteryrelay/pkg/obd"
	"github.com/raterudder/batteryrelay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(sim *obd.Simulator) (*Machine, *clock.Manual) {
	clk := &clock.Manual{}
	return New(sim, DefaultConfig(), WithClock(clk), WithRunner(async.Inline)), clk
}

// advanceUntil advances m until done reports true or the step budget runs out.
func advanceUntil(t *testing.T, ctx context.Context, m *Machine, done func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if done() {
			return
		}
		m.Advance(ctx)
	}
	require.True(t, done(), "condition not reached, phase %s", m.Phase())
}

func runCycle(t *testing.T, ctx context.Context, m *Machine) Phase {
	t.Helper()
	m.Start(ctx)
	advanceUntil(t, ctx, m, func() bool { return m.Phase().Terminal() })
	return m.Phase()
}

// sentAfter reports whether cmd was sent after the first n commands.
func sentAfter(sim *obd.Simulator, n int, cmd string) func() bool {
	return func() bool {
		sent := sim.Sent()
		return len(sent) > n && sent[len(sent)-1] == cmd
	}
}

// timeoutOn runs a cycle that stalls on cmd and lets its read time out.
func timeoutOn(t *testing.T, ctx context.Context, m *Machine, sim *obd.Simulator, clk *clock.Manual, cmd string) {
	t.Helper()
	sim.Silence(cmd)
	n := len(sim.Sent())
	m.Start(ctx)
	advanceUntil(t, ctx, m, sentAfter(sim, n, cmd))
	for i := 0; i < 5; i++ {
		assert.Equal(t, PhaseReading, m.Advance(ctx))
	}
	clk.Advance(DefaultConfig().ReadTimeout)
	require.Equal(t, PhaseFailed, m.Advance(ctx))
}

func TestMachineReadsAllParameters(t *testing.T) {
	ctx := context.Background()
	sim := obd.NewSimulator()
	m, _ := newTestMachine(sim)

	assert.Equal(t, PhaseIdle, m.Phase())
	require.Equal(t, PhaseDone, runCycle(t, ctx, m))

	rs := m.Readings()
	require.True(t, rs.Valid)
	want := map[types.ReadingKind]float64{
		types.StateOfCharge:      77.15,
		types.BatteryTemperature: 25,
		types.BatteryVoltage:     512,
		types.TotalCharges:       291,
		types.TotalKwhCharged:    4660,
		types.TotalKwhDischarged: 4000,
	}
	for kind, value := range want {
		r, ok := rs.Get(kind)
		require.True(t, ok, kind.String())
		assert.True(t, r.Valid, kind.String())
		assert.InDelta(t, value, r.Value, 1e-9, kind.String())
	}

	sent := sim.Sent()
	require.Len(t, sent, len(DefaultInitCommands)+len(DefaultParameters()))
	assert.Equal(t, DefaultInitCommands, sent[:len(DefaultInitCommands)])
	assert.Equal(t, "221FFC", sent[len(DefaultInitCommands)])

	assert.False(t, sim.Connected(), "link is released once done")
	assert.Empty(t, m.LastError())
	assert.False(t, m.LinkLost())
}

func TestMachineRejectedInitCommand(t *testing.T) {
	ctx := context.Background()
	sim := obd.NewSimulator()
	sim.Reply("STCSEGT1", "?")
	m, _ := newTestMachine(sim)

	assert.Equal(t, PhaseDone, runCycle(t, ctx, m))
	assert.True(t, m.Readings().Valid)
}

func TestMachineConnectFailure(t *testing.T) {
	ctx := context.Background()
	sim := obd.NewSimulator()
	sim.FailConnect(errors.New("adapter out of range"))
	m, _ := newTestMachine(sim)

	assert.Equal(t, PhaseFailed, runCycle(t, ctx, m))
	assert.Equal(t, "link-connect-timeout", m.LastError())
	assert.Equal(t, types.TransportTimeout, m.LastFailure().Kind)
	assert.Equal(t, uint(1), m.Streak().ConsecutiveTimeouts)
	assert.False(t, m.LinkLost())
	assert.False(t, m.Readings().Valid)
}

func TestMachineConnectTimeout(t *testing.T) {
	ctx := context.Background()
	clk := &clock.Manual{}
	// the connect call never returns
	never := func(fn func()) {}
	m := New(obd.NewSimulator(), DefaultConfig(), WithClock(clk), WithRunner(never))

	m.Start(ctx)
	assert.Equal(t, PhaseLinkConnecting, m.Advance(ctx))
	clk.Advance(14 * time.Second)
	assert.Equal(t, PhaseLinkConnecting, m.Advance(ctx))
	clk.Advance(time.Second)
	assert.Equal(t, PhaseFailed, m.Advance(ctx))
	assert.Equal(t, "link-connect-timeout", m.LastError())
}

func TestMachineInitTimeout(t *testing.T) {
	ctx := context.Background()
	sim := obd.NewSimulator()
	sim.Silence("ATZ")
	m, clk := newTestMachine(sim)

	m.Start(ctx)
	advanceUntil(t, ctx, m, sentAfter(sim, 0, "ATZ"))
	assert.Equal(t, PhaseAdapterInitializing, m.Advance(ctx))
	clk.Advance(15 * time.Second)
	assert.Equal(t, PhaseFailed, m.Advance(ctx))
	assert.Equal(t, "adapter-init-timeout", m.LastError())
	assert.Equal(t, types.TransportTimeout, m.LastFailure().Kind)
	assert.Equal(t, uint(1), m.Streak().ConsecutiveTimeouts)
	assert.False(t, sim.Connected())
}

func TestMachineReadTimeout(t *testing.T) {
	ctx := context.Background()
	sim := obd.NewSimulator()
	m, clk := newTestMachine(sim)

	timeoutOn(t, ctx, m, sim, clk, "220008")
	assert.Equal(t, "voltage-read-timeout", m.LastError())
	assert.Equal(t, types.TransportTimeout, m.LastFailure().Kind)

	rs := m.Readings()
	assert.False(t, rs.Valid)
	soc, _ := rs.Get(types.StateOfCharge)
	assert.True(t, soc.Valid)
	voltage, _ := rs.Get(types.BatteryVoltage)
	assert.False(t, voltage.Valid)
	assert.False(t, sim.Connected())
}

func TestMachineStreak(t *testing.T) {
	ctx := context.Background()

	t.Run("TwoTimeoutsLoseLink", func(t *testing.T) {
		sim := obd.NewSimulator()
		m, clk := newTestMachine(sim)

		timeoutOn(t, ctx, m, sim, clk, "221FFC")
		assert.False(t, m.LinkLost())
		timeoutOn(t, ctx, m, sim, clk, "221FFC")
		assert.True(t, m.LinkLost())
		assert.Equal(t, uint(2), m.Streak().ConsecutiveTimeouts)

		sim.Reply("221FFC", "7EF 05 62 1F FC 1E 23")
		assert.Equal(t, PhaseDone, runCycle(t, ctx, m))
		assert.False(t, m.LinkLost())
		assert.Zero(t, m.Streak().ConsecutiveTimeouts)
	})

	t.Run("ProtocolErrorDoesNotCount", func(t *testing.T) {
		sim := obd.NewSimulator()
		m, clk := newTestMachine(sim)

		timeoutOn(t, ctx, m, sim, clk, "221FFC")
		require.Equal(t, uint(1), m.Streak().ConsecutiveTimeouts)

		sim.Reply("221FFC", "NO DATA")
		assert.Equal(t, PhaseFailed, runCycle(t, ctx, m))
		assert.Equal(t, "soc-read-failed", m.LastError())
		assert.Equal(t, types.ProtocolError, m.LastFailure().Kind)
		assert.Equal(t, uint(1), m.Streak().ConsecutiveTimeouts)
		assert.False(t, m.LinkLost())
	})

	t.Run("MalformedIsProtocolError", func(t *testing.T) {
		sim := obd.NewSimulator()
		sim.Reply("220032", "7EF 03 7F 22 31")
		m, _ := newTestMachine(sim)

		assert.Equal(t, PhaseFailed, runCycle(t, ctx, m))
		assert.Equal(t, "temp-read-failed", m.LastError())
		assert.Zero(t, m.Streak().ConsecutiveTimeouts)
	})

	t.Run("ResetStreakIfHealthy", func(t *testing.T) {
		sim := obd.NewSimulator()
		m, clk := newTestMachine(sim)

		timeoutOn(t, ctx, m, sim, clk, "220012")
		assert.False(t, m.ResetStreakIfHealthy())
		assert.Equal(t, uint(1), m.Streak().ConsecutiveTimeouts)
	})
}

func TestMachineTeardown(t *testing.T) {
	ctx := context.Background()
	sim := obd.NewSimulator()
	m, _ := newTestMachine(sim)

	m.Start(ctx)
	m.Advance(ctx)
	assert.Equal(t, PhaseAdapterInitializing, m.Phase())
	require.True(t, sim.Connected())

	m.Teardown(ctx)
	assert.Equal(t, PhaseIdle, m.Phase())
	assert.False(t, sim.Connected())
	_, disconnects := sim.Counts()
	assert.Equal(t, 1, disconnects)

	assert.NotPanics(t, func() {
		m.Teardown(ctx)
		m.Teardown(ctx)
	})
	_, disconnects = sim.Counts()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, PhaseIdle, m.Advance(ctx))
}

func TestParameterDecode(t *testing.T) {
	params := map[types.ReadingKind]Parameter{}
	for _, p := range DefaultParameters() {
		params[p.Kind] = p
	}

	tests := []struct {
		name    string
		kind    types.ReadingKind
		payload string
		order   binary.ByteOrder
		want    float64
		wantErr bool
	}{
		{"TemperatureOffset", types.BatteryTemperature, "7EF056200320500", nil, -35, false},
		{"TemperatureSingleByte", types.BatteryTemperature, "7EF0462003241", nil, 25, false},
		{"SocBigEndian", types.StateOfCharge, "7EF05621FFC1E23", binary.BigEndian, 77.15, false},
		{"SocLittleEndian", types.StateOfCharge, "7EF05621FFC1E23", binary.LittleEndian, 89.9, false},
		{"VoltageUnscaled", types.BatteryVoltage, "7EF05620008019F", binary.BigEndian, 415, false},
		{"CountersUnscaled", types.TotalCharges, "7EF0562000B0123", binary.BigEndian, 291, false},
		{"Negative", types.BatteryVoltage, "7EF037F2231", nil, 0, true},
		{"Short", types.BatteryVoltage, "7EF0562000801", nil, 0, true},
		{"NotHex", types.BatteryVoltage, "7EF0562000801ZZ", nil, 0, true},
		{"OtherPID", types.BatteryVoltage, "7EF056200320100", nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := params[tt.kind].Decode([]byte(tt.payload), tt.order)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)

			again, err := params[tt.kind].Decode([]byte(tt.payload), tt.order)
			require.NoError(t, err)
			assert.Equal(t, got, again, "decoding is deterministic")
		})
	}
}
