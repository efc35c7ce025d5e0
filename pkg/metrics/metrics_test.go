package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raterudder/batteryrelay/pkg/controller"
	"github.com/raterudder/batteryrelay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromCycleCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg)

	rs := types.NewReadingSet(types.ReadingKinds)
	rs.Set(types.StateOfCharge, 77.15)
	p.CycleCompleted(controller.Report{
		Outcome:         types.OutcomeError,
		Duration:        12 * time.Second,
		Interval:        time.Minute,
		Readings:        rs,
		Streak:          types.FailureStreak{ConsecutiveTimeouts: 1},
		Failure:         types.TransportTimeout,
		Published:       2,
		PublishFailures: 1,
	})
	p.CycleCompleted(controller.Report{
		Outcome:  types.OutcomeNoDeviceLink,
		Duration: 20 * time.Second,
		Interval: time.Minute,
		Readings: types.NewReadingSet(types.ReadingKinds),
		Streak:   types.FailureStreak{ConsecutiveTimeouts: 2, LinkLost: true},
		Failure:  types.TransportTimeout,
	})
	p.CycleCompleted(controller.Report{
		Outcome:   types.OutcomeSuccess,
		Duration:  5 * time.Second,
		Interval:  5 * time.Minute,
		Readings:  types.NewReadingSet(types.ReadingKinds),
		Published: 8,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.cycles.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.cycles.WithLabelValues("no_device_link")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.cycles.WithLabelValues("success")))
	assert.Equal(t, 9.0, testutil.ToFloat64(p.publishes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.publishes.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.failures.WithLabelValues("transport_timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.failures))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.timeouts))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.linkLost))
	assert.Equal(t, 300.0, testutil.ToFloat64(p.interval))
	assert.Equal(t, 77.15, testutil.ToFloat64(p.reading.WithLabelValues("soc")), "last good value is kept")
	assert.Equal(t, 1, testutil.CollectAndCount(p.reading))
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))
	assert.Equal(t, 3, testutil.CollectAndCount(p.cycles))
}

func TestPromStateEntered(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg)

	p.StateEntered(controller.StateAcquiring)
	p.StateEntered(controller.StateWaiting)

	assert.Equal(t, 1, testutil.CollectAndCount(p.state))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.state.WithLabelValues("waiting")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "batteryrelay_state")
	assert.Contains(t, names, "batteryrelay_publishes_total")
}
