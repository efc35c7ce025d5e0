package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/batteryrelay/pkg/controller"
	"github.com/raterudder/batteryrelay/pkg/types"
)

const namespace = "batteryrelay"

// Prom implements controller.Observer.
type Prom struct {
	cycles    *prometheus.CounterVec
	duration  prometheus.Histogram
	publishes *prometheus.CounterVec
	failures  *prometheus.CounterVec
	state     *prometheus.GaugeVec
	reading   *prometheus.GaugeVec
	timeouts  prometheus.Gauge
	linkLost  prometheus.Gauge
	interval  prometheus.Gauge
}

var _ controller.Observer = (*Prom)(nil)

// NewProm creates the metrics and registers them with reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Finished cycles by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time from the start of a cycle to its completion.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Finished publishes by result.",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed cycles by the kind of failure.",
		}, []string{"kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the state the controller is in.",
		}, []string{"state"}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading",
			Help:      "Last valid battery reading by kind.",
		}, []string{"kind"}),
		timeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_timeouts",
			Help:      "Consecutive transport timeouts on the diagnostic link.",
		}),
		linkLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_lost",
			Help:      "1 when the vehicle link is considered lost.",
		}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_interval_seconds",
			Help:      "Wait chosen after the last cycle.",
		}),
	}
	reg.MustRegister(
		p.cycles,
		p.duration,
		p.publishes,
		p.failures,
		p.state,
		p.reading,
		p.timeouts,
		p.linkLost,
		p.interval,
	)
	return p
}

// StateEntered implements controller.Observer.
func (p *Prom) StateEntered(s controller.State) {
	p.state.Reset()
	p.state.WithLabelValues(s.String()).Set(1)
}

// CycleCompleted implements controller.Observer.
func (p *Prom) CycleCompleted(r controller.Report) {
	p.cycles.WithLabelValues(r.Outcome.String()).Inc()
	p.duration.Observe(r.Duration.Seconds())
	p.publishes.WithLabelValues("ok").Add(float64(r.Published - r.PublishFailures))
	p.publishes.WithLabelValues("failed").Add(float64(r.PublishFailures))
	if r.Failure != types.FailureNone {
		p.failures.WithLabelValues(r.Failure.String()).Inc()
	}
	p.timeouts.Set(float64(r.Streak.ConsecutiveTimeouts))
	p.linkLost.Set(boolFloat(r.Streak.LinkLost))
	p.interval.Set(r.Interval.Seconds())
	for _, rd := range r.Readings.Readings {
		// keep the last good value
		if rd.Valid {
			p.reading.WithLabelValues(rd.Kind.String()).Set(rd.Value)
		}
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
