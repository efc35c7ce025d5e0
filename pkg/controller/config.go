package controller

import (
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/batteryrelay/pkg/publisher"
)

// Configured sets up the controller based on flags.
func Configured(acq Acquirer, conn Connector, pub *publisher.Publisher, opts ...Option) *Controller {
	def := DefaultConfig()
	normal := lflag.Duration("interval-normal", def.Intervals.Normal, "Wait after a successful cycle")
	errInterval := lflag.Duration("interval-error", def.Intervals.Error, "Wait after a cycle that lost the vehicle link")
	retry := lflag.Duration("interval-retry", def.Intervals.Retry, "Wait after any other failed cycle")
	connTimeout := lflag.Duration("connectivity-timeout", def.ConnectivityTimeout, "Time allowed to reach the broker after reading the vehicle")
	pubTimeout := lflag.Duration("publishing-timeout", def.PublishingTimeout, "Time allowed to publish a cycle's telemetry")
	errTimeout := lflag.Duration("error-handling-timeout", def.ErrorHandlingTimeout, "Time allowed to report a failed cycle")
	tick := lflag.Duration("tick-interval", def.TickInterval, "How often the controller advances")

	c := New(acq, conn, pub, def, opts...)

	lflag.Do(func() {
		c.cfg.Intervals.Normal = *normal
		c.cfg.Intervals.Error = *errInterval
		c.cfg.Intervals.Retry = *retry
		c.cfg.ConnectivityTimeout = *connTimeout
		c.cfg.PublishingTimeout = *pubTimeout
		c.cfg.ErrorHandlingTimeout = *errTimeout
		c.cfg.TickInterval = *tick
	})

	return c
}
