package controller

import (
	"time"

	"github.com/raterudder/batteryrelay/pkg/types"
)

// Snapshot is a read-only view of the controller for the status API.
type Snapshot struct {
	State        string                   `json:"state"`
	Cycle        uint64                   `json:"cycle"`
	Readings     types.ReadingSet         `json:"readings"`
	Streak       types.FailureStreak      `json:"streak"`
	Connectivity types.ConnectivityStatus `json:"connectivity"`
	LastError    string                   `json:"lastError,omitempty"`
	Timestamp    string                   `json:"timestamp"`

	LastOutcome  string        `json:"lastOutcome,omitempty"`
	NextInterval time.Duration `json:"nextIntervalNs,omitempty"`
	LastDuration time.Duration `json:"lastDurationNs,omitempty"`
}

func (c *Controller) updateSnapshot() {
	s := &Snapshot{
		State:        c.state.state().String(),
		Cycle:        c.cycle,
		Readings:     c.acq.Readings(),
		Streak:       c.acq.Streak(),
		Connectivity: c.conn.Status(),
		LastError:    c.lastErr.String(),
		Timestamp:    c.conn.Timestamp(),
	}
	if c.last != nil {
		s.LastOutcome = c.last.Outcome.String()
		s.NextInterval = c.last.Interval
		s.LastDuration = c.last.Duration
	}
	c.snapshot.Store(s)
}

// Snapshot returns the state as of the last tick.
func (c *Controller) Snapshot() Snapshot {
	return *c.snapshot.Load()
}
