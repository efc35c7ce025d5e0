package uplink

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	"github.com/raterudder/batteryrelay/pkg/connectivity"
)

// NTPTimeSource measures the local clock offset against an NTP server.
type NTPTimeSource struct {
	// Timeout bounds a single query. The context deadline wins when sooner.
	Timeout time.Duration
	// Port overrides the NTP port, mostly for tests.
	Port int
}

var _ connectivity.TimeSource = NTPTimeSource{}

// Offset implements connectivity.TimeSource.
func (n NTPTimeSource) Offset(ctx context.Context, server string) (time.Duration, error) {
	opts := ntp.QueryOptions{Timeout: n.Timeout, Port: n.Port}
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); opts.Timeout == 0 || d < opts.Timeout {
			opts.Timeout = d
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	resp, err := ntp.QueryWithOptions(server, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid response from %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}
