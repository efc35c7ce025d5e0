package common

import (
	_ "embed"
	"strings"

	"github.com/google/uuid"
)

//go:embed VERSION
var version string

// Version returns the embedded release version.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent identifies the relay in HTTP headers and broker session names.
func UserAgent() string {
	return "BatteryRelay/" + Version()
}

// ClientID returns a broker client id that is unique per process start.
// Brokers drop an older session when a new one arrives with the same id, so
// prefix must not be shared between relays.
func ClientID(prefix string) string {
	if prefix == "" {
		prefix = "batteryrelay"
	}
	return prefix + "-" + uuid.NewString()
}
