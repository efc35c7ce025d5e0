package connectivity

import (
	"context"
	"fmt"
	"time"
)

// Network associates the host with the local network.
type Network interface {
	// Connect blocks until the network is up or ctx is done.
	Connect(ctx context.Context, ssid, password string) error
	// Disconnect is idempotent.
	Disconnect(ctx context.Context)
}

// TimeSource asks one time server for the local clock's offset.
type TimeSource interface {
	Offset(ctx context.Context, server string) (time.Duration, error)
}

// Credentials are passed through to the broker untouched.
type Credentials struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Addr returns host:port.
func (c Credentials) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Broker is a publish-only message broker session.
type Broker interface {
	// Connect blocks until a session is established or ctx is done.
	Connect(ctx context.Context, creds Credentials) error
	// Publish blocks until the broker acknowledges or ctx is done.
	Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error
	// Poll services the session and reports whether it is still alive.
	Poll(ctx context.Context) bool
	// Disconnect is idempotent.
	Disconnect(ctx context.Context)
}
