package uplink

import (
	"context"
	"fmt"
	"sync"

	"github.com/raterudder/batteryrelay/pkg/connectivity"
	"github.com/redis/go-redis/v9"
)

// RedisBroker publishes on Redis channels. Retained messages are also
// stored under the topic as a key so late subscribers can read the last
// value.
type RedisBroker struct {
	DB int

	mu     sync.Mutex
	client *redis.Client
}

var _ connectivity.Broker = (*RedisBroker)(nil)

// Connect implements connectivity.Broker.
func (b *RedisBroker) Connect(ctx context.Context, creds connectivity.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	c := redis.NewClient(&redis.Options{
		Addr:       creds.Addr(),
		Username:   creds.Username,
		Password:   creds.Password,
		DB:         b.DB,
		MaxRetries: -1,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	b.client = c
	return nil
}

// Publish implements connectivity.Broker. Redis has no delivery levels so
// qos is ignored.
func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c == nil {
		return errBrokerNotConnected
	}

	pipe := c.TxPipeline()
	if retain {
		pipe.Set(ctx, topic, payload, 0)
	}
	pipe.Publish(ctx, topic, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Poll implements connectivity.Broker.
func (b *RedisBroker) Poll(ctx context.Context) bool {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	return c != nil && c.Ping(ctx).Err() == nil
}

// Disconnect implements connectivity.Broker.
func (b *RedisBroker) Disconnect(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return
	}
	b.client.Close()
	b.client = nil
}
