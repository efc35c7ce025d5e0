package uplink

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/raterudder/batteryrelay/pkg/connectivity"
)

// mqttDisconnectQuiesce is how long in-flight work may drain on disconnect,
// in milliseconds.
const mqttDisconnectQuiesce = 250

var errBrokerNotConnected = errors.New("broker not connected")

// MQTTBroker publishes through an MQTT session. Reconnects are left to the
// connectivity machine, so the client never reconnects on its own.
type MQTTBroker struct {
	ClientID  string
	KeepAlive time.Duration

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

var _ connectivity.Broker = (*MQTTBroker)(nil)

// NewMQTTBroker returns a broker session that identifies itself as clientID.
func NewMQTTBroker(clientID string, keepAlive time.Duration) *MQTTBroker {
	return &MQTTBroker{
		ClientID:  clientID,
		KeepAlive: keepAlive,
		newClient: mqtt.NewClient,
	}
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect implements connectivity.Broker.
func (b *MQTTBroker) Connect(ctx context.Context, creds connectivity.Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil && b.client.IsConnectionOpen() {
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + creds.Addr()).
		SetClientID(b.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(b.KeepAlive)
	if dl, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(dl))
	}

	c := b.newClient(opts)
	if err := waitToken(ctx, c.Connect()); err != nil {
		c.Disconnect(0)
		return err
	}
	b.client = c
	return nil
}

// Publish implements connectivity.Broker.
func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c == nil {
		return errBrokerNotConnected
	}
	return waitToken(ctx, c.Publish(topic, qos, retain, payload))
}

// Poll implements connectivity.Broker. The client runs its own keep-alive;
// this only reports whether the connection is still open.
func (b *MQTTBroker) Poll(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && b.client.IsConnectionOpen()
}

// Disconnect implements connectivity.Broker.
func (b *MQTTBroker) Disconnect(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return
	}
	b.client.Disconnect(mqttDisconnectQuiesce)
	b.client = nil
}
