package uplink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/raterudder/batteryrelay/pkg/connectivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload string
}

type fakeClient struct {
	mqtt.Client
	opts *mqtt.ClientOptions

	connectToken mqtt.Token
	publishErr   error

	mu          sync.Mutex
	open        bool
	published   []published
	disconnects []uint
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectToken.Error() == nil {
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
	}
	return c.connectToken
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, qos, retained, string(payload.([]byte))})
	return doneToken(c.publishErr)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.disconnects = append(c.disconnects, quiesce)
}

func newTestMQTT(client *fakeClient) *MQTTBroker {
	b := NewMQTTBroker("batteryrelay-test", 30*time.Second)
	b.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		client.opts = opts
		return client
	}
	return b
}

var testCreds = connectivity.Credentials{Host: "10.0.0.2", Port: 1883, Username: "seal", Password: "pw"}

func TestMQTTBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("Session", func(t *testing.T) {
		client := &fakeClient{connectToken: doneToken(nil)}
		b := newTestMQTT(client)

		assert.False(t, b.Poll(ctx))
		require.NoError(t, b.Connect(ctx, testCreds))
		assert.True(t, b.Poll(ctx))

		require.NotNil(t, client.opts)
		assert.Equal(t, "batteryrelay-test", client.opts.ClientID)
		assert.Equal(t, "seal", client.opts.Username)
		assert.Equal(t, "pw", client.opts.Password)
		assert.False(t, client.opts.AutoReconnect)
		require.Len(t, client.opts.Servers, 1)
		assert.Equal(t, "tcp://10.0.0.2:1883", client.opts.Servers[0].String())

		require.NoError(t, b.Publish(ctx, "bydseal/soc", []byte("77.15"), true, 1))
		assert.Equal(t, []published{{"bydseal/soc", 1, true, "77.15"}}, client.published)

		b.Disconnect(ctx)
		b.Disconnect(ctx)
		assert.Equal(t, []uint{mqttDisconnectQuiesce}, client.disconnects)
		assert.False(t, b.Poll(ctx))
		assert.ErrorIs(t, b.Publish(ctx, "bydseal/soc", []byte("1"), true, 1), errBrokerNotConnected)
	})

	t.Run("ConnectRefused", func(t *testing.T) {
		client := &fakeClient{connectToken: doneToken(errors.New("not authorized"))}
		b := newTestMQTT(client)

		assert.EqualError(t, b.Connect(ctx, testCreds), "not authorized")
		assert.Equal(t, []uint{0}, client.disconnects)
		assert.False(t, b.Poll(ctx))
	})

	t.Run("ConnectTimeout", func(t *testing.T) {
		client := &fakeClient{connectToken: &fakeToken{done: make(chan struct{})}}
		b := newTestMQTT(client)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, b.Connect(cctx, testCreds), context.DeadlineExceeded)
	})

	t.Run("PublishError", func(t *testing.T) {
		client := &fakeClient{connectToken: doneToken(nil), publishErr: errors.New("pending queue full")}
		b := newTestMQTT(client)
		require.NoError(t, b.Connect(ctx, testCreds))
		assert.Error(t, b.Publish(ctx, "bydseal/status", []byte("CONNECTED"), true, 1))
	})
}
