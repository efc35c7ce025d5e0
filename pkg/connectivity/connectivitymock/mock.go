package connectivitymock

import (
	"context"
	"time"

	"github.com/raterudder/batteryrelay/pkg/connectivity"
	"github.com/stretchr/testify/mock"
)

type MockNetwork struct {
	mock.Mock
}

var _ connectivity.Network = (*MockNetwork)(nil)

func (m *MockNetwork) Connect(ctx context.Context, ssid, password string) error {
	args := m.Called(ctx, ssid, password)
	return args.Error(0)
}

func (m *MockNetwork) Disconnect(ctx context.Context) {
	m.Called(ctx)
}

type MockTimeSource struct {
	mock.Mock
}

var _ connectivity.TimeSource = (*MockTimeSource)(nil)

func (m *MockTimeSource) Offset(ctx context.Context, server string) (time.Duration, error) {
	args := m.Called(ctx, server)
	if len(args) > 0 {
		return args.Get(0).(time.Duration), args.Error(1)
	}
	return 0, nil
}

type MockBroker struct {
	mock.Mock
}

var _ connectivity.Broker = (*MockBroker)(nil)

func (m *MockBroker) Connect(ctx context.Context, creds connectivity.Credentials) error {
	args := m.Called(ctx, creds)
	return args.Error(0)
}

func (m *MockBroker) Publish(ctx context.Context, topic string, payload []byte, retain bool, qos byte) error {
	args := m.Called(ctx, topic, string(payload), retain, qos)
	return args.Error(0)
}

func (m *MockBroker) Poll(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockBroker) Disconnect(ctx context.Context) {
	m.Called(ctx)
}

// Published returns the topic and payload of every Publish call, in order.
func (m *MockBroker) Published() [][2]string {
	var out [][2]string
	for _, c := range m.Calls {
		if c.Method == "Publish" {
			out = append(out, [2]string{c.Arguments.String(1), c.Arguments.String(2)})
		}
	}
	return out
}
