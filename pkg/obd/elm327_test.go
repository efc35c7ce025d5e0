package obd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is a Port whose adapter side is driven by the test.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.w.Close()
}

// reply writes raw as if the adapter had sent it.
func (p *fakePort) reply(t *testing.T, raw string) {
	_, err := p.w.Write([]byte(raw))
	require.NoError(t, err)
}

func (p *fakePort) sent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func openFake(port *fakePort) Opener {
	return func(ctx context.Context, deviceName string) (Port, error) {
		return port, nil
	}
}

func pollUntil(t *testing.T, l Link) Response {
	var r Response
	require.Eventually(t, func() bool {
		r = l.PollResponse()
		return r.State != ResponsePending
	}, time.Second, 5*time.Millisecond)
	return r
}

func TestELM327(t *testing.T) {
	ctx := context.Background()

	t.Run("QueryAndReply", func(t *testing.T) {
		port := newFakePort()
		e := NewELM327(openFake(port))
		require.NoError(t, e.Connect(ctx, "OBDII"))
		defer e.Disconnect(ctx)

		require.NoError(t, e.SendQuery(ctx, "220032"))
		assert.Equal(t, "220032\r", port.sent())
		assert.Equal(t, ResponsePending, e.PollResponse().State)

		port.reply(t, "7EF 04 62 00 32 41\r\r>")
		r := pollUntil(t, e)
		assert.Equal(t, ResponseSuccess, r.State)
		assert.Equal(t, "7EF0462003241", string(r.Payload))
	})

	t.Run("ProtocolError", func(t *testing.T) {
		port := newFakePort()
		e := NewELM327(openFake(port))
		require.NoError(t, e.Connect(ctx, "OBDII"))
		defer e.Disconnect(ctx)

		require.NoError(t, e.SendQuery(ctx, "220008"))
		port.reply(t, "NO DATA\r\r>")
		r := pollUntil(t, e)
		assert.Equal(t, ResponseError, r.State)
		assert.Error(t, r.Err)
	})

	t.Run("StaleReplyDiscarded", func(t *testing.T) {
		port := newFakePort()
		e := NewELM327(openFake(port))
		require.NoError(t, e.Connect(ctx, "OBDII"))
		defer e.Disconnect(ctx)

		require.NoError(t, e.SendQuery(ctx, "ATE0"))
		port.reply(t, "OK\r>")
		require.Eventually(t, func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return len(e.responses) == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, e.SendQuery(ctx, "220032"))
		assert.Equal(t, ResponsePending, e.PollResponse().State)
	})

	t.Run("NotConnected", func(t *testing.T) {
		e := NewELM327(openFake(newFakePort()))
		assert.ErrorIs(t, e.SendQuery(ctx, "ATZ"), ErrNotConnected)
		assert.Equal(t, ResponsePending, e.PollResponse().State)
	})

	t.Run("OpenFails", func(t *testing.T) {
		e := NewELM327(func(ctx context.Context, deviceName string) (Port, error) {
			return nil, ErrNoDevice
		})
		assert.ErrorIs(t, e.Connect(ctx, "OBDII"), ErrNoDevice)
	})

	t.Run("AbandonedConnectClosesPort", func(t *testing.T) {
		port := newFakePort()
		cctx, cancel := context.WithCancel(ctx)
		e := NewELM327(func(ctx context.Context, deviceName string) (Port, error) {
			cancel()
			return port, nil
		})
		err := e.Connect(cctx, "OBDII")
		assert.True(t, errors.Is(err, context.Canceled))
		assert.True(t, port.isClosed())
		assert.ErrorIs(t, e.SendQuery(ctx, "ATZ"), ErrNotConnected)
	})

	t.Run("ReaderExited", func(t *testing.T) {
		port := newFakePort()
		e := NewELM327(openFake(port))
		require.NoError(t, e.Connect(ctx, "OBDII"))

		// the adapter goes away and the stream ends
		require.NoError(t, port.w.Close())
		require.Eventually(t, func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			select {
			case _, ok := <-e.responses:
				return !ok
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)

		sendErr := make(chan error, 1)
		go func() { sendErr <- e.SendQuery(ctx, "220008") }()
		select {
		case err := <-sendErr:
			assert.ErrorIs(t, err, ErrNotConnected)
		case <-time.After(time.Second):
			t.Fatal("SendQuery blocked after the stream ended")
		}
		assert.Equal(t, ResponsePending, e.PollResponse().State)

		disconnected := make(chan struct{})
		go func() {
			e.Disconnect(ctx)
			close(disconnected)
		}()
		select {
		case <-disconnected:
		case <-time.After(time.Second):
			t.Fatal("Disconnect blocked after the stream ended")
		}
		assert.True(t, port.isClosed())
	})

	t.Run("DisconnectIdempotent", func(t *testing.T) {
		port := newFakePort()
		e := NewELM327(openFake(port))
		require.NoError(t, e.Connect(ctx, "OBDII"))

		e.Disconnect(ctx)
		assert.True(t, port.isClosed())
		assert.Equal(t, "ATZ\r", port.sent())

		assert.NotPanics(t, func() {
			e.Disconnect(ctx)
			e.Disconnect(ctx)
		})
		assert.Equal(t, "ATZ\r", port.sent())
	})
}

func TestSimulator(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()

	assert.ErrorIs(t, s.SendQuery(ctx, "ATZ"), ErrNotConnected)
	require.NoError(t, s.Connect(ctx, "sim"))

	require.NoError(t, s.SendQuery(ctx, "ATSP6"))
	r := s.PollResponse()
	assert.Equal(t, ResponseSuccess, r.State)
	assert.Equal(t, "OK", string(r.Payload))
	assert.Equal(t, ResponsePending, s.PollResponse().State, "a reply is returned once")

	s.Silence("220008")
	require.NoError(t, s.SendQuery(ctx, "220008"))
	assert.Equal(t, ResponsePending, s.PollResponse().State)

	require.NoError(t, s.SendQuery(ctx, "229999"))
	assert.Equal(t, ResponseError, s.PollResponse().State)

	s.Disconnect(ctx)
	s.Disconnect(ctx)
	connects, disconnects := s.Counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, []string{"ATSP6", "220008", "229999"}, s.Sent())

	s.FailConnect(ErrNoDevice)
	assert.ErrorIs(t, s.Connect(ctx, "sim"), ErrNoDevice)
	assert.False(t, s.Connected())
}
