package obd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/raterudder/batteryrelay/pkg/log"
)

const (
	// prompt terminates every ELM327 reply.
	prompt = '>'
	// responseBuffer bounds replies waiting to be polled. Older replies are
	// dropped when nobody polls.
	responseBuffer = 4
)

// Port is a byte stream to the adapter.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a Port to the named adapter. It must give up when ctx is done.
type Opener func(ctx context.Context, deviceName string) (Port, error)

// ELM327 implements Link for ELM327-compatible adapters. It is the only owner
// of its Port; a background reader splits the stream into replies.
type ELM327 struct {
	open Opener

	mu        sync.Mutex
	port      Port
	responses chan []byte
	lastCmd   string
}

// NewELM327 returns a link that opens its port with open.
func NewELM327(open Opener) *ELM327 {
	return &ELM327{open: open}
}

// Connect opens the port. If ctx is done by the time the port opens, the port
// is closed again so that a Disconnect racing with Connect never leaks it.
func (e *ELM327) Connect(ctx context.Context, deviceName string) error {
	e.mu.Lock()
	connected := e.port != nil
	e.mu.Unlock()
	if connected {
		return nil
	}

	port, err := e.open(ctx, deviceName)
	if err != nil {
		return fmt.Errorf("failed to open adapter %q: %w", deviceName, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		port.Close()
		return fmt.Errorf("connect to %q abandoned: %w", deviceName, err)
	}
	e.port = port
	e.responses = make(chan []byte, responseBuffer)
	go readReplies(port, e.responses)

	log.Ctx(ctx).DebugContext(ctx, "diagnostic link connected", slog.String("device", deviceName))
	return nil
}

// SendQuery discards any unread replies and writes cmd terminated by CR.
func (e *ELM327) SendQuery(ctx context.Context, cmd string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return ErrNotConnected
	}

	for drained := false; !drained; {
		select {
		case _, ok := <-e.responses:
			if !ok {
				return fmt.Errorf("adapter stream closed: %w", ErrNotConnected)
			}
		default:
			drained = true
		}
	}

	e.lastCmd = cmd
	if _, err := e.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("failed to write %s: %w", cmd, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "sent adapter command", slog.String("cmd", cmd))
	return nil
}

// PollResponse returns Pending until a full reply has been read. A link whose
// stream has ended also stays Pending; the caller's timeout classifies it.
func (e *ELM327) PollResponse() Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return Pending
	}
	select {
	case raw, ok := <-e.responses:
		if !ok {
			return Pending
		}
		return Classify(raw, e.lastCmd)
	default:
		return Pending
	}
}

// Disconnect resets the adapter best-effort and closes the port.
func (e *ELM327) Disconnect(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return
	}
	if _, err := e.port.Write([]byte("ATZ\r")); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to reset adapter before disconnect", slog.Any("error", err))
	}
	if err := e.port.Close(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to close adapter port", slog.Any("error", err))
	}
	e.port = nil
	e.responses = nil
	e.lastCmd = ""
	log.Ctx(ctx).DebugContext(ctx, "diagnostic link disconnected")
}

// readReplies runs until the port is closed.
func readReplies(port Port, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 64)
	var reply []byte
	for {
		n, err := port.Read(buf)
		for _, b := range buf[:n] {
			if b != prompt {
				reply = append(reply, b)
				continue
			}
			select {
			case out <- reply:
			default:
				// drop if nobody is polling
			}
			reply = nil
		}
		if err != nil {
			return
		}
	}
}
