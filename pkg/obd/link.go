package obd

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned when a query is sent without a connection.
	ErrNotConnected = errors.New("diagnostic link not connected")
	// ErrNoDevice is returned when the named adapter could not be found.
	ErrNoDevice = errors.New("diagnostic adapter not found")
)

// Link is the request/response contract of the diagnostic adapter.
type Link interface {
	// Connect opens the transport to the named adapter. It gives up when ctx
	// is done.
	Connect(ctx context.Context, deviceName string) error

	// SendQuery fires a command (AT command or hex diagnostic query). The
	// response is collected with PollResponse.
	SendQuery(ctx context.Context, cmd string) error

	// PollResponse never blocks.
	PollResponse() Response

	// Disconnect is idempotent.
	Disconnect(ctx context.Context)
}

// ResponseState is the state of the last query.
type ResponseState int

const (
	ResponsePending ResponseState = iota
	ResponseSuccess
	ResponseError
)

func (s ResponseState) String() string {
	switch s {
	case ResponsePending:
		return "pending"
	case ResponseSuccess:
		return "success"
	case ResponseError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Response is the result of PollResponse. Payload holds the adapter's text
// with whitespace, echo and prompt removed, e.g. "7EF0562220032C8".
type Response struct {
	State   ResponseState
	Payload []byte
	Err     error
}

// Pending is returned while no complete response has arrived.
var Pending = Response{State: ResponsePending}

// errorMarkers are adapter replies that mean the query failed. They contain
// non-hex letters so they can not collide with a payload.
var errorMarkers = []string{
	"?",
	"NODATA",
	"ERROR",
	"UNABLETOCONNECT",
	"STOPPED",
	"BUFFERFULL",
	"BUSBUSY",
}

// Classify turns one raw adapter reply (everything before the '>' prompt)
// into a Response. cmd is the command that was sent, used to drop an echo.
func Classify(raw []byte, cmd string) Response {
	echo := compact(cmd)
	lines := strings.FieldsFunc(strings.ToUpper(string(raw)), func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	var body strings.Builder
	for _, line := range lines {
		line = compact(line)
		if line == "" || line == echo || strings.HasPrefix(line, "SEARCHING") {
			continue
		}
		body.WriteString(line)
	}
	text := body.String()
	if text == "" {
		return Response{State: ResponseError, Err: errors.New("empty response")}
	}
	for _, m := range errorMarkers {
		if strings.Contains(text, m) {
			return Response{State: ResponseError, Payload: []byte(text), Err: fmt.Errorf("adapter replied %s", text)}
		}
	}
	return Response{State: ResponseSuccess, Payload: []byte(text)}
}

func compact(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}
