package obd

import (
	"context"
	"strings"
	"sync"
)

// Simulator is an in-memory adapter answering from a reply table. It backs
// the "sim" transport for bench runs without a car, and tests.
type Simulator struct {
	mu          sync.Mutex
	replies     map[string]string
	silent      map[string]bool
	connectErr  error
	connected   bool
	pending     *Response
	sent        []string
	connects    int
	disconnects int
}

// NewSimulator returns a Simulator answering every read with a plausible
// value for a parked car.
func NewSimulator() *Simulator {
	return &Simulator{
		replies: map[string]string{
			"ATZ":    "ELM327 v1.5",
			"221FFC": "7EF 05 62 1F FC 1E 23",
			"220032": "7EF 04 62 00 32 41",
			"220008": "7EF 05 62 00 08 02 00",
			"22000B": "7EF 05 62 00 0B 01 23",
			"220011": "7EF 05 62 00 11 12 34",
			"220012": "7EF 05 62 00 12 0F A0",
		},
		silent: map[string]bool{},
	}
}

// Reply sets the raw text returned for cmd.
func (s *Simulator) Reply(cmd, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[cmd] = raw
	delete(s.silent, cmd)
}

// Silence makes cmd go unanswered, as if the car had gone away.
func (s *Simulator) Silence(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[cmd] = true
}

// FailConnect makes Connect return err. A nil err restores connecting.
func (s *Simulator) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// Connect implements Link.
func (s *Simulator) Connect(ctx context.Context, deviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connected {
		s.connected = true
		s.connects++
	}
	return nil
}

// SendQuery implements Link.
func (s *Simulator) SendQuery(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.sent = append(s.sent, cmd)
	s.pending = nil
	if s.silent[cmd] {
		return nil
	}
	raw, ok := s.replies[cmd]
	if !ok {
		raw = "NO DATA"
		if strings.HasPrefix(cmd, "AT") || strings.HasPrefix(cmd, "ST") {
			raw = "OK"
		}
	}
	r := Classify([]byte(raw), cmd)
	s.pending = &r
	return nil
}

// PollResponse implements Link. Each reply is returned once.
func (s *Simulator) PollResponse() Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Pending
	}
	r := *s.pending
	s.pending = nil
	return r
}

// Disconnect implements Link.
func (s *Simulator) Disconnect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.connected = false
	s.pending = nil
	s.disconnects++
}

// Sent returns every command sent so far.
func (s *Simulator) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Connected reports whether the link is currently open.
func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Counts returns how many times the link was opened and closed.
func (s *Simulator) Counts() (connects, disconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects
}
