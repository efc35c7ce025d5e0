package types

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Status strings published to the broker.
const (
	StatusConnected    = "CONNECTED"
	StatusNoCar        = "No Car Connection"
	StatusUnknownError = "UNKNOWN_ERROR"
	TimestampNotSynced = "TIME_NOT_SYNCED"
)

// DefaultLinkLostStreak is the number of consecutive transport timeouts after
// which the vehicle link is considered lost.
const DefaultLinkLostStreak = 2

// FailureKind classifies why a component failed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// TransportTimeout counts toward the link-lost streak.
	TransportTimeout
	// ProtocolError is a malformed or negative response. It does not count
	// toward the streak.
	ProtocolError
	ConnectivityFailure
	PublishFailure
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case TransportTimeout:
		return "transport_timeout"
	case ProtocolError:
		return "protocol_error"
	case ConnectivityFailure:
		return "connectivity_failure"
	case PublishFailure:
		return "publish_failure"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// Failure is a classified failure with a short reason. It is carried as a
// value between components and never thrown.
type Failure struct {
	Kind   FailureKind
	Reason string
}

func (f Failure) Error() string {
	return f.Reason
}

// FailureStreak tracks consecutive transport timeouts.
// LinkLost implies ConsecutiveTimeouts >= the threshold it was recorded with.
type FailureStreak struct {
	ConsecutiveTimeouts uint `json:"consecutiveTimeouts"`
	LinkLost            bool `json:"linkLost"`
}

// RecordTimeout increments the streak and reports whether the link is now
// considered lost.
func (s *FailureStreak) RecordTimeout(threshold uint) bool {
	s.ConsecutiveTimeouts++
	if threshold > 0 && s.ConsecutiveTimeouts >= threshold {
		s.LinkLost = true
	}
	return s.LinkLost
}

// Reset clears the streak. It reports whether anything changed.
func (s *FailureStreak) Reset() bool {
	if s.ConsecutiveTimeouts == 0 && !s.LinkLost {
		return false
	}
	s.ConsecutiveTimeouts = 0
	s.LinkLost = false
	return true
}

// CycleOutcome decides the delay before the next cycle.
type CycleOutcome int

const (
	OutcomeSuccess CycleOutcome = iota + 1
	OutcomeNoDeviceLink
	OutcomeError
)

func (o CycleOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoDeviceLink:
		return "no_device_link"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// SelectOutcome computes a cycle's outcome. succeeded is true when every
// reading was valid and the cycle's publishes went through.
func SelectOutcome(succeeded, linkLost bool) CycleOutcome {
	switch {
	case succeeded:
		return OutcomeSuccess
	case linkLost:
		return OutcomeNoDeviceLink
	default:
		return OutcomeError
	}
}

// Intervals are the idle durations chosen per outcome.
type Intervals struct {
	Normal time.Duration `json:"normal"`
	Error  time.Duration `json:"error"`
	Retry  time.Duration `json:"retry"`
}

// For returns the interval for the outcome.
func (iv Intervals) For(o CycleOutcome) time.Duration {
	switch o {
	case OutcomeSuccess:
		return iv.Normal
	case OutcomeNoDeviceLink:
		return iv.Error
	default:
		return iv.Retry
	}
}

// ConnectivityStatus is owned by the connectivity machine.
type ConnectivityStatus struct {
	WifiUp   bool `json:"wifiUp"`
	TimeUp   bool `json:"timeUp"`
	BrokerUp bool `json:"brokerUp"`
}

// LastErrorSize bounds the stored error text.
const LastErrorSize = 128

// LastError is an overwrite-only bounded error text.
type LastError struct {
	text string
}

// Set replaces the text, truncating it to at most LastErrorSize bytes without
// splitting a rune.
func (e *LastError) Set(text string) {
	if len(text) > LastErrorSize {
		n := LastErrorSize
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n]
	}
	e.text = text
}

// Clear empties the text.
func (e *LastError) Clear() {
	e.text = ""
}

func (e LastError) String() string {
	return e.text
}
