package publisher

import (
	"context"
	"log/slog"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/batteryrelay/pkg/async"
	"github.com/raterudder/batteryrelay/pkg/log"
	"github.com/raterudder/batteryrelay/pkg/types"
)

// Topics names every topic a cycle publishes to.
type Topics struct {
	Status     string
	LastUpdate string
	Readings   map[types.ReadingKind]string
}

// DefaultTopics returns the topics under prefix.
func DefaultTopics(prefix string) Topics {
	return Topics{
		Status:     prefix + "/status",
		LastUpdate: prefix + "/last_update",
		Readings: map[types.ReadingKind]string{
			types.StateOfCharge:      prefix + "/soc",
			types.BatteryTemperature: prefix + "/battery_temp",
			types.BatteryVoltage:     prefix + "/battery_voltage",
			types.TotalCharges:       prefix + "/total_charges",
			types.TotalKwhCharged:    prefix + "/kwh_charged",
			types.TotalKwhDischarged: prefix + "/kwh_discharged",
		},
	}
}

// Message is one publish.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Publisher builds the messages of a cycle.
type Publisher struct {
	Topics Topics
	Retain bool
}

// New returns a Publisher for the topics under prefix.
func New(prefix string, retain bool) *Publisher {
	return &Publisher{Topics: DefaultTopics(prefix), Retain: retain}
}

// Configured sets up the publisher based on flags.
func Configured() *Publisher {
	prefix := lflag.String("topic-prefix", "bydseal", "Prefix of every published topic")
	retain := lflag.Bool("retain", true, "Ask the broker to retain published messages")

	p := New("", true)

	lflag.Do(func() {
		p.Topics = DefaultTopics(*prefix)
		p.Retain = *retain
	})

	return p
}

func (p *Publisher) message(topic, payload string) Message {
	return Message{Topic: topic, Payload: []byte(payload), Retain: p.Retain}
}

// Telemetry returns the messages of a completed acquisition: the status
// first, then every valid reading, then the timestamp. When the vehicle link
// is lost only the no-car status and the timestamp are sent.
func (p *Publisher) Telemetry(rs types.ReadingSet, linkLost bool, timestamp string) []Message {
	if linkLost {
		return []Message{
			p.message(p.Topics.Status, types.StatusNoCar),
			p.message(p.Topics.LastUpdate, timestamp),
		}
	}
	msgs := []Message{p.message(p.Topics.Status, types.StatusConnected)}
	for _, r := range rs.Readings {
		topic, ok := p.Topics.Readings[r.Kind]
		if !r.Valid || !ok {
			continue
		}
		msgs = append(msgs, p.message(topic, r.Format()))
	}
	return append(msgs, p.message(p.Topics.LastUpdate, timestamp))
}

// ErrorStatus returns the messages of a failed cycle: the no-car status when
// the link is lost, otherwise the error text, followed by the timestamp.
func (p *Publisher) ErrorStatus(lastErr string, linkLost bool, timestamp string) []Message {
	status := lastErr
	switch {
	case linkLost:
		status = types.StatusNoCar
	case status == "":
		status = types.StatusUnknownError
	}
	return []Message{
		p.message(p.Topics.Status, status),
		p.message(p.Topics.LastUpdate, timestamp),
	}
}

// Sender is the publish primitive of the connectivity machine.
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) *async.Op[bool]
}

// Batch sends messages in order, one in flight at a time. A failed publish
// does not stop the rest; OK is the AND of every result.
type Batch struct {
	msgs   []Message
	next   int
	sent   int
	ok     bool
	failed []string
	op     *async.Op[bool]
}

// NewBatch returns a batch of msgs.
func NewBatch(msgs []Message) *Batch {
	return &Batch{msgs: msgs, ok: true}
}

// Advance polls the in-flight publish or starts the next one. It never
// blocks and reports whether every message has a result.
func (b *Batch) Advance(ctx context.Context, s Sender) bool {
	if b.op != nil {
		ok, done := b.op.Poll()
		if !done {
			return false
		}
		msg := b.msgs[b.next-1]
		b.op = nil
		b.sent++
		if !ok {
			b.ok = false
			b.failed = append(b.failed, msg.Topic)
			log.Ctx(ctx).WarnContext(ctx, "failed to publish", slog.String("topic", msg.Topic))
		}
	}
	if b.next < len(b.msgs) {
		msg := b.msgs[b.next]
		b.next++
		b.op = s.Publish(ctx, msg.Topic, msg.Payload, msg.Retain)
		return false
	}
	return true
}

// Done reports whether every message has a result.
func (b *Batch) Done() bool {
	return b.op == nil && b.next >= len(b.msgs)
}

// OK reports whether every finished publish succeeded.
func (b *Batch) OK() bool {
	return b.ok
}

// Failed returns the topics whose publish failed.
func (b *Batch) Failed() []string {
	return b.failed
}

// Sent returns how many publishes have finished.
func (b *Batch) Sent() int {
	return b.sent
}
