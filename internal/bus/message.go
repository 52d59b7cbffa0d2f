package bus

import (
	"context"

	errspkg "github.com/ventori/eventbus/internal/bus/errors"
	"github.com/ventori/eventbus/internal/bus/jsoncodec"
	"github.com/ventori/eventbus/internal/bus/metadata"
)

// Message is one inbound delivery handed to a Handler. The body stays
// opaque bytes; routing and observability metadata ride in Header.
type Message struct {
	Subject string
	Data    []byte
	Header  metadata.Metadata
	TraceID string

	ack     func() error
	nak     func() error
	respond func(data []byte) error
}

// Handler processes one delivery. Returning an error marks the
// invocation failed for metrics and logging; in durable mode a handler
// that returns without acking leaves the message due for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Ack acknowledges a durable delivery. On fire-and-forget deliveries it
// is a no-op, so handlers can be written once for both modes.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nak signals the broker to redeliver without waiting for AckWait.
// No-op on fire-and-forget deliveries.
func (m *Message) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// Respond replies to a request/reply message. It fails when the message
// carries no reply address.
func (m *Message) Respond(data []byte) error {
	if m.respond == nil {
		return &errspkg.PublishError{
			Subject: m.Subject,
			Err:     errspkg.ErrEmptySubject,
		}
	}
	return m.respond(data)
}

// Event decodes the body as an event envelope, restoring the trace id
// from the transport header.
func (m *Message) Event() (EventEnvelope, error) {
	var e EventEnvelope
	if err := jsoncodec.Unmarshal(m.Data, &e); err != nil {
		return EventEnvelope{}, &errspkg.SerializationError{Op: "decode event envelope", Err: err}
	}
	if e.TraceID == "" {
		e.TraceID = m.TraceID
	}
	return e, nil
}

// Command decodes the body as a command envelope, restoring the trace
// id from the transport header.
func (m *Message) Command() (CommandEnvelope, error) {
	var c CommandEnvelope
	if err := jsoncodec.Unmarshal(m.Data, &c); err != nil {
		return CommandEnvelope{}, &errspkg.SerializationError{Op: "decode command envelope", Err: err}
	}
	if c.TraceID == "" {
		c.TraceID = m.TraceID
	}
	return c, nil
}
