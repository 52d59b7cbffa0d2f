package bus

import (
	"encoding/json"
	"strings"
	"time"

	errspkg "github.com/ventori/eventbus/internal/bus/errors"
)

// Subject namespaces. Events and commands never collide on subject
// space because each derives under its own namespace token.
const (
	eventNamespace   = "evt"
	commandNamespace = "cmd"
)

// EventEnvelope is the canonical wrapper for a domain event. Envelopes
// are value objects: created per publish call, never mutated after.
//
// TraceID is derived by the publisher (from the active span, or freshly
// generated) and must not be set by the author.
type EventEnvelope struct {
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	TraceID       string          `json:"traceId,omitempty"`
}

// NewEvent builds a validated event envelope stamped with the current time.
func NewEvent(eventType, aggregateType, aggregateID string, payload json.RawMessage) (EventEnvelope, error) {
	e := EventEnvelope{
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	}
	if err := e.Validate(); err != nil {
		return EventEnvelope{}, err
	}
	return e, nil
}

// Validate checks the envelope invariants. No I/O happens here.
func (e EventEnvelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return &errspkg.ValidationError{Field: "Type", Reason: "must not be empty"}
	}
	if strings.TrimSpace(e.AggregateID) == "" {
		return &errspkg.ValidationError{Field: "AggregateID", Reason: "must not be empty"}
	}
	return nil
}

// Subject derives the routing key for the event. It is a pure function
// of Type and AggregateType: two envelopes with the same fields always
// map to the same subject, and the payload never participates.
func (e EventEnvelope) Subject(prefix string) string {
	return deriveSubject(prefix, eventNamespace, e.AggregateType, e.Type)
}

// CommandEnvelope is the canonical wrapper for a command directed at a
// single target. It shares the event subject-derivation contract under
// the distinct "cmd" namespace.
type CommandEnvelope struct {
	Type     string          `json:"type"`
	TargetID string          `json:"targetId"`
	TenantID string          `json:"tenantId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedAt time.Time       `json:"issuedAt"`
	TraceID  string          `json:"traceId,omitempty"`
}

// NewCommand builds a validated command envelope stamped with the current time.
func NewCommand(commandType, targetID string, payload json.RawMessage) (CommandEnvelope, error) {
	c := CommandEnvelope{
		Type:     commandType,
		TargetID: targetID,
		Payload:  payload,
		IssuedAt: time.Now().UTC(),
	}
	if err := c.Validate(); err != nil {
		return CommandEnvelope{}, err
	}
	return c, nil
}

// Validate checks the envelope invariants. No I/O happens here.
func (c CommandEnvelope) Validate() error {
	if strings.TrimSpace(c.Type) == "" {
		return &errspkg.ValidationError{Field: "Type", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.TargetID) == "" {
		return &errspkg.ValidationError{Field: "TargetID", Reason: "must not be empty"}
	}
	return nil
}

// Subject derives the routing key for the command.
func (c CommandEnvelope) Subject(prefix string) string {
	return deriveSubject(prefix, commandNamespace, "", c.Type)
}

// deriveSubject assembles <prefix>.<namespace>.<aggregate-type>.<type>.
// The aggregate-type token is skipped when the dotted type already
// starts with it, so "invoice.created" under aggregate type "invoice"
// yields "evt.invoice.created", not "evt.invoice.invoice.created".
func deriveSubject(prefix, namespace, aggregateType, typ string) string {
	parts := make([]string, 0, 4)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, namespace)
	if aggregateType != "" && typ != aggregateType && !strings.HasPrefix(typ, aggregateType+".") {
		parts = append(parts, aggregateType)
	}
	parts = append(parts, typ)
	return strings.Join(parts, ".")
}
