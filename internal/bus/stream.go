package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/ventori/eventbus/internal/bus/errors"
)

// Defaults applied to zero-valued stream and consumer fields.
const (
	DefaultMaxDeliver    = 3
	DefaultAckWait       = 30 * time.Second
	DefaultMaxAckPending = 1000
)

// RetentionPolicy controls when the broker deletes stream messages.
type RetentionPolicy string

const (
	RetentionLimits    RetentionPolicy = "limits"
	RetentionInterest  RetentionPolicy = "interest"
	RetentionWorkQueue RetentionPolicy = "workqueue"
)

// StorageType selects the broker-side storage backend for a stream.
type StorageType string

const (
	StorageFile   StorageType = "file"
	StorageMemory StorageType = "memory"
)

// DiscardPolicy controls which messages are dropped once a stream limit
// is reached.
type DiscardPolicy string

const (
	DiscardOld DiscardPolicy = "old"
	DiscardNew DiscardPolicy = "new"
)

// StreamConfig declares a durable stream: the broker-side persisted log
// for a set of subjects. Configs are created once at startup and never
// mutated in place; changes require explicit re-creation.
type StreamConfig struct {
	Name      string
	Subjects  []string
	Retention RetentionPolicy
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Storage   StorageType
	Replicas  int
	Discard   DiscardPolicy
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Retention == "" {
		c.Retention = RetentionLimits
	}
	if c.Storage == "" {
		c.Storage = StorageFile
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.Discard == "" {
		c.Discard = DiscardOld
	}
	return c
}

// Validate checks the declaration before it is sent to the broker.
func (c StreamConfig) Validate() error {
	if c.Name == "" {
		return &errspkg.ConfigError{Resource: "stream", Name: c.Name, Err: errors.New("name is required")}
	}
	if len(c.Subjects) == 0 {
		return &errspkg.ConfigError{Resource: "stream", Name: c.Name, Err: errors.New("at least one subject is required")}
	}
	for i, a := range c.Subjects {
		for _, b := range c.Subjects[i+1:] {
			if subjectsOverlap(a, b) {
				return &errspkg.ConfigError{
					Resource: "stream",
					Name:     c.Name,
					Err:      fmt.Errorf("subjects %q and %q overlap", a, b),
				}
			}
		}
	}
	return nil
}

func (c StreamConfig) toNATS() *nats.StreamConfig {
	c = c.withDefaults()

	cfg := &nats.StreamConfig{
		Name:     c.Name,
		Subjects: append([]string(nil), c.Subjects...),
		MaxAge:   c.MaxAge,
		MaxBytes: c.MaxBytes,
		MaxMsgs:  c.MaxMsgs,
		Replicas: c.Replicas,
	}

	switch c.Retention {
	case RetentionInterest:
		cfg.Retention = nats.InterestPolicy
	case RetentionWorkQueue:
		cfg.Retention = nats.WorkQueuePolicy
	default:
		cfg.Retention = nats.LimitsPolicy
	}

	if c.Storage == StorageMemory {
		cfg.Storage = nats.MemoryStorage
	} else {
		cfg.Storage = nats.FileStorage
	}

	if c.Discard == DiscardNew {
		cfg.Discard = nats.DiscardNew
	} else {
		cfg.Discard = nats.DiscardOld
	}

	return cfg
}

// streamConfigEqual compares the fields the bus declares. Re-creating a
// stream with an equal config is a no-op; a differing config is
// rejected, never silently overwritten.
func streamConfigEqual(a, b *nats.StreamConfig) bool {
	if a.Name != b.Name ||
		a.Retention != b.Retention ||
		a.MaxAge != b.MaxAge ||
		a.MaxBytes != b.MaxBytes ||
		a.MaxMsgs != b.MaxMsgs ||
		a.Storage != b.Storage ||
		a.Replicas != b.Replicas ||
		a.Discard != b.Discard {
		return false
	}
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	seen := make(map[string]struct{}, len(a.Subjects))
	for _, s := range a.Subjects {
		seen[s] = struct{}{}
	}
	for _, s := range b.Subjects {
		if _, ok := seen[s]; !ok {
			return false
		}
	}
	return true
}

// ConsumerConfig declares a durable consumer: a named stateful cursor
// over a stream, tracking acknowledgment and redelivery. A consumer is
// identified by (stream name, consumer name); re-creating with the same
// name is idempotent for an equal config and rejected otherwise.
type ConsumerConfig struct {
	// FilterSubject restricts the consumer to a subject subset of the stream.
	FilterSubject string
	// MaxDeliver caps total deliveries of one message, first attempt included.
	MaxDeliver int
	// MaxAckPending bounds unacknowledged in-flight messages (backpressure).
	MaxAckPending int
	// AckWait is how long the broker waits for an ack before redelivering.
	AckWait time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = DefaultMaxAckPending
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	return c
}

// Validate checks the declaration before it is sent to the broker.
func (c ConsumerConfig) Validate() error {
	if c.FilterSubject == "" {
		return &errspkg.ConfigError{Resource: "consumer", Name: "", Err: errors.New("filter subject is required")}
	}
	if c.MaxDeliver < 0 {
		return &errspkg.ConfigError{Resource: "consumer", Name: "", Err: errors.New("max deliver must be at least 1")}
	}
	return nil
}

func (c ConsumerConfig) toNATS(name string) *nats.ConsumerConfig {
	c = c.withDefaults()
	return &nats.ConsumerConfig{
		Durable:       name,
		FilterSubject: c.FilterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    c.MaxDeliver,
		MaxAckPending: c.MaxAckPending,
		AckWait:       c.AckWait,
	}
}

func consumerConfigEqual(a, b *nats.ConsumerConfig) bool {
	return a.Durable == b.Durable &&
		a.FilterSubject == b.FilterSubject &&
		a.AckPolicy == b.AckPolicy &&
		a.DeliverPolicy == b.DeliverPolicy &&
		a.MaxDeliver == b.MaxDeliver &&
		a.MaxAckPending == b.MaxAckPending &&
		a.AckWait == b.AckWait
}
