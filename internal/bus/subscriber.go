package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	errspkg "github.com/ventori/eventbus/internal/bus/errors"
	"github.com/ventori/eventbus/internal/bus/logging"
	"github.com/ventori/eventbus/internal/bus/metadata"
	"github.com/ventori/eventbus/internal/bus/tracing"
)

const (
	defaultFetchBatch = 10
	defaultFetchWait  = time.Second
	fetchRetryDelay   = 250 * time.Millisecond
)

// subKey identifies one registry entry. Fan-out, queue-group and
// durable registrations occupy distinct keys so the same subject can be
// consumed in different modes.
type subKey struct {
	subject string
	group   string
}

// Subscriber owns the inbound side of a connection: handler
// registration and subscription teardown. The registry is an explicit
// mutex-guarded table; registration and lookup are O(1). Handlers for
// different subjects run concurrently; deliveries to one durable
// consumer are dispatched serially to preserve publish order.
type Subscriber struct {
	conn     *Conn
	ownsConn bool

	fetchBatch int
	fetchWait  time.Duration

	mu     sync.Mutex
	subs   map[subKey]subscription
	closed bool

	wg sync.WaitGroup
}

// NewSubscriber attaches a subscriber to an existing connection. The
// connection lifecycle stays with whoever constructed it.
func NewSubscriber(c *Conn) *Subscriber {
	return &Subscriber{
		conn:       c,
		fetchBatch: defaultFetchBatch,
		fetchWait:  defaultFetchWait,
		subs:       make(map[subKey]subscription),
	}
}

// ConnectSubscriber opens a dedicated connection and returns a
// subscriber that owns it: Close releases the connection too.
func ConnectSubscriber(ctx context.Context, cfg Config, deps Dependencies) (*Subscriber, error) {
	c, err := Connect(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	s := NewSubscriber(c)
	s.ownsConn = true
	return s, nil
}

// Conn exposes the underlying connection for health probing.
func (s *Subscriber) Conn() *Conn { return s.conn }

// Subscribe registers a fan-out handler: every subscriber process
// attached to the subject receives every matching message, at most
// once, with no acknowledgment.
func (s *Subscriber) Subscribe(subject string, h Handler) error {
	key := subKey{subject: subject}
	return s.register(key, h, func() (subscription, error) {
		return s.conn.broker.Subscribe(subject, s.callback(subject, h))
	})
}

// SubscribeQueue registers a load-balanced handler: exactly one member
// of the queue group receives each matching message.
func (s *Subscriber) SubscribeQueue(subject, queueGroup string, h Handler) error {
	if queueGroup == "" {
		return &errspkg.SubscribeError{Subject: subject, Err: errspkg.ErrEmptyQueue}
	}
	key := subKey{subject: subject, group: queueGroup}
	return s.register(key, h, func() (subscription, error) {
		return s.conn.broker.QueueSubscribe(subject, queueGroup, s.callback(subject, h))
	})
}

// SubscribeDurable attaches to a previously created durable consumer.
// Handlers must acknowledge explicitly; unacknowledged messages are
// redelivered after the consumer's AckWait, up to MaxDeliver total
// deliveries, after which the broker stops delivering and the message
// is a dead-letter candidate for the caller.
func (s *Subscriber) SubscribeDurable(streamName, consumerName, subject string, h Handler) error {
	if streamName == "" || consumerName == "" {
		return &errspkg.SubscribeError{Subject: subject, Err: errors.New("stream and consumer names are required")}
	}
	key := subKey{subject: subject, group: "durable/" + streamName + "/" + consumerName}
	return s.register(key, h, func() (subscription, error) {
		pull, err := s.conn.broker.PullSubscribe(streamName, consumerName, subject)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.consumeDurable(ctx, pull, subject, h)

		return &durableSub{pull: pull, cancel: cancel}, nil
	})
}

// Unsubscribe tears down a single fan-out or queue-group registration.
func (s *Subscriber) Unsubscribe(subject, queueGroup string) error {
	key := subKey{subject: subject, group: queueGroup}

	s.mu.Lock()
	sub, ok := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return &errspkg.SubscribeError{Subject: subject, Queue: queueGroup, Err: err}
	}
	return nil
}

// UnsubscribeAll deterministically tears down every registered
// subscription. Idempotent: a second call finds nothing to do.
func (s *Subscriber) UnsubscribeAll() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[subKey]subscription)
	s.mu.Unlock()

	var errs []error
	for key, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, &errspkg.SubscribeError{Subject: key.subject, Queue: key.group, Err: err})
		}
	}

	s.wg.Wait()
	return errors.Join(errs...)
}

// Close implies UnsubscribeAll, then releases the connection when this
// subscriber owns it.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.UnsubscribeAll()
	if s.ownsConn {
		if closeErr := s.conn.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (s *Subscriber) register(key subKey, h Handler, attach func() (subscription, error)) error {
	if key.subject == "" {
		return &errspkg.SubscribeError{Subject: key.subject, Queue: key.group, Err: errspkg.ErrEmptySubject}
	}
	if h == nil {
		return &errspkg.SubscribeError{Subject: key.subject, Queue: key.group, Err: errspkg.ErrNilHandler}
	}
	if err := s.conn.operational(); err != nil {
		return &errspkg.SubscribeError{Subject: key.subject, Queue: key.group, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &errspkg.SubscribeError{Subject: key.subject, Queue: key.group, Err: errspkg.ErrClosed}
	}
	if _, dup := s.subs[key]; dup {
		return &errspkg.SubscribeError{Subject: key.subject, Queue: key.group, Err: errspkg.ErrSubscribed}
	}

	sub, err := attach()
	if err != nil {
		return &errspkg.SubscribeError{Subject: key.subject, Queue: key.group, Err: err}
	}
	s.subs[key] = sub

	s.conn.log.Debug("subscribed", logging.LogFields{
		"subject": key.subject,
		"group":   key.group,
	})
	return nil
}

// callback adapts a broker delivery into a handler invocation for
// fan-out and queue-group modes (no acknowledgment).
func (s *Subscriber) callback(subject string, h Handler) func(*nats.Msg) {
	return func(nm *nats.Msg) {
		s.dispatch(subject, s.newMessage(nm), h)
	}
}

func (s *Subscriber) newMessage(nm *nats.Msg) *Message {
	md := metadata.FromNATSHeader(nm.Header)
	msg := &Message{
		Subject: nm.Subject,
		Data:    nm.Data,
		Header:  md,
		TraceID: tracing.Extract(md),
	}
	if reply := nm.Reply; reply != "" {
		msg.respond = func(data []byte) error {
			return s.conn.broker.Respond(reply, data)
		}
	}
	return msg
}

func (s *Subscriber) dispatch(subject string, msg *Message, h Handler) {
	ctx, span := s.conn.tracer.Start(context.Background(), "eventbus.receive",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(
			attribute.String("messaging.subject", subject),
			attribute.String("messaging.trace_id", msg.TraceID),
		),
	)
	defer span.End()

	started := time.Now()
	err := h(ctx, msg)
	s.conn.metrics.ObserveReceive(subject, err, time.Since(started))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.conn.log.Error("handler failed", err, logging.LogFields{
			"subject":  subject,
			"trace_id": msg.TraceID,
		})
	}
}

// consumeDurable is the fetch loop of one durable consumer. Deliveries
// are dispatched serially so a consumer observes publish order within a
// subject; concurrency across messages is bounded broker-side by the
// consumer's MaxAckPending.
func (s *Subscriber) consumeDurable(ctx context.Context, pull puller, subject string, h Handler) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := pull.Fetch(s.fetchBatch, s.fetchWait)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.conn.log.Error("durable fetch failed", err, logging.LogFields{"subject": subject})
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		for _, jm := range batch {
			msg := s.newMessage(jm.msg)
			msg.ack = jm.ack
			msg.nak = jm.nak
			s.dispatch(subject, msg, h)
		}
	}
}

// durableSub couples the pull subscription with its fetch loop so
// Unsubscribe tears both down.
type durableSub struct {
	pull   puller
	cancel context.CancelFunc
}

func (d *durableSub) Unsubscribe() error {
	d.cancel()
	return d.pull.Unsubscribe()
}
