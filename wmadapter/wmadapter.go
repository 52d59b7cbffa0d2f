// Package wmadapter exposes an eventbus connection as a Watermill
// publisher/subscriber pair, so router-based services can consume the
// bus through the Watermill ecosystem (routers, middleware, CQRS
// helpers) without touching NATS directly.
package wmadapter

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ventori/eventbus"
)

// Config holds adapter-specific settings.
type Config struct {
	// QueueGroup load-balances Subscribe across every adapter sharing
	// the group: exactly one member receives each message. Empty means
	// fan-out, where every subscriber receives every message.
	QueueGroup string
}

// busPublisher and busSubscriber are the slices of the bus API the
// adapter consumes. Narrow interfaces keep the adapter testable without
// a broker.
type busPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, header eventbus.Metadata) error
}

type busSubscriber interface {
	Subscribe(subject string, h eventbus.Handler) error
	SubscribeQueue(subject, queueGroup string, h eventbus.Handler) error
	Unsubscribe(subject, queueGroup string) error
}

// PubSub implements watermill's message.Publisher and
// message.Subscriber on top of an eventbus connection. Topics map
// one-to-one onto bus subjects.
type PubSub struct {
	pub    busPublisher
	sub    busSubscriber
	cfg    Config
	conn   *eventbus.Conn
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	subs     []*subscription
}

// New wires an adapter over an existing publisher and subscriber. The
// caller keeps ownership of the underlying connections.
func New(pub *eventbus.Publisher, sub *eventbus.Subscriber, cfg Config, logger watermill.LoggerAdapter) *PubSub {
	return newPubSub(pub, sub, cfg, logger)
}

// Connect opens one dedicated bus connection and returns an adapter
// that owns it: Close releases the connection too.
func Connect(ctx context.Context, busCfg eventbus.Config, cfg Config, deps eventbus.Dependencies) (*PubSub, error) {
	conn, err := eventbus.Connect(ctx, busCfg, deps)
	if err != nil {
		return nil, err
	}
	ps := newPubSub(eventbus.NewPublisher(conn), eventbus.NewSubscriber(conn), cfg, nil)
	ps.conn = conn
	return ps, nil
}

func newPubSub(pub busPublisher, sub busSubscriber, cfg Config, logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{
		pub:      pub,
		sub:      sub,
		cfg:      cfg,
		logger:   logger,
		closedCh: make(chan struct{}),
	}
}

// Publish sends each message to the subject named by topic. Metadata
// travels as transport headers; the watermill UUID becomes the bus
// message id.
func (ps *PubSub) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		md := eventbus.MetadataFromWatermill(msg.Metadata)
		if msg.UUID != "" {
			md[eventbus.HeaderMessageID] = msg.UUID
		}
		if err := ps.pub.Publish(context.Background(), topic, msg.Payload, md); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe attaches a handler to topic and streams deliveries until
// ctx is canceled or the adapter closes. Each delivery blocks on the
// consumer's Ack or Nack before the next one for the same subscription
// is processed.
func (ps *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, eventbus.ErrClosed
	}
	ps.mu.Unlock()

	s := &subscription{
		topic:  topic,
		output: make(chan *message.Message),
		done:   make(chan struct{}),
	}

	var err error
	if ps.cfg.QueueGroup != "" {
		err = ps.sub.SubscribeQueue(topic, ps.cfg.QueueGroup, ps.handler(s))
	} else {
		err = ps.sub.Subscribe(topic, ps.handler(s))
	}
	if err != nil {
		return nil, err
	}

	ps.mu.Lock()
	ps.subs = append(ps.subs, s)
	ps.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-ps.closedCh:
		}
		if err := ps.sub.Unsubscribe(topic, ps.cfg.QueueGroup); err != nil {
			ps.logger.Error("unsubscribe failed", err, watermill.LogFields{"topic": topic})
		}
		s.drain()
	}()

	return s.output, nil
}

// handler bridges one bus delivery into the watermill ack contract: the
// message is offered on the output channel, then the handler blocks
// until the consumer acks or nacks it.
func (ps *PubSub) handler(s *subscription) eventbus.Handler {
	return func(_ context.Context, msg *eventbus.Message) error {
		if !s.enter() {
			return nil
		}
		defer s.leave()

		wm := toWatermill(msg)

		select {
		case s.output <- wm:
		case <-s.done:
			return nil
		}

		select {
		case <-wm.Acked():
			return msg.Ack()
		case <-wm.Nacked():
			if err := msg.Nak(); err != nil {
				ps.logger.Error("nak failed", err, watermill.LogFields{"topic": s.topic})
			}
			return nil
		case <-s.done:
			return nil
		}
	}
}

// Close tears down every subscription and, when the adapter owns its
// connection, releases it. Idempotent.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	subs := ps.subs
	ps.subs = nil
	close(ps.closedCh)
	ps.mu.Unlock()

	for _, s := range subs {
		if err := ps.sub.Unsubscribe(s.topic, ps.cfg.QueueGroup); err != nil {
			ps.logger.Error("unsubscribe failed", err, watermill.LogFields{"topic": s.topic})
		}
		s.drain()
	}

	if ps.conn != nil {
		return ps.conn.Close()
	}
	return nil
}

// subscription couples one output channel with its drain state, so the
// channel is closed only after in-flight handlers have left.
type subscription struct {
	topic  string
	output chan *message.Message
	done   chan struct{}

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

func (s *subscription) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *subscription) leave() { s.inflight.Done() }

func (s *subscription) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	close(s.done)
	s.inflight.Wait()
	close(s.output)
}

func toWatermill(msg *eventbus.Message) *message.Message {
	uuid := msg.Header.Get(eventbus.HeaderMessageID)
	if uuid == "" {
		uuid = eventbus.NewID()
	}
	wm := message.NewMessage(uuid, msg.Data)
	wm.Metadata = eventbus.MetadataToWatermill(msg.Header)
	return wm
}
