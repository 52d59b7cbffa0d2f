package bus

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// broker abstracts the subset of the NATS client the bus relies on.
// Production connections wrap *nats.Conn plus its JetStream context;
// tests swap dialBroker for an in-process fake.
type broker interface {
	PublishMsg(msg *nats.Msg) error
	RequestMsg(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
	Respond(reply string, data []byte) error

	Subscribe(subject string, cb func(*nats.Msg)) (subscription, error)
	QueueSubscribe(subject, queue string, cb func(*nats.Msg)) (subscription, error)

	// StreamPublish appends to the owning durable stream and blocks
	// until the broker acknowledges durable receipt.
	StreamPublish(ctx context.Context, msg *nats.Msg) error

	AddStream(cfg *nats.StreamConfig) error
	StreamInfo(name string) (*nats.StreamConfig, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) error
	ConsumerInfo(stream, name string) (*nats.ConsumerConfig, error)
	PullSubscribe(stream, consumer, subject string) (puller, error)

	Flush(timeout time.Duration) error
	Close()
}

// subscription is the teardown handle for one registered subject.
type subscription interface {
	Unsubscribe() error
}

// puller fetches batches from a durable consumer.
type puller interface {
	Fetch(batch int, maxWait time.Duration) ([]jsMsg, error)
	Unsubscribe() error
}

// jsMsg is one durable delivery with its acknowledgment hooks.
type jsMsg struct {
	msg *nats.Msg
	ack func() error
	nak func() error
}

// connEvents carries the transport lifecycle callbacks the connection
// state machine hangs off the underlying client.
type connEvents struct {
	onDisconnect func(error)
	onReconnect  func()
	onClosed     func()
}

// dialBroker opens the underlying client. A package variable so tests
// can substitute an in-process fake.
var dialBroker = func(cfg Config, ev connEvents) (broker, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if ev.onDisconnect != nil {
				ev.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if ev.onReconnect != nil {
				ev.onReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if ev.onClosed != nil {
				ev.onClosed()
			}
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &natsBroker{nc: nc, js: js}, nil
}

type natsBroker struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func (b *natsBroker) PublishMsg(msg *nats.Msg) error {
	return b.nc.PublishMsg(msg)
}

func (b *natsBroker) RequestMsg(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	return b.nc.RequestMsgWithContext(ctx, msg)
}

func (b *natsBroker) Respond(reply string, data []byte) error {
	return b.nc.Publish(reply, data)
}

func (b *natsBroker) Subscribe(subject string, cb func(*nats.Msg)) (subscription, error) {
	return b.nc.Subscribe(subject, cb)
}

func (b *natsBroker) QueueSubscribe(subject, queue string, cb func(*nats.Msg)) (subscription, error) {
	return b.nc.QueueSubscribe(subject, queue, cb)
}

func (b *natsBroker) StreamPublish(ctx context.Context, msg *nats.Msg) error {
	_, err := b.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

func (b *natsBroker) AddStream(cfg *nats.StreamConfig) error {
	_, err := b.js.AddStream(cfg)
	return err
}

func (b *natsBroker) StreamInfo(name string) (*nats.StreamConfig, error) {
	info, err := b.js.StreamInfo(name)
	if err != nil {
		return nil, err
	}
	return &info.Config, nil
}

func (b *natsBroker) AddConsumer(stream string, cfg *nats.ConsumerConfig) error {
	_, err := b.js.AddConsumer(stream, cfg)
	return err
}

func (b *natsBroker) ConsumerInfo(stream, name string) (*nats.ConsumerConfig, error) {
	info, err := b.js.ConsumerInfo(stream, name)
	if err != nil {
		return nil, err
	}
	return &info.Config, nil
}

func (b *natsBroker) PullSubscribe(stream, consumer, subject string) (puller, error) {
	sub, err := b.js.PullSubscribe(subject, consumer, nats.Bind(stream, consumer))
	if err != nil {
		return nil, err
	}
	return &natsPuller{sub: sub}, nil
}

func (b *natsBroker) Flush(timeout time.Duration) error {
	return b.nc.FlushTimeout(timeout)
}

func (b *natsBroker) Close() {
	b.nc.Close()
}

type natsPuller struct {
	sub *nats.Subscription
}

func (p *natsPuller) Fetch(batch int, maxWait time.Duration) ([]jsMsg, error) {
	msgs, err := p.sub.Fetch(batch, nats.MaxWait(maxWait))
	if err != nil {
		return nil, err
	}

	out := make([]jsMsg, 0, len(msgs))
	for _, m := range msgs {
		m := m
		out = append(out, jsMsg{
			msg: m,
			ack: func() error { return m.Ack() },
			nak: func() error { return m.Nak() },
		})
	}
	return out, nil
}

func (p *natsPuller) Unsubscribe() error {
	return p.sub.Unsubscribe()
}

// durableUnavailable reports whether err means the broker cannot serve
// durable mode at all (JetStream disabled), as opposed to a transient
// or configuration failure.
func durableUnavailable(err error) bool {
	return errors.Is(err, nats.ErrJetStreamNotEnabled) ||
		errors.Is(err, nats.ErrJetStreamNotEnabledForAccount) ||
		errors.Is(err, nats.ErrNoResponders)
}
