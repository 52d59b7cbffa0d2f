package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// fakeBroker is an in-process broker implementing enough of the NATS
// contract to exercise fan-out, queue-group load balancing, durable
// redelivery and request/reply without a server.
type fakeBroker struct {
	mu sync.Mutex

	published []*nats.Msg
	subs      []*fakeSub
	rrIndex   map[string]int

	streams    map[string]*nats.StreamConfig
	consumers  map[string]*nats.ConsumerConfig
	streamMsgs map[string][]*fakeStreamMsg

	responses map[string][][]byte

	jsDisabled       bool
	dialErr          error
	publishErr       error
	streamPublishErr error
	flushErr         error

	requestHandler func(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)

	closed bool
}

type fakeStreamMsg struct {
	msg        *nats.Msg
	deliveries int
	acked      bool
	lastAt     time.Time
}

type fakeSub struct {
	broker  *fakeBroker
	subject string
	queue   string
	cb      func(*nats.Msg)
	active  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		rrIndex:    make(map[string]int),
		streams:    make(map[string]*nats.StreamConfig),
		consumers:  make(map[string]*nats.ConsumerConfig),
		streamMsgs: make(map[string][]*fakeStreamMsg),
		responses:  make(map[string][][]byte),
	}
}

// stubDial swaps the package dial function for one returning fb and
// captures the lifecycle callbacks so tests can drive the state machine.
func stubDial(t *testing.T, fb *fakeBroker) *connEvents {
	t.Helper()

	captured := &connEvents{}
	orig := dialBroker
	dialBroker = func(cfg Config, ev connEvents) (broker, error) {
		fb.mu.Lock()
		err := fb.dialErr
		fb.mu.Unlock()
		if err != nil {
			return nil, err
		}
		*captured = ev
		return fb, nil
	}
	t.Cleanup(func() { dialBroker = orig })
	return captured
}

func (b *fakeBroker) PublishMsg(msg *nats.Msg) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, msg)

	var fanout []*fakeSub
	queues := make(map[string][]*fakeSub)
	for _, sub := range b.subs {
		if !sub.active || !subjectMatches(sub.subject, msg.Subject) {
			continue
		}
		if sub.queue == "" {
			fanout = append(fanout, sub)
		} else {
			queues[sub.queue] = append(queues[sub.queue], sub)
		}
	}

	var targets []*fakeSub
	targets = append(targets, fanout...)
	for queue, members := range queues {
		idx := b.rrIndex[queue] % len(members)
		b.rrIndex[queue]++
		targets = append(targets, members[idx])
	}
	b.mu.Unlock()

	// Synchronous delivery keeps tests deterministic.
	for _, sub := range targets {
		sub.cb(msg)
	}
	return nil
}

func (b *fakeBroker) RequestMsg(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	b.mu.Lock()
	handler := b.requestHandler
	b.mu.Unlock()

	if handler != nil {
		return handler(ctx, msg)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *fakeBroker) Respond(reply string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[reply] = append(b.responses[reply], data)
	return nil
}

func (b *fakeBroker) Subscribe(subject string, cb func(*nats.Msg)) (subscription, error) {
	return b.addSub(subject, "", cb)
}

func (b *fakeBroker) QueueSubscribe(subject, queue string, cb func(*nats.Msg)) (subscription, error) {
	return b.addSub(subject, queue, cb)
}

func (b *fakeBroker) addSub(subject, queue string, cb func(*nats.Msg)) (subscription, error) {
	sub := &fakeSub{broker: b, subject: subject, queue: queue, cb: cb, active: true}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (s *fakeSub) Unsubscribe() error {
	s.broker.mu.Lock()
	s.active = false
	s.broker.mu.Unlock()
	return nil
}

func (b *fakeBroker) StreamPublish(ctx context.Context, msg *nats.Msg) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.jsDisabled {
		return nats.ErrJetStreamNotEnabled
	}
	if b.streamPublishErr != nil {
		return b.streamPublishErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for name, cfg := range b.streams {
		for _, pattern := range cfg.Subjects {
			if subjectMatches(pattern, msg.Subject) {
				b.streamMsgs[name] = append(b.streamMsgs[name], &fakeStreamMsg{msg: msg})
				return nil
			}
		}
	}
	return nats.ErrNoStreamResponse
}

func (b *fakeBroker) AddStream(cfg *nats.StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jsDisabled {
		return nats.ErrJetStreamNotEnabled
	}
	b.streams[cfg.Name] = cfg
	return nil
}

func (b *fakeBroker) StreamInfo(name string) (*nats.StreamConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jsDisabled {
		return nil, nats.ErrJetStreamNotEnabled
	}
	cfg, ok := b.streams[name]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return cfg, nil
}

func (b *fakeBroker) AddConsumer(stream string, cfg *nats.ConsumerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[stream]; !ok {
		return nats.ErrStreamNotFound
	}
	b.consumers[stream+"/"+cfg.Durable] = cfg
	return nil
}

func (b *fakeBroker) ConsumerInfo(stream, name string) (*nats.ConsumerConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.consumers[stream+"/"+name]
	if !ok {
		return nil, nats.ErrConsumerNotFound
	}
	return cfg, nil
}

func (b *fakeBroker) PullSubscribe(stream, consumer, subject string) (puller, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[stream+"/"+consumer]; !ok {
		return nil, nats.ErrConsumerNotFound
	}
	return &fakePuller{broker: b, stream: stream, consumer: consumer}, nil
}

func (b *fakeBroker) Flush(timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushErr
}

func (b *fakeBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

type fakePuller struct {
	broker   *fakeBroker
	stream   string
	consumer string
	done     bool
}

func (p *fakePuller) Fetch(batch int, maxWait time.Duration) ([]jsMsg, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if out := p.eligible(batch); len(out) > 0 {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nats.ErrTimeout
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (p *fakePuller) eligible(batch int) []jsMsg {
	p.broker.mu.Lock()
	defer p.broker.mu.Unlock()

	if p.done {
		return nil
	}
	cfg := p.broker.consumers[p.stream+"/"+p.consumer]
	now := time.Now()

	var out []jsMsg
	for _, sm := range p.broker.streamMsgs[p.stream] {
		if len(out) >= batch {
			break
		}
		if sm.acked || !subjectMatches(cfg.FilterSubject, sm.msg.Subject) {
			continue
		}
		redeliveryDue := sm.deliveries > 0 && now.Sub(sm.lastAt) >= cfg.AckWait
		if sm.deliveries >= cfg.MaxDeliver {
			continue
		}
		if sm.deliveries > 0 && !redeliveryDue {
			continue
		}

		sm.deliveries++
		sm.lastAt = now
		sm := sm
		out = append(out, jsMsg{
			msg: sm.msg,
			ack: func() error {
				p.broker.mu.Lock()
				defer p.broker.mu.Unlock()
				sm.acked = true
				return nil
			},
			nak: func() error {
				p.broker.mu.Lock()
				defer p.broker.mu.Unlock()
				sm.lastAt = time.Now().Add(-cfg.AckWait)
				return nil
			},
		})
	}
	return out
}

func (p *fakePuller) Unsubscribe() error {
	p.broker.mu.Lock()
	defer p.broker.mu.Unlock()
	p.done = true
	return nil
}

func (b *fakeBroker) deliveryCount(stream string) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int, len(b.streamMsgs[stream]))
	for _, sm := range b.streamMsgs[stream] {
		counts[sm.msg.Subject] += sm.deliveries
	}
	return counts
}
