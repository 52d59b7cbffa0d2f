package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	errspkg "github.com/ventori/eventbus/internal/bus/errors"
)

func newTestPublisher(t *testing.T, fb *fakeBroker, cfg Config) (*Publisher, *connEvents) {
	t.Helper()
	events := stubDial(t, fb)
	c, err := Connect(context.Background(), cfg, testDeps())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return NewPublisher(c), events
}

func TestPublishEventFireAndForget(t *testing.T) {
	fb := newFakeBroker()
	p, _ := newTestPublisher(t, fb, testConfig())

	env, err := NewEvent("invoice.created", "invoice", "inv-17", json.RawMessage(`{"total":420}`))
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	env.TenantID = "acme"

	if err := p.PublishEvent(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.published) != 1 {
		t.Fatalf("expected 1 fire-and-forget publish, got %d", len(fb.published))
	}
	msg := fb.published[0]
	if msg.Subject != "evt.invoice.created" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if got := msg.Header.Get(HeaderEventType); got != "invoice.created" {
		t.Fatalf("event type header %q", got)
	}
	if msg.Header.Get(HeaderMessageID) == "" {
		t.Fatal("message id header missing")
	}

	traceID := msg.Header.Get(HeaderTraceID)
	if traceID == "" {
		t.Fatal("trace id header missing")
	}
	var wire EventEnvelope
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		t.Fatalf("decode wire body: %v", err)
	}
	if wire.TraceID != traceID {
		t.Fatalf("trace id mismatch: header %q, body %q", traceID, wire.TraceID)
	}
	if wire.TenantID != "acme" {
		t.Fatalf("tenant id lost on the wire: %+v", wire)
	}
}

func TestPublishEventUsesPrefix(t *testing.T) {
	fb := newFakeBroker()
	cfg := testConfig()
	cfg.StreamPrefix = "ventori"
	p, _ := newTestPublisher(t, fb, cfg)

	env, _ := NewEvent("invoice.created", "invoice", "inv-17", nil)
	if err := p.PublishEvent(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if got := fb.published[0].Subject; got != "ventori.evt.invoice.created" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestPublishEventValidation(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())

	err := p.PublishEvent(context.Background(), EventEnvelope{AggregateID: "inv-1"})
	var ve *errspkg.ValidationError
	if !errors.As(err, &ve) || ve.Field != "Type" {
		t.Fatalf("expected ValidationError on Type, got %v", err)
	}
}

func TestPublishCommand(t *testing.T) {
	fb := newFakeBroker()
	p, _ := newTestPublisher(t, fb, testConfig())

	cmd, err := NewCommand("payment.process", "pay-9", json.RawMessage(`{"amount":100}`))
	if err != nil {
		t.Fatalf("new command: %v", err)
	}

	if err := p.PublishCommand(context.Background(), cmd); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	msg := fb.published[0]
	if msg.Subject != "cmd.payment.process" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if got := msg.Header.Get(HeaderTargetID); got != "pay-9" {
		t.Fatalf("target id header %q", got)
	}
}

func TestPublishWhileReconnectingFailsFast(t *testing.T) {
	fb := newFakeBroker()
	p, events := newTestPublisher(t, fb, testConfig())

	events.onDisconnect(errors.New("connection lost"))

	env, _ := NewEvent("invoice.created", "invoice", "inv-17", nil)

	started := time.Now()
	err := p.PublishEvent(context.Background(), env)
	elapsed := time.Since(started)

	var pe *errspkg.PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if !pe.Retryable {
		t.Fatal("reconnecting publish must be retryable")
	}
	if !errors.Is(err, errspkg.ErrReconnecting) {
		t.Fatalf("expected ErrReconnecting in chain, got %v", err)
	}
	if elapsed > 50*time.Millisecond {
		t.Fatalf("fail-fast took %s", elapsed)
	}

	fb.mu.Lock()
	published := len(fb.published)
	fb.mu.Unlock()
	if published != 0 {
		t.Fatal("nothing may reach the broker while reconnecting")
	}

	// Recovery restores publishing.
	events.onReconnect()
	if err := p.PublishEvent(context.Background(), env); err != nil {
		t.Fatalf("publish after reconnect: %v", err)
	}
}

func TestPublishAfterCloseReturnsErrClosed(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())
	_ = p.Conn().Close()

	env, _ := NewEvent("invoice.created", "invoice", "inv-17", nil)
	if err := p.PublishEvent(context.Background(), env); !errors.Is(err, errspkg.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPublishCanceledContext(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env, _ := NewEvent("invoice.created", "invoice", "inv-17", nil)
	if err := p.PublishEvent(ctx, env); !errspkg.IsCanceled(err) {
		t.Fatalf("expected CanceledError, got %v", err)
	}
}

func TestPublishDurableSubjectUsesStream(t *testing.T) {
	fb := newFakeBroker()
	p, _ := newTestPublisher(t, fb, testConfig())

	err := p.CreateStream(context.Background(), StreamConfig{
		Name:     "INVOICES",
		Subjects: []string{"evt.invoice.>"},
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	env, _ := NewEvent("invoice.created", "invoice", "inv-17", nil)
	if err := p.PublishEvent(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.streamMsgs["INVOICES"]) != 1 {
		t.Fatalf("expected 1 stream message, got %d", len(fb.streamMsgs["INVOICES"]))
	}
	if len(fb.published) != 0 {
		t.Fatal("durable publish must not use the fire-and-forget path")
	}
}

func TestPublishDurableUnavailableWithoutFallback(t *testing.T) {
	fb := newFakeBroker()
	fb.jsDisabled = true
	cfg := testConfig()
	cfg.DurableSubjects = []string{"evt.invoice.>"}
	p, _ := newTestPublisher(t, fb, cfg)

	env, _ := NewEvent("invoice.created", "invoice", "inv-17", nil)
	err := p.PublishEvent(context.Background(), env)

	var ce *errspkg.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if !errors.Is(err, errspkg.ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable in chain, got %v", err)
	}
}

func TestPublishDurableUnavailableWithFallback(t *testing.T) {
	fb := newFakeBroker()
	fb.jsDisabled = true
	cfg := testConfig()
	cfg.DurableSubjects = []string{"evt.invoice.>"}
	cfg.DurableFallback = true
	p, _ := newTestPublisher(t, fb, cfg)

	env, _ := NewEvent("invoice.created", "invoice", "inv-17", nil)
	if err := p.PublishEvent(context.Background(), env); err != nil {
		t.Fatalf("fallback publish: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.published) != 1 {
		t.Fatal("fallback must degrade to fire-and-forget")
	}
}

func TestRequestReplyTimesOut(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())

	started := time.Now()
	_, err := p.RequestReply(context.Background(), "cmd.inventory.query", []byte("sku-7"), 200*time.Millisecond)
	elapsed := time.Since(started)

	if !errspkg.IsTimeout(err) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed < 180*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout fired at %s, want ~200ms", elapsed)
	}
}

func TestRequestReplyDelivers(t *testing.T) {
	fb := newFakeBroker()
	fb.requestHandler = func(_ context.Context, msg *nats.Msg) (*nats.Msg, error) {
		return &nats.Msg{Data: append([]byte("echo:"), msg.Data...)}, nil
	}
	p, _ := newTestPublisher(t, fb, testConfig())

	resp, err := p.RequestReply(context.Background(), "cmd.inventory.query", []byte("sku-7"), time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp) != "echo:sku-7" {
		t.Fatalf("unexpected reply %q", resp)
	}
}

func TestRequestReplyEmptySubject(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())

	_, err := p.RequestReply(context.Background(), "", nil, time.Second)
	var ve *errspkg.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateStreamIdempotent(t *testing.T) {
	fb := newFakeBroker()
	p, _ := newTestPublisher(t, fb, testConfig())

	cfg := StreamConfig{Name: "INVOICES", Subjects: []string{"evt.invoice.>"}}
	if err := p.CreateStream(context.Background(), cfg); err != nil {
		t.Fatalf("first declaration: %v", err)
	}
	if err := p.CreateStream(context.Background(), cfg); err != nil {
		t.Fatalf("identical redeclaration must be a no-op: %v", err)
	}

	differing := cfg
	differing.MaxMsgs = 999
	err := p.CreateStream(context.Background(), differing)
	var ce *errspkg.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("differing redeclaration must fail, got %v", err)
	}
}

func TestCreateStreamRejectsOverlap(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())

	if err := p.CreateStream(context.Background(), StreamConfig{
		Name:     "INVOICES",
		Subjects: []string{"evt.invoice.>"},
	}); err != nil {
		t.Fatalf("first stream: %v", err)
	}

	err := p.CreateStream(context.Background(), StreamConfig{
		Name:     "INVOICE_CREATED",
		Subjects: []string{"evt.invoice.created"},
	})
	var ce *errspkg.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("overlapping subjects must be rejected, got %v", err)
	}
}

func TestCreateStreamValidation(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())

	err := p.CreateStream(context.Background(), StreamConfig{Subjects: []string{"evt.>"}})
	var ce *errspkg.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestCreateConsumerIdempotent(t *testing.T) {
	fb := newFakeBroker()
	p, _ := newTestPublisher(t, fb, testConfig())

	if err := p.CreateStream(context.Background(), StreamConfig{
		Name:     "INVOICES",
		Subjects: []string{"evt.invoice.>"},
	}); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	cfg := ConsumerConfig{FilterSubject: "evt.invoice.created"}
	if err := p.CreateConsumer(context.Background(), "INVOICES", "billing", cfg); err != nil {
		t.Fatalf("first declaration: %v", err)
	}
	if err := p.CreateConsumer(context.Background(), "INVOICES", "billing", cfg); err != nil {
		t.Fatalf("identical redeclaration must be a no-op: %v", err)
	}

	differing := cfg
	differing.MaxDeliver = 7
	err := p.CreateConsumer(context.Background(), "INVOICES", "billing", differing)
	var ce *errspkg.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("differing redeclaration must fail, got %v", err)
	}
}

func TestCreateConsumerRequiresNames(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())

	err := p.CreateConsumer(context.Background(), "", "billing", ConsumerConfig{})
	var ce *errspkg.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestCreateStreamWhileClosed(t *testing.T) {
	p, _ := newTestPublisher(t, newFakeBroker(), testConfig())
	_ = p.Conn().Close()

	err := p.CreateStream(context.Background(), StreamConfig{
		Name:     "INVOICES",
		Subjects: []string{"evt.invoice.>"},
	})
	if !errors.Is(err, errspkg.ErrClosed) {
		t.Fatalf("expected ErrClosed in chain, got %v", err)
	}
}

func TestPublisherCloseOwnership(t *testing.T) {
	fb := newFakeBroker()
	stubDial(t, fb)

	p, err := ConnectPublisher(context.Background(), testConfig(), testDeps())
	if err != nil {
		t.Fatalf("connect publisher: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.Conn().State() != StateClosed {
		t.Fatal("owned connection must close with the publisher")
	}

	// A borrowed connection stays open.
	fb2 := newFakeBroker()
	c, _ := newTestConn(t, fb2)
	borrowed := NewPublisher(c)
	if err := borrowed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatal("borrowed connection must stay open")
	}
}
