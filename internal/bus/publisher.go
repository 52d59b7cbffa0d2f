package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	errspkg "github.com/ventori/eventbus/internal/bus/errors"
	"github.com/ventori/eventbus/internal/bus/ids"
	"github.com/ventori/eventbus/internal/bus/jsoncodec"
	"github.com/ventori/eventbus/internal/bus/logging"
	"github.com/ventori/eventbus/internal/bus/metadata"
	"github.com/ventori/eventbus/internal/bus/tracing"
)

// Publisher owns the outbound side of a connection: event and command
// publishing, request/reply, and durable stream/consumer provisioning.
// Safe for concurrent use.
type Publisher struct {
	conn     *Conn
	ownsConn bool

	mu      sync.Mutex
	streams map[string]*nats.StreamConfig
	durable []string
}

// NewPublisher attaches a publisher to an existing connection. The
// connection lifecycle stays with whoever constructed it.
func NewPublisher(c *Conn) *Publisher {
	return &Publisher{
		conn:    c,
		streams: make(map[string]*nats.StreamConfig),
		durable: append([]string(nil), c.cfg.DurableSubjects...),
	}
}

// ConnectPublisher opens a dedicated connection and returns a publisher
// that owns it: Close releases the connection too.
func ConnectPublisher(ctx context.Context, cfg Config, deps Dependencies) (*Publisher, error) {
	c, err := Connect(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	p := NewPublisher(c)
	p.ownsConn = true
	return p, nil
}

// Conn exposes the underlying connection for health probing.
func (p *Publisher) Conn() *Conn { return p.conn }

// Close releases the connection when this publisher owns it; otherwise
// the connection owner remains responsible.
func (p *Publisher) Close() error {
	if p.ownsConn {
		return p.conn.Close()
	}
	return nil
}

// PublishEvent serializes the envelope, derives its subject, stamps the
// transport headers and submits it. Publishes to a subject owned by a
// declared durable stream block until the broker acknowledges durable
// receipt; everything else is fire-and-forget.
func (p *Publisher) PublishEvent(ctx context.Context, e EventEnvelope) error {
	if err := e.Validate(); err != nil {
		return err
	}

	e.TraceID = p.traceID(ctx)
	subject := e.Subject(p.conn.cfg.StreamPrefix)

	body, err := jsoncodec.Marshal(e)
	if err != nil {
		return &errspkg.SerializationError{Op: "encode event envelope", Err: err}
	}

	md := metadata.New(
		HeaderEventType, e.Type,
		HeaderAggregateID, e.AggregateID,
		HeaderAggregateType, e.AggregateType,
		HeaderTenantID, e.TenantID,
		HeaderUserID, e.UserID,
		HeaderMessageID, ids.New(),
		HeaderTraceID, e.TraceID,
	)

	return p.publish(ctx, subject, body, md,
		attribute.String("messaging.event_type", e.Type),
		attribute.String("messaging.aggregate_id", e.AggregateID),
		attribute.String("messaging.tenant_id", e.TenantID),
	)
}

// PublishCommand is the command analogue of PublishEvent, under the
// command subject namespace.
func (p *Publisher) PublishCommand(ctx context.Context, c CommandEnvelope) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.TraceID = p.traceID(ctx)
	subject := c.Subject(p.conn.cfg.StreamPrefix)

	body, err := jsoncodec.Marshal(c)
	if err != nil {
		return &errspkg.SerializationError{Op: "encode command envelope", Err: err}
	}

	md := metadata.New(
		HeaderCommandType, c.Type,
		HeaderTargetID, c.TargetID,
		HeaderTenantID, c.TenantID,
		HeaderUserID, c.UserID,
		HeaderMessageID, ids.New(),
		HeaderTraceID, c.TraceID,
	)

	return p.publish(ctx, subject, body, md,
		attribute.String("messaging.command_type", c.Type),
		attribute.String("messaging.target_id", c.TargetID),
		attribute.String("messaging.tenant_id", c.TenantID),
	)
}

// Publish submits a raw body to an explicit subject. Integration
// surfaces (for example the Watermill adapter) use it directly; the
// envelope publishers route through it as well.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte, header metadata.Metadata) error {
	if subject == "" {
		return &errspkg.ValidationError{Field: "subject", Reason: "must not be empty"}
	}

	md := header.Clone()
	tracing.Inject(ctx, md)
	if md.Get(HeaderTraceID) == "" {
		md[HeaderTraceID] = ids.New()
	}

	return p.publish(ctx, subject, data, md)
}

func (p *Publisher) publish(ctx context.Context, subject string, data []byte, md metadata.Metadata, attrs ...attribute.KeyValue) error {
	ctx, span := p.conn.tracer.Start(ctx, "eventbus.publish",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(append(attrs, attribute.String("messaging.subject", subject))...),
	)
	defer span.End()

	started := time.Now()
	err := p.send(ctx, subject, data, md)
	p.conn.metrics.ObservePublish(subject, err, time.Since(started))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.conn.log.Error("publish failed", err, logging.LogFields{"subject": subject})
		return err
	}

	p.conn.log.Debug("published", logging.LogFields{
		"subject":  subject,
		"trace_id": md.Get(HeaderTraceID),
	})
	return nil
}

// send is all-or-nothing from the caller's perspective: it either hands
// the complete message to the broker or fails without a partial write.
func (p *Publisher) send(ctx context.Context, subject string, data []byte, md metadata.Metadata) error {
	if err := p.gate(subject); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return mapContextErr(err, "publish", 0)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  metadata.ToNATSHeader(md),
	}

	if !p.isDurable(subject) {
		if err := p.conn.broker.PublishMsg(msg); err != nil {
			return &errspkg.PublishError{Subject: subject, Retryable: true, Err: err}
		}
		return nil
	}

	err := p.conn.broker.StreamPublish(ctx, msg)
	if err == nil {
		return nil
	}

	if durableUnavailable(err) {
		if !p.conn.cfg.DurableFallback {
			return &errspkg.ConfigError{Resource: "stream", Name: subject, Err: errspkg.ErrNotAvailable}
		}
		p.conn.log.Warn("durable mode unavailable, degrading publish to fire-and-forget", logging.LogFields{
			"subject": subject,
		})
		if err := p.conn.broker.PublishMsg(msg); err != nil {
			return &errspkg.PublishError{Subject: subject, Retryable: true, Err: err}
		}
		return nil
	}

	if ctxErr := mapContextErr(err, "publish", 0); ctxErr != nil {
		return ctxErr
	}
	return &errspkg.PublishError{Subject: subject, Retryable: true, Err: err}
}

// RequestReply publishes a request and blocks until a reply arrives,
// the timeout elapses, or ctx is canceled.
func (p *Publisher) RequestReply(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if subject == "" {
		return nil, &errspkg.ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	if err := p.gate(subject); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	md := metadata.Metadata{}
	tracing.Inject(ctx, md)
	if md.Get(HeaderTraceID) == "" {
		md[HeaderTraceID] = ids.New()
	}

	ctx, span := p.conn.tracer.Start(ctx, "eventbus.request",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(attribute.String("messaging.subject", subject)),
	)
	defer span.End()

	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  metadata.ToNATSHeader(md),
	}

	started := time.Now()
	resp, err := p.conn.broker.RequestMsg(ctx, msg)
	p.conn.metrics.ObservePublish(subject, err, time.Since(started))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, nats.ErrTimeout) {
			return nil, &errspkg.TimeoutError{Op: "request " + subject, Timeout: timeout}
		}
		if ctxErr := mapContextErr(err, "request "+subject, timeout); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &errspkg.PublishError{Subject: subject, Retryable: true, Err: err}
	}
	return resp.Data, nil
}

// CreateStream declares a durable stream. Declaration is idempotent:
// re-declaring an existing stream with an identical config is a no-op,
// a differing config is rejected, never silently overwritten. Subjects
// of the new stream must not overlap any other declared stream.
func (p *Publisher) CreateStream(ctx context.Context, cfg StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := p.conn.operational(); err != nil {
		return &errspkg.ConfigError{Resource: "stream", Name: cfg.Name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return mapContextErr(err, "create stream", 0)
	}

	want := cfg.toNATS()

	p.mu.Lock()
	defer p.mu.Unlock()

	for name, declared := range p.streams {
		if name == cfg.Name {
			continue
		}
		for _, a := range declared.Subjects {
			for _, b := range want.Subjects {
				if subjectsOverlap(a, b) {
					return &errspkg.ConfigError{
						Resource: "stream",
						Name:     cfg.Name,
						Err:      fmt.Errorf("subject %q overlaps %q owned by stream %q", b, a, name),
					}
				}
			}
		}
	}

	existing, err := p.conn.broker.StreamInfo(cfg.Name)
	switch {
	case err == nil:
		if !streamConfigEqual(existing, want) {
			return &errspkg.ConfigError{
				Resource: "stream",
				Name:     cfg.Name,
				Err:      errors.New("already exists with a different configuration"),
			}
		}
	case errors.Is(err, nats.ErrStreamNotFound):
		if addErr := p.conn.broker.AddStream(want); addErr != nil {
			if durableUnavailable(addErr) && p.conn.cfg.DurableFallback {
				p.conn.log.Warn("durable mode unavailable, stream not created", logging.LogFields{
					"stream": cfg.Name,
				})
				return nil
			}
			return &errspkg.ConfigError{Resource: "stream", Name: cfg.Name, Err: addErr}
		}
	default:
		return &errspkg.ConfigError{Resource: "stream", Name: cfg.Name, Err: err}
	}

	p.streams[cfg.Name] = want
	p.addDurableLocked(want.Subjects)

	p.conn.log.Info("stream declared", logging.LogFields{
		"stream":   cfg.Name,
		"subjects": want.Subjects,
	})
	return nil
}

// CreateConsumer declares a durable consumer on a stream, with the same
// idempotency contract as CreateStream.
func (p *Publisher) CreateConsumer(ctx context.Context, streamName, consumerName string, cfg ConsumerConfig) error {
	if streamName == "" || consumerName == "" {
		return &errspkg.ConfigError{
			Resource: "consumer",
			Name:     consumerName,
			Err:      errors.New("stream and consumer names are required"),
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := p.conn.operational(); err != nil {
		return &errspkg.ConfigError{Resource: "consumer", Name: consumerName, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return mapContextErr(err, "create consumer", 0)
	}

	want := cfg.toNATS(consumerName)

	existing, err := p.conn.broker.ConsumerInfo(streamName, consumerName)
	switch {
	case err == nil:
		if !consumerConfigEqual(existing, want) {
			return &errspkg.ConfigError{
				Resource: "consumer",
				Name:     consumerName,
				Err:      errors.New("already exists with a different configuration"),
			}
		}
		return nil
	case errors.Is(err, nats.ErrConsumerNotFound):
		if addErr := p.conn.broker.AddConsumer(streamName, want); addErr != nil {
			return &errspkg.ConfigError{Resource: "consumer", Name: consumerName, Err: addErr}
		}
		p.conn.log.Info("consumer declared", logging.LogFields{
			"stream":   streamName,
			"consumer": consumerName,
			"filter":   cfg.FilterSubject,
		})
		return nil
	default:
		return &errspkg.ConfigError{Resource: "consumer", Name: consumerName, Err: err}
	}
}

// gate fails fast when the connection state forbids publishing.
func (p *Publisher) gate(subject string) error {
	err := p.conn.operational()
	if err == nil {
		return nil
	}
	if errors.Is(err, errspkg.ErrClosed) {
		return err
	}
	return &errspkg.PublishError{Subject: subject, Retryable: true, Err: err}
}

func (p *Publisher) traceID(ctx context.Context) string {
	if id := tracing.FromContext(ctx); id != "" {
		return id
	}
	return ids.New()
}

func (p *Publisher) isDurable(subject string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pattern := range p.durable {
		if subjectMatches(pattern, subject) {
			return true
		}
	}
	return false
}

func (p *Publisher) addDurableLocked(subjects []string) {
	for _, s := range subjects {
		known := false
		for _, existing := range p.durable {
			if existing == s {
				known = true
				break
			}
		}
		if !known {
			p.durable = append(p.durable, s)
		}
	}
}

func mapContextErr(err error, op string, timeout time.Duration) error {
	switch {
	case errors.Is(err, context.Canceled):
		return &errspkg.CanceledError{Op: op}
	case errors.Is(err, context.DeadlineExceeded):
		return &errspkg.TimeoutError{Op: op, Timeout: timeout}
	default:
		return nil
	}
}
