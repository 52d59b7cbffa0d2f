package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	errspkg "github.com/ventori/eventbus/internal/bus/errors"
	"github.com/ventori/eventbus/internal/bus/logging"
)

// State is the connection lifecycle position. Connection loss is
// modelled as a state transition, not an exception thrown across call
// boundaries: callers observe it via Connected/Health and via typed
// errors on operations attempted mid-reconnect.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dependencies carries the ambient collaborators of a connection. The
// zero value uses a no-op logger, the default Prometheus registerer and
// the global OpenTelemetry tracer provider.
type Dependencies struct {
	Logger     logging.ServiceLogger
	Registerer prometheus.Registerer
	Tracer     oteltrace.Tracer
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("eventbus")
	}
	return d
}

// Conn is the shared broker connection. One Conn may back any number of
// Publishers and Subscribers within a process; whoever constructed it
// owns its lifecycle.
type Conn struct {
	cfg     Config
	log     logging.ServiceLogger
	metrics *Metrics
	tracer  oteltrace.Tracer

	broker broker
	state  atomic.Int32

	closeOnce sync.Once
}

// Connect establishes the connection, retrying with exponential backoff
// up to the configured attempt budget. Exceeding the budget is fatal:
// the process cannot proceed without a broker.
func Connect(ctx context.Context, cfg Config, deps Dependencies) (*Conn, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()

	c := &Conn{
		cfg:     cfg,
		log:     deps.Logger,
		metrics: NewMetrics(deps.Registerer),
		tracer:  deps.Tracer,
	}
	c.state.Store(int32(StateConnecting))

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.ConnectBackoff
	expo.MaxInterval = cfg.ConnectBackoffMax

	events := connEvents{
		onDisconnect: c.onDisconnect,
		onReconnect:  c.onReconnect,
		onClosed:     c.onClosed,
	}

	attempt := 0
	b, err := backoff.Retry(ctx, func() (broker, error) {
		attempt++
		br, dialErr := dialBroker(cfg, events)
		if dialErr != nil {
			c.log.Warn("broker connect attempt failed", logging.LogFields{
				"url":     cfg.String(),
				"attempt": attempt,
				"error":   dialErr.Error(),
			})
			return nil, dialErr
		}
		return br, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(cfg.ConnectAttempts)))
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, &errspkg.CanceledError{Op: "connect"}
		}
		return nil, &errspkg.ConnectionError{URL: cfg.URL, Attempts: attempt, Err: err}
	}

	c.broker = b
	c.state.Store(int32(StateConnected))
	c.log.Info("broker connected", logging.LogFields{"url": redactURLCredentials(cfg.URL)})
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Connected reports whether the connection is usable right now. Polled
// by the external health-check component.
func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

// Health verifies broker connectivity with a round trip, bounded by the
// caller's deadline (or a short default). A non-nil return marks the
// messaging component unhealthy in the aggregate health report.
func (c *Conn) Health(ctx context.Context) error {
	switch c.State() {
	case StateClosed:
		return errspkg.ErrClosed
	case StateConnected:
	default:
		return fmt.Errorf("%w (state %s)", errspkg.ErrNotConnected, c.State())
	}

	timeout := DefaultFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return &errspkg.TimeoutError{Op: "health", Timeout: timeout}
	}

	if err := c.broker.Flush(timeout); err != nil {
		return fmt.Errorf("eventbus: broker round trip failed: %w", err)
	}
	return nil
}

// Close releases the connection. In-flight publishes either complete or
// fail cleanly; afterwards every operation returns ErrClosed. Safe to
// call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.broker != nil {
			c.broker.Close()
		}
		c.log.Info("broker connection closed", nil)
	})
	return nil
}

// operational gates every publish/subscribe entry point on the state
// machine. Operations attempted mid-reconnect fail fast with a
// retryable error rather than queuing unboundedly.
func (c *Conn) operational() error {
	switch c.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return errspkg.ErrClosed
	case StateReconnecting:
		return errspkg.ErrReconnecting
	default:
		return errspkg.ErrNotConnected
	}
}

func (c *Conn) onDisconnect(err error) {
	// Swapping to Closed wins over a racing disconnect callback.
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		fields := logging.LogFields{"url": redactURLCredentials(c.cfg.URL)}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.log.Warn("broker connection lost, reconnecting", fields)
	}
}

func (c *Conn) onReconnect() {
	if c.state.CompareAndSwap(int32(StateReconnecting), int32(StateConnected)) {
		c.log.Info("broker connection restored", logging.LogFields{
			"url": redactURLCredentials(c.cfg.URL),
		})
	}
}

func (c *Conn) onClosed() {
	if State(c.state.Swap(int32(StateClosed))) != StateClosed {
		c.log.Error("broker connection closed by transport", errspkg.ErrClosed, nil)
	}
}
