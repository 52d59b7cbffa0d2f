// Package errors defines the typed error taxonomy surfaced by the bus.
package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrClosed       = sterrors.New("eventbus: connection is closed")
	ErrReconnecting = sterrors.New("eventbus: connection is reconnecting")
	ErrNotConnected = sterrors.New("eventbus: not connected")
	ErrNilHandler   = sterrors.New("eventbus: handler function is required")
	ErrEmptySubject = sterrors.New("eventbus: subject is required")
	ErrEmptyQueue   = sterrors.New("eventbus: queue group is required")
	ErrSubscribed   = sterrors.New("eventbus: subject is already subscribed")
	ErrNotAvailable = sterrors.New("eventbus: durable mode is not available on the broker")
)

// ConnectionError reports a failure to establish or keep the broker
// connection. At startup it is fatal; at runtime the bus reconnects
// internally and surfaces the state through Health.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("eventbus: connecting to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("eventbus: connection to %s lost: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError reports a malformed envelope or subscription argument.
// It is never retried; the caller must fix the input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("eventbus: invalid %s: %s", e.Field, e.Reason)
}

// SerializationError reports a payload that cannot be encoded or decoded.
// It is treated as a programmer error and never retried.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("eventbus: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// PublishError reports a transport failure during publish. Retryable
// errors are safe to retry with caller-controlled backoff; the bus never
// retries publishes internally to avoid duplicate side effects on
// non-idempotent consumers.
type PublishError struct {
	Subject   string
	Retryable bool
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("eventbus: publish to %q failed: %v", e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// SubscribeError reports a failure to register a subscription.
type SubscribeError struct {
	Subject string
	Queue   string
	Err     error
}

func (e *SubscribeError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("eventbus: subscribe to %q (queue %q) failed: %v", e.Subject, e.Queue, e.Err)
	}
	return fmt.Sprintf("eventbus: subscribe to %q failed: %v", e.Subject, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// ConfigError reports a stream or consumer declaration that conflicts
// with an existing, differently configured resource. It is fatal for
// that declaration only.
type ConfigError struct {
	Resource string // "stream" or "consumer"
	Name     string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("eventbus: %s %q: %v", e.Resource, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TimeoutError reports a blocking call that exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("eventbus: %s timed out after %s", e.Op, e.Timeout)
}

// CanceledError reports a blocking call interrupted by caller
// cancellation before completing.
type CanceledError struct {
	Op string
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("eventbus: %s canceled", e.Op)
}

// IsRetryable reports whether the caller may safely retry the operation
// that produced err.
func IsRetryable(err error) bool {
	var pe *PublishError
	if sterrors.As(err, &pe) {
		return pe.Retryable
	}
	return sterrors.Is(err, ErrReconnecting) || sterrors.Is(err, ErrNotConnected)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return sterrors.As(err, &te)
}

// IsCanceled reports whether err is a caller cancellation.
func IsCanceled(err error) bool {
	var ce *CanceledError
	return sterrors.As(err, &ce)
}
