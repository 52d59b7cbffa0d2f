// Package eventbus is the messaging backbone for event-driven services
// on NATS JetStream. It wraps connection management, typed envelopes,
// publishing, subscribing, and durable stream provisioning behind a
// small API so services emit and consume domain events and commands
// without touching low-level NATS APIs.
//
// Envelopes carry the payload plus routing and audit metadata (type,
// aggregate, tenant, user, trace id). The subject a message is routed
// on is a pure function of the envelope: events derive under "evt.",
// commands under "cmd.", optionally below a process-wide prefix from
// Config.StreamPrefix. Trace ids propagate from the active
// OpenTelemetry span, or are generated as ULIDs when no span is
// recording, and survive the broker byte-for-byte.
//
// # Delivery modes
//
// Subscribe fans every matching message out to every attached handler,
// at most once, with no acknowledgment. SubscribeQueue load-balances a
// queue group so exactly one member receives each message.
// SubscribeDurable attaches to a JetStream consumer: handlers must Ack
// explicitly, unacknowledged deliveries are retried after AckWait up to
// MaxDeliver times, and order within a consumer follows publish order.
//
// # Connection lifecycle
//
// Connect retries with exponential backoff up to a bounded attempt
// budget; failure to connect at startup is fatal. Once connected the
// bus reconnects indefinitely on its own, failing in-flight publishes
// fast with a retryable error while the link is down. Health and
// Connected expose the state for readiness probes.
//
// A minimal setup fills Config, calls ConnectPublisher or
// ConnectSubscriber, declares streams with CreateStream, and publishes
// envelopes built with NewEvent or NewCommand. The wmadapter
// subpackage exposes the same bus as a Watermill publisher/subscriber
// pair for router-based services.
package eventbus
