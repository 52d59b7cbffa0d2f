package eventbus

import (
	buspkg "github.com/ventori/eventbus/internal/bus"
	errspkg "github.com/ventori/eventbus/internal/bus/errors"
	idspkg "github.com/ventori/eventbus/internal/bus/ids"
	loggingpkg "github.com/ventori/eventbus/internal/bus/logging"
	metadatapkg "github.com/ventori/eventbus/internal/bus/metadata"
	tracingpkg "github.com/ventori/eventbus/internal/bus/tracing"
)

type (
	Config       = buspkg.Config
	Dependencies = buspkg.Dependencies
	Conn         = buspkg.Conn
	State        = buspkg.State

	Publisher  = buspkg.Publisher
	Subscriber = buspkg.Subscriber

	EventEnvelope   = buspkg.EventEnvelope
	CommandEnvelope = buspkg.CommandEnvelope

	StreamConfig    = buspkg.StreamConfig
	ConsumerConfig  = buspkg.ConsumerConfig
	RetentionPolicy = buspkg.RetentionPolicy
	StorageType     = buspkg.StorageType
	DiscardPolicy   = buspkg.DiscardPolicy

	Message = buspkg.Message
	Handler = buspkg.Handler

	Metadata = metadatapkg.Metadata
	Metrics  = buspkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Error taxonomy
	ConnectionError    = errspkg.ConnectionError
	ValidationError    = errspkg.ValidationError
	SerializationError = errspkg.SerializationError
	PublishError       = errspkg.PublishError
	SubscribeError     = errspkg.SubscribeError
	ConfigError        = errspkg.ConfigError
	TimeoutError       = errspkg.TimeoutError
	CanceledError      = errspkg.CanceledError
)

// Connection states.
const (
	StateDisconnected = buspkg.StateDisconnected
	StateConnecting   = buspkg.StateConnecting
	StateConnected    = buspkg.StateConnected
	StateReconnecting = buspkg.StateReconnecting
	StateClosed       = buspkg.StateClosed
)

// Stream retention, storage and discard policies.
const (
	RetentionLimits    = buspkg.RetentionLimits
	RetentionInterest  = buspkg.RetentionInterest
	RetentionWorkQueue = buspkg.RetentionWorkQueue

	StorageFile   = buspkg.StorageFile
	StorageMemory = buspkg.StorageMemory

	DiscardOld = buspkg.DiscardOld
	DiscardNew = buspkg.DiscardNew
)

// Transport header keys stamped on every published message.
const (
	HeaderEventType     = buspkg.HeaderEventType
	HeaderCommandType   = buspkg.HeaderCommandType
	HeaderAggregateID   = buspkg.HeaderAggregateID
	HeaderAggregateType = buspkg.HeaderAggregateType
	HeaderTargetID      = buspkg.HeaderTargetID
	HeaderTenantID      = buspkg.HeaderTenantID
	HeaderUserID        = buspkg.HeaderUserID
	HeaderMessageID     = buspkg.HeaderMessageID
	HeaderTraceID       = buspkg.HeaderTraceID
)

var (
	Connect           = buspkg.Connect
	NewPublisher      = buspkg.NewPublisher
	ConnectPublisher  = buspkg.ConnectPublisher
	NewSubscriber     = buspkg.NewSubscriber
	ConnectSubscriber = buspkg.ConnectSubscriber

	NewEvent   = buspkg.NewEvent
	NewCommand = buspkg.NewCommand

	NewMetrics = buspkg.NewMetrics

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter

	// MetadataFromWatermill and MetadataToWatermill convert between bus
	// metadata and watermill message metadata.
	MetadataFromWatermill = metadatapkg.FromWatermill
	MetadataToWatermill   = metadatapkg.ToWatermill

	// NewID returns a fresh ULID, the identifier format used for
	// message and trace ids.
	NewID = idspkg.New

	// InjectTrace and ExtractTrace move the trace id between a context's
	// active span and transport headers.
	InjectTrace  = tracingpkg.Inject
	ExtractTrace = tracingpkg.Extract

	// Error classification helpers
	IsRetryable = errspkg.IsRetryable
	IsTimeout   = errspkg.IsTimeout
	IsCanceled  = errspkg.IsCanceled
)

// Sentinel errors surfaced by bus operations.
var (
	ErrClosed       = errspkg.ErrClosed
	ErrReconnecting = errspkg.ErrReconnecting
	ErrNotConnected = errspkg.ErrNotConnected
	ErrNilHandler   = errspkg.ErrNilHandler
	ErrEmptySubject = errspkg.ErrEmptySubject
	ErrEmptyQueue   = errspkg.ErrEmptyQueue
	ErrSubscribed   = errspkg.ErrSubscribed
	ErrNotAvailable = errspkg.ErrNotAvailable
)
