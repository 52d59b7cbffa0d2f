package bus

import "github.com/ventori/eventbus/internal/bus/tracing"

// Transport header keys. Routing and observability metadata travel in
// headers so payload evolution never breaks them.
const (
	HeaderEventType     = "event-type"
	HeaderCommandType   = "command-type"
	HeaderAggregateID   = "aggregate-id"
	HeaderAggregateType = "aggregate-type"
	HeaderTargetID      = "target-id"
	HeaderTenantID      = "tenant-id"
	HeaderUserID        = "user-id"
	HeaderMessageID     = "message-id"
	HeaderTraceID       = tracing.Header
)
