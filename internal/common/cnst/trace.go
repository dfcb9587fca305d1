package cnst

// Tracer names used across the service
const (
	TraceBroadcast = "cfgstream/broadcast"
	TraceSession   = "cfgstream/session"
	TraceNotifier  = "cfgstream/notifier"
)

// Span names
const (
	SpanDistribute     = "broadcast.distribute"
	SpanSessionConnect = "session.connect"
	SpanSessionResync  = "session.resync"
	SpanNotifierApply  = "notifier.apply"
)

// Attribute keys
const (
	AttrConfigKey      = "config.key"
	AttrConfigVersion  = "config.version"
	AttrConnectionID   = "connection.id"
	AttrSubscribers    = "broadcast.subscribers"
	AttrDelivered      = "broadcast.delivered"
	AttrDropped        = "broadcast.dropped"
	AttrDiffOperations = "diff.operations"
	AttrClientAddr     = "client.remote_addr"
	AttrErrorReason    = "error.reason"
)
