package cnst

// Tracer names used across the services
const (
	// TraceHub is the tracer name for the connection manager
	TraceHub = "wshub/hub"
	// TraceRelay is the tracer name for the cross-instance relay
	TraceRelay = "wshub/relay"
)

// Common span names
const (
	SpanAdmit        = "hub.admit"
	SpanPublish      = "hub.publish"
	SpanSendDirect   = "hub.send_direct"
	SpanRelayForward = "relay.forward"
	SpanRelayReceive = "relay.receive"
)

// Common attribute keys
const (
	AttrConnectionID = "connection.id"
	AttrTopic        = "message.topic"
	AttrMessageType  = "message.type"
	AttrReceivers    = "message.receivers"
	AttrRelayOrigin  = "relay.origin"
	AttrClientAddr   = "client.remote_addr"
	AttrErrorReason  = "error.reason"
)
