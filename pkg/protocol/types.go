package protocol

// Protocol identifies a façade's wire protocol.
type Protocol string

// Façade protocols.
const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolEventBus  Protocol = "eventbus"
	ProtocolBinary    Protocol = "binary"
	ProtocolMQTT      Protocol = "mqtt"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolTLS       Protocol = "tls"
)

// String returns the string representation of the protocol.
func (p Protocol) String() string {
	return string(p)
}

// Capability identifies optional features a façade supports.
// Use Metadata.HasCapability() to check if a façade supports a capability.
type Capability string

// Capability constants.
const (
	CapabilityDetection     Capability = "detection"     // Classifies connections from their first bytes
	CapabilityRouting       Capability = "routing"       // Dispatches messages to registered endpoints
	CapabilityStreaming     Capability = "streaming"     // Streams deferred reply content
	CapabilityPubSub        Capability = "pubsub"        // Routes published topics
	CapabilityUpgrade       Capability = "upgrade"       // Hands connections over to another codec
	CapabilityBidirectional Capability = "bidirectional" // Long-lived duplex message exchange
	CapabilityAuth          Capability = "auth"          // Authenticates inbound messages
	CapabilityVirtual       Capability = "virtual"       // Serves in-process connections only
)

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// TransportType indicates the underlying transport mechanism.
type TransportType string

// TransportType constants.
const (
	TransportHTTP1     TransportType = "http1"
	TransportHTTP2     TransportType = "http2"
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "websocket"
	TransportLocal     TransportType = "local"
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}
