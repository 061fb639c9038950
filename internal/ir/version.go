package ir

// Version constants for the wire protocol and the node binary.
const (
	// ProtocolVersion is sent in transport metadata; peers with a different
	// version are refused.
	ProtocolVersion = "1"

	// NodeVersion is the retract node version.
	NodeVersion = "0.1.0"
)
