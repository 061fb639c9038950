package ir

// EnvelopeKind distinguishes outbound message kinds.
type EnvelopeKind string

const (
	// EnvelopeRecord carries a full signed record.
	EnvelopeRecord EnvelopeKind = "record"
	// EnvelopeMissingRequest asks the destination for records it holds.
	EnvelopeMissingRequest EnvelopeKind = "missing-request"
)

// Reasons attached to outbound envelopes, for logs and traces.
const (
	ReasonBroadcast    = "broadcast"
	ReasonCorrective   = "corrective"
	ReasonMissingReply = "missing-reply"
	ReasonMissing      = "missing"
	ReasonMissingRetry = "missing-retry"
)

// Envelope is one outbound unit handed to the transport.
type Envelope struct {
	ID      string
	To      PeerID
	Kind    EnvelopeKind
	Record  *Record
	Request *MissingRequest
	Reason  string
}
