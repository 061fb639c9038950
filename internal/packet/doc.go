// Package packet defines the canonical signed wire form of a record and the
// comparator used to break ties between competing cancellations.
//
// Wire layout:
//
//	body || signature
//
// body is the RFC 8785 canonical JSON encoding of the record (see
// internal/ir/canonical.go). signature is a 64-byte ed25519 signature over
// sha3-256(body), made with the key whose public half is the record author.
//
// Decode re-encodes the parsed body and rejects the packet unless the bytes
// match exactly, so two replicas holding "the same" record always hold the
// same bytes. Compare is a pure function of those bytes.
package packet
