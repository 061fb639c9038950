package ir

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// RecordCID returns the CIDv1 (raw codec, sha2-256 multihash) of a record's
// wire bytes. It names a record in logs and in the read API; it plays no part
// in identity or tie-breaking.
func RecordCID(wire []byte) string {
	sum, err := multihash.Sum(wire, multihash.SHA2_256, -1)
	if err != nil {
		// Only reachable for an unknown hash code.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// ParseRecordCID validates a CID string produced by RecordCID.
func ParseRecordCID(s string) (cid.Cid, error) {
	return cid.Decode(s)
}
