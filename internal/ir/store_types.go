package ir

// NOTE: These are store-layer views, not part of the signed record body.
// Seq is the local arrival order and differs between replicas.

// StoredRecord is a record together with its replica-local annotations.
type StoredRecord struct {
	Seq    int64
	Record Record
	Status CancellationStatus
}

// GrantState is the current state of a permission tuple.
type GrantState string

const (
	GrantGranted GrantState = "granted"
	GrantRevoked GrantState = "revoked"
)

// PermissionGrant is the processed state of one (subject, type, permission)
// tuple. It reflects the most recently processed authorize or revoke record
// for the tuple, in local arrival order.
type PermissionGrant struct {
	Grant   Grant      `json:"grant"`
	State   GrantState `json:"state"`
	Grantor MemberID   `json:"grantor"`
	Source  RecordKey  `json:"source"` // authorize/revoke record that set State
	Seq     int64      `json:"seq"`    // local processing order
}

// Granted reports whether the tuple is currently granted.
func (g PermissionGrant) Granted() bool {
	return g.State == GrantGranted
}
