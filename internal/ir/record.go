package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// MemberID identifies a community member: the lowercase hex encoding of the
// member's ed25519 public key.
type MemberID string

// Short returns an abbreviated form for logs.
func (m MemberID) Short() string {
	if len(m) <= 8 {
		return string(m)
	}
	return string(m[:8])
}

// PeerID identifies a transport-level peer (the origin of a delivery or the
// destination of an outbound packet). It is distinct from MemberID: one peer
// may relay records authored by many members.
type PeerID string

// RecordType tags the kind of a record. Data types are community defined;
// the system types below are reserved.
type RecordType string

const (
	TypeAuthorize     RecordType = "authorize"
	TypeRevoke        RecordType = "revoke"
	TypeCancelOwn     RecordType = "cancel-own"
	TypeCancelOther   RecordType = "cancel-other"
	TypeMissingRecord RecordType = "missing-record"

	// FamilyCancel is the identity family shared by both cancel types.
	FamilyCancel RecordType = "cancel"
)

// IsSystem reports whether t is one of the reserved system types.
func (t RecordType) IsSystem() bool {
	switch t {
	case TypeAuthorize, TypeRevoke, TypeCancelOwn, TypeCancelOther, TypeMissingRecord:
		return true
	}
	return false
}

// IsCancel reports whether t is cancel-own or cancel-other.
func (t RecordType) IsCancel() bool {
	return t == TypeCancelOwn || t == TypeCancelOther
}

// IsGrant reports whether t is authorize or revoke.
func (t RecordType) IsGrant() bool {
	return t == TypeAuthorize || t == TypeRevoke
}

// Family returns the identity family of t.
func (t RecordType) Family() RecordType {
	if t.IsCancel() {
		return FamilyCancel
	}
	return t
}

// Permission is the kind of action a grant governs.
type Permission string

const (
	PermissionPermit    Permission = "permit"
	PermissionAuthorize Permission = "authorize"
	PermissionRevoke    Permission = "revoke"
	PermissionCancel    Permission = "cancel"
)

// Valid reports whether p is a known permission kind.
func (p Permission) Valid() bool {
	switch p {
	case PermissionPermit, PermissionAuthorize, PermissionRevoke, PermissionCancel:
		return true
	}
	return false
}

// RecordKey addresses a record by (author, type, global time). A cancel
// record's victim reference is a RecordKey.
type RecordKey struct {
	Author     MemberID   `json:"author"`
	Type       RecordType `json:"type"`
	GlobalTime uint64     `json:"global_time"`
}

// Identity returns the deduplication identity of the key: the type is
// replaced by its family.
func (k RecordKey) Identity() RecordKey {
	return RecordKey{Author: k.Author, Type: k.Type.Family(), GlobalTime: k.GlobalTime}
}

// SameIdentity reports whether k and other deduplicate to the same record.
func (k RecordKey) SameIdentity(other RecordKey) bool {
	return k.Identity() == other.Identity()
}

// String renders the key as author/type@time.
func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Author, k.Type, k.GlobalTime)
}

// ParseRecordKey parses the String form of a RecordKey.
func ParseRecordKey(s string) (RecordKey, error) {
	author, rest, ok := strings.Cut(s, "/")
	if !ok || author == "" {
		return RecordKey{}, fmt.Errorf("parse record key %q: missing author", s)
	}
	typ, gt, ok := strings.Cut(rest, "@")
	if !ok || typ == "" {
		return RecordKey{}, fmt.Errorf("parse record key %q: missing type", s)
	}
	t, err := strconv.ParseUint(gt, 10, 64)
	if err != nil {
		return RecordKey{}, fmt.Errorf("parse record key %q: global time: %w", s, err)
	}
	return RecordKey{Author: MemberID(author), Type: RecordType(typ), GlobalTime: t}, nil
}

// Grant is one (subject, type, permission) tuple carried by an authorize or
// revoke record.
type Grant struct {
	Subject    MemberID   `json:"subject"`
	Type       RecordType `json:"type"`
	Permission Permission `json:"permission"`
}

// Record is a signed, immutable unit of replicated state.
//
// Exactly one of Payload, Victim or Grants is meaningful, depending on Type.
// Wire holds the canonical signed serialization; it is the sole material used
// for tie-break comparison and byte equality.
type Record struct {
	Author     MemberID
	Type       RecordType
	GlobalTime uint64
	Payload    IRObject
	Victim     *RecordKey
	Grants     []Grant
	Wire       []byte
}

// Key returns the address of the record.
func (r Record) Key() RecordKey {
	return RecordKey{Author: r.Author, Type: r.Type, GlobalTime: r.GlobalTime}
}

// IsCancel reports whether the record is a cancellation.
func (r Record) IsCancel() bool {
	return r.Type.IsCancel()
}

// CID returns the content id of the wire bytes, or "" when unsigned.
func (r Record) CID() string {
	if len(r.Wire) == 0 {
		return ""
	}
	return RecordCID(r.Wire)
}

// CancellationStatus is the mutable annotation attached to a stored data
// record. A nil CancelledBy means the record is active.
type CancellationStatus struct {
	CancelledBy *RecordKey
}

// Cancelled reports whether a canceller is set.
func (s CancellationStatus) Cancelled() bool {
	return s.CancelledBy != nil
}

// String renders the status the way the read API reports it.
func (s CancellationStatus) String() string {
	if s.CancelledBy == nil {
		return "active"
	}
	return "cancelled_by(" + s.CancelledBy.String() + ")"
}

// MissingRequest asks a peer for the records of Member at the listed global
// times.
type MissingRequest struct {
	ID          string   `json:"id"`
	Member      MemberID `json:"member"`
	GlobalTimes []uint64 `json:"global_times"`
}
