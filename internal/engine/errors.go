package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/retract/internal/ir"
)

var (
	// ErrVictimNotFound is returned when a locally created cancellation or a
	// status query names a record this replica does not hold.
	ErrVictimNotFound = errors.New("victim not found")

	// ErrNotOwnRecord is returned by CreateSelfCancellation for a victim
	// authored by another member.
	ErrNotOwnRecord = errors.New("victim is not authored by this member")

	// ErrNoSigner is returned by local creation on a replica without a key.
	ErrNoSigner = errors.New("engine has no signing key")

	// ErrEngineStopped is returned by local creation after Stop.
	ErrEngineStopped = errors.New("engine stopped")
)

// MalformedRecordError reports a record that can never be valid: it is
// dropped, logged and never stored.
type MalformedRecordError struct {
	// Code identifies the error category.
	Code MalformedCode

	// Message is a human-readable description.
	Message string

	// Key addresses the offending record.
	Key ir.RecordKey
}

// MalformedCode categorizes malformed records.
type MalformedCode string

const (
	// CodeUnsigned indicates a record without wire bytes.
	CodeUnsigned MalformedCode = "UNSIGNED"

	// CodeIncomplete indicates a cancel without a victim or a grant record
	// without grants.
	CodeIncomplete MalformedCode = "INCOMPLETE"

	// CodeSelfReference indicates a cancel that names itself as victim.
	CodeSelfReference MalformedCode = "SELF_REFERENCE"

	// CodeTypeMismatch indicates cancel-own for another member's record or
	// cancel-other for the author's own record, or a victim reference whose
	// type differs from the stored victim.
	CodeTypeMismatch MalformedCode = "TYPE_MISMATCH"

	// CodeNotCancellable indicates a cancel whose victim type is a system
	// type or is declared non-cancellable.
	CodeNotCancellable MalformedCode = "NOT_CANCELLABLE"

	// CodeUnknownType indicates a data type the community does not declare.
	CodeUnknownType MalformedCode = "UNKNOWN_TYPE"

	// CodeReservedType indicates a record of a type that is never stored.
	CodeReservedType MalformedCode = "RESERVED_TYPE"

	// CodeTimeAhead indicates a global time too far past the local clock.
	// Unlike the other codes it depends on replica state; the record may be
	// delivered again once the clock has caught up.
	CodeTimeAhead MalformedCode = "TIME_AHEAD"
)

// Error implements the error interface.
func (e *MalformedRecordError) Error() string {
	if e.Key.Author != "" {
		return fmt.Sprintf("%s: %s (record=%s)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AlreadyCancelledError is returned when a member tries to cancel its own
// record a second time. Existing is the cancellation currently in force.
type AlreadyCancelledError struct {
	Victim   ir.RecordKey
	Existing ir.Record
}

// Error implements the error interface.
func (e *AlreadyCancelledError) Error() string {
	return fmt.Sprintf("%s already cancelled by %s", e.Victim, e.Existing.Key())
}

// PermissionDeniedError is returned by the local pre-check of a creation
// that the ledger does not currently allow. Receiving replicas check again.
type PermissionDeniedError struct {
	Member     ir.MemberID
	Type       ir.RecordType
	Permission ir.Permission
}

// Error implements the error interface.
func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("member %s lacks %q permission for type %q", e.Member.Short(), e.Permission, e.Type)
}

// IsMalformed returns true if the error is a MalformedRecordError.
// Uses errors.As to handle wrapped errors.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}

// IsAlreadyCancelled returns true if the error is an AlreadyCancelledError.
func IsAlreadyCancelled(err error) bool {
	var ae *AlreadyCancelledError
	return errors.As(err, &ae)
}

// IsPermissionDenied returns true if the error is a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	var pe *PermissionDeniedError
	return errors.As(err, &pe)
}

func malformed(code MalformedCode, key ir.RecordKey, format string, args ...any) *MalformedRecordError {
	return &MalformedRecordError{Code: code, Message: fmt.Sprintf(format, args...), Key: key}
}
