package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/retract/internal/ir"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a data record with placeholder wire bytes.
// The store never verifies signatures, so any non-empty wire works.
func createTestRecord(author ir.MemberID, typ ir.RecordType, gt uint64) ir.Record {
	r := ir.Record{
		Author:     author,
		Type:       typ,
		GlobalTime: gt,
		Payload:    ir.IRObject{"text": ir.IRString("hello")},
	}
	r.Wire = []byte("wire:" + r.Key().String())
	return r
}

// createTestCancel creates a cancel record targeting victim.
func createTestCancel(author ir.MemberID, gt uint64, victim ir.RecordKey, wire string) ir.Record {
	typ := ir.TypeCancelOther
	if author == victim.Author {
		typ = ir.TypeCancelOwn
	}
	return ir.Record{
		Author:     author,
		Type:       typ,
		GlobalTime: gt,
		Victim:     &victim,
		Wire:       []byte(wire),
	}
}

// createTestGrant creates an authorize or revoke record and the tuple state
// it produces.
func createTestGrant(typ ir.RecordType, gt uint64, seq int64, tuple ir.Grant) (ir.Record, ir.PermissionGrant) {
	r := ir.Record{
		Author:     "master",
		Type:       typ,
		GlobalTime: gt,
		Grants:     []ir.Grant{tuple},
	}
	r.Wire = []byte("wire:" + r.Key().String())

	state := ir.GrantGranted
	if typ == ir.TypeRevoke {
		state = ir.GrantRevoked
	}
	return r, ir.PermissionGrant{Grant: tuple, State: state, Grantor: r.Author, Source: r.Key(), Seq: seq}
}
