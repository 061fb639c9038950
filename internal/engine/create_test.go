package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
	"github.com/roach88/retract/internal/testutil"
)

func TestCreateRecord(t *testing.T) {
	f := newFixture(t, "alice", WithPeers("p1", "p2"))

	r, err := f.engine.CreateRecord(f.ctx, "text", ir.IRObject{"text": ir.IRString("hello")})
	require.NoError(t, err)
	assert.Equal(t, f.keys.Member("alice"), r.Author)
	assert.Equal(t, uint64(1), r.GlobalTime)

	dec, err := packet.Decode(r.Wire)
	require.NoError(t, err)
	assert.Equal(t, r.Key(), dec.Key())

	sr, err := f.engine.Lookup(f.ctx, r.Key())
	require.NoError(t, err)
	assert.Equal(t, r.Wire, sr.Record.Wire)

	f.engine.DrainOutbox(f.ctx)
	sent := f.sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, ir.PeerID("p1"), sent[0].To)
	assert.Equal(t, ir.PeerID("p2"), sent[1].To)
	assert.Equal(t, ir.ReasonBroadcast, sent[0].Reason)
}

func TestCreateRecord_Rejections(t *testing.T) {
	f := newFixture(t, "alice", WithTypes(fakeTypes{"text": true}))

	_, err := f.engine.CreateRecord(f.ctx, ir.TypeCancelOwn, nil)
	assert.True(t, IsMalformed(err))

	_, err = f.engine.CreateRecord(f.ctx, "blob", nil)
	assert.True(t, IsMalformed(err))

	readOnly := newFixture(t, "")
	_, err = readOnly.engine.CreateRecord(readOnly.ctx, "text", nil)
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestCreateRecord_FollowsObservedTime(t *testing.T) {
	f := newFixture(t, "alice")
	bob := f.keys.Signer("bob")
	f.submit(t, testutil.DataRecord(bob, "text", 500, nil), "p1")

	r, err := f.engine.CreateRecord(f.ctx, "text", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(501), r.GlobalTime)
}

func TestCreateRecord_IgnoresFarFutureTime(t *testing.T) {
	f := newFixture(t, "alice")
	bob := f.keys.Signer("bob")
	far := testutil.DataRecord(bob, "text", math.MaxInt64, nil)

	assert.Equal(t, CodeTimeAhead, f.submitMalformed(t, far, "p1").Code)
	assert.Zero(t, f.engine.Clock().Current(), "a rejected time leaves the clock alone")

	known, err := f.store.HasRecord(f.ctx, far.Key())
	require.NoError(t, err)
	assert.False(t, known)

	r, err := f.engine.CreateRecord(f.ctx, "text", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.GlobalTime)
}

func TestCreateRecord_IgnoresUnstoredTimes(t *testing.T) {
	f := newFixture(t, "alice")
	bob, carol := f.keys.Signer("bob"), f.keys.Signer("carol")
	m := testutil.DataRecord(carol, "text", 5, nil)
	require.Equal(t, Stored, f.submit(t, m, "p1"))

	assert.Equal(t, RejectedIneligible, f.submit(t, testutil.CancelRecord(bob, 800, m.Key()), "p1"))
	awaited := ir.RecordKey{Author: carol.Member(), Type: "text", GlobalTime: 50}
	assert.Equal(t, Deferred, f.submit(t, testutil.CancelRecord(bob, 900, awaited), "p1"))
	assert.Equal(t, uint64(5), f.engine.Clock().Current())

	r, err := f.engine.CreateRecord(f.ctx, "text", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), r.GlobalTime)
}

func TestSubmit_MaxTimeAheadTracksClock(t *testing.T) {
	f := newFixture(t, "", WithMaxTimeAhead(100))
	bob := f.keys.Signer("bob")

	assert.Equal(t, CodeTimeAhead, f.submitMalformed(t, testutil.DataRecord(bob, "text", 101, nil), "p1").Code)
	assert.Equal(t, Stored, f.submit(t, testutil.DataRecord(bob, "text", 100, nil), "p1"))
	assert.Equal(t, Stored, f.submit(t, testutil.DataRecord(bob, "text", 200, nil), "p1"))
	assert.Equal(t, CodeTimeAhead, f.submitMalformed(t, testutil.DataRecord(bob, "text", 301, nil), "p1").Code)
	assert.Equal(t, uint64(200), f.engine.Clock().Current())
}

func TestCreateSelfCancellation(t *testing.T) {
	f := newFixture(t, "alice", WithPeers("p1"))
	m, err := f.engine.CreateRecord(f.ctx, "text", nil)
	require.NoError(t, err)

	c, err := f.engine.CreateSelfCancellation(f.ctx, m.Key())
	require.NoError(t, err)
	assert.Equal(t, ir.TypeCancelOwn, c.Type)
	assert.Equal(t, m.Key(), *c.Victim)
	assert.Equal(t, c.Key(), *f.status(t, m.Key()).CancelledBy)

	f.engine.DrainOutbox(f.ctx)
	assert.Equal(t, 2, f.sender.Len(), "record and cancel are broadcast")
}

func TestCreateSelfCancellation_Twice(t *testing.T) {
	f := newFixture(t, "alice", WithPeers("p1"))
	m, err := f.engine.CreateRecord(f.ctx, "text", nil)
	require.NoError(t, err)
	first, err := f.engine.CreateSelfCancellation(f.ctx, m.Key())
	require.NoError(t, err)
	f.engine.DrainOutbox(f.ctx)
	f.sender.Take()
	clockBefore := f.engine.Clock().Current()

	existing, err := f.engine.CreateSelfCancellation(f.ctx, m.Key())
	require.Error(t, err)
	assert.True(t, IsAlreadyCancelled(err))

	var ae *AlreadyCancelledError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, first.Key(), ae.Existing.Key())
	assert.Equal(t, first.Wire, existing.Wire, "the caller gets the existing cancellation")

	assert.Equal(t, clockBefore, f.engine.Clock().Current(), "no new record was created")
	f.engine.DrainOutbox(f.ctx)
	assert.Zero(t, f.sender.Len(), "nothing touches the network")

	cancellers, err := f.engine.Cancellers(f.ctx, m.Key())
	require.NoError(t, err)
	assert.Len(t, cancellers, 1)
}

func TestCreateSelfCancellation_Errors(t *testing.T) {
	f := newFixture(t, "alice")
	bob := f.keys.Signer("bob")
	theirs := testutil.DataRecord(bob, "text", 4, nil)
	f.submit(t, theirs, "p1")

	_, err := f.engine.CreateSelfCancellation(f.ctx, theirs.Key())
	assert.ErrorIs(t, err, ErrNotOwnRecord)

	missing := ir.RecordKey{Author: f.keys.Member("alice"), Type: "text", GlobalTime: 77}
	_, err = f.engine.CreateSelfCancellation(f.ctx, missing)
	assert.ErrorIs(t, err, ErrVictimNotFound)
}

func TestCreateOtherCancellation(t *testing.T) {
	f := newFixture(t, "bob")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	f.submit(t, m, "p1")

	_, err := f.engine.CreateOtherCancellation(f.ctx, m.Key())
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))

	f.allowCancel(t, "bob", "text", 1)
	c, err := f.engine.CreateOtherCancellation(f.ctx, m.Key())
	require.NoError(t, err)
	assert.Equal(t, ir.TypeCancelOther, c.Type)
	assert.Equal(t, c.Key(), *f.status(t, m.Key()).CancelledBy)

	// No double-cancel guard for cancelling others: a second one competes.
	c2, err := f.engine.CreateOtherCancellation(f.ctx, m.Key())
	require.NoError(t, err)
	assert.Equal(t, packet.Higher(c, c2).Key(), *f.status(t, m.Key()).CancelledBy)
}

func TestCreateOtherCancellation_Errors(t *testing.T) {
	f := newFixture(t, "bob")
	f.allowCancel(t, "bob", "text", 1)

	own, err := f.engine.CreateRecord(f.ctx, "text", nil)
	require.NoError(t, err)
	_, err = f.engine.CreateOtherCancellation(f.ctx, own.Key())
	assert.True(t, IsMalformed(err))

	missing := ir.RecordKey{Author: f.keys.Member("alice"), Type: "text", GlobalTime: 9}
	_, err = f.engine.CreateOtherCancellation(f.ctx, missing)
	assert.ErrorIs(t, err, ErrVictimNotFound)
}

func TestCreateAuthorize(t *testing.T) {
	f := newFixture(t, "master", WithPeers("p1"))
	bob := f.keys.Member("bob")
	grant := ir.Grant{Subject: bob, Type: "text", Permission: ir.PermissionCancel}

	r, err := f.engine.CreateAuthorize(f.ctx, []ir.Grant{grant})
	require.NoError(t, err)
	assert.Equal(t, ir.TypeAuthorize, r.Type)
	assert.True(t, f.engine.Ledger().IsPermitted(bob, "text", ir.PermissionCancel))

	_, err = f.engine.CreateRevoke(f.ctx, []ir.Grant{grant})
	require.NoError(t, err)
	assert.False(t, f.engine.Ledger().IsPermitted(bob, "text", ir.PermissionCancel))

	f.engine.DrainOutbox(f.ctx)
	assert.Equal(t, 2, f.sender.Len())
}

func TestCreateAuthorize_Denied(t *testing.T) {
	f := newFixture(t, "bob")
	_, err := f.engine.CreateAuthorize(f.ctx, []ir.Grant{
		{Subject: f.keys.Member("carol"), Type: "text", Permission: ir.PermissionCancel},
	})

	var pe *PermissionDeniedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ir.PermissionAuthorize, pe.Permission)

	_, err = f.engine.CreateAuthorize(f.ctx, nil)
	assert.True(t, IsMalformed(err))
}

// TestEndToEnd follows one record through a double local cancel on its
// author's node and a cancel race on another replica.
func TestEndToEnd(t *testing.T) {
	nodeA := newFixture(t, "alice", WithClock(NewClockAt(9)))

	m, err := nodeA.engine.CreateRecord(nodeA.ctx, "text", ir.IRObject{"text": ir.IRString("M")})
	require.NoError(t, err)
	require.Equal(t, uint64(10), m.GlobalTime)

	ca, err := nodeA.engine.CreateSelfCancellation(nodeA.ctx, m.Key())
	require.NoError(t, err)

	again, err := nodeA.engine.CreateSelfCancellation(nodeA.ctx, m.Key())
	require.True(t, IsAlreadyCancelled(err))
	assert.Equal(t, ca.Wire, again.Wire)

	replica := newFixture(t, "")
	bob := replica.keys.Signer("bob")
	replica.allowCancel(t, "bob", "text", 1)
	require.Equal(t, Stored, replica.submit(t, m, "node-a"))

	cx, cy := orderedCancels(bob, m.Key(), 3, 4)
	require.Equal(t, Stored, replica.submit(t, cx, "peer-x"))
	require.Equal(t, Stored, replica.submit(t, cy, "peer-y"))

	assert.Equal(t, cy.Key(), *replica.status(t, m.Key()).CancelledBy)

	replica.engine.DrainOutbox(replica.ctx)
	corrective := replica.sender.Matching(ir.ReasonCorrective)
	require.Len(t, corrective, 1)
	assert.Equal(t, ir.PeerID("peer-x"), corrective[0].To)
	assert.Equal(t, cy.Wire, corrective[0].Record.Wire)
}
