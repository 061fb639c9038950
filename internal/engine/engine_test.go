package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/ledger"
	"github.com/roach88/retract/internal/packet"
	"github.com/roach88/retract/internal/store"
	"github.com/roach88/retract/internal/tasks"
	"github.com/roach88/retract/internal/testutil"
)

// fixture is one replica with a capturing sender. Retries are pushed an hour
// out so that only DrainOutbox moves envelopes.
type fixture struct {
	ctx    context.Context
	keys   *testutil.Keyring
	path   string
	store  *store.Store
	sender *testutil.CaptureSender
	engine *Engine
}

func newFixture(t *testing.T, self string, opts ...EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	keys := testutil.NewKeyring()

	path := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led, err := ledger.New(ctx, st, []ir.MemberID{keys.Member("master")})
	require.NoError(t, err)

	sender := testutil.NewCaptureSender()
	base := []EngineOption{
		WithBackoff(tasks.Backoff{Initial: time.Hour, Max: time.Hour}),
		WithIDGenerator(NewSequenceGenerator("env")),
	}
	if self != "" {
		base = append(base, WithSigner(keys.Signer(self)))
	}
	e, err := New(ctx, st, led, sender, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	return &fixture{ctx: ctx, keys: keys, path: path, store: st, sender: sender, engine: e}
}

// execSQL runs statements against the fixture's database file over a
// separate connection.
func (f *fixture) execSQL(t *testing.T, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite3", f.path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range stmts {
		_, err := db.ExecContext(f.ctx, stmt)
		require.NoError(t, err)
	}
}

// submitMalformed submits r and returns the malformed error it must produce.
func (f *fixture) submitMalformed(t *testing.T, r ir.Record, from ir.PeerID) *MalformedRecordError {
	t.Helper()
	_, err := f.engine.Submit(f.ctx, Delivery{Record: r, From: from})
	var me *MalformedRecordError
	require.ErrorAs(t, err, &me)
	return me
}

func (f *fixture) submit(t *testing.T, r ir.Record, from ir.PeerID) Outcome {
	t.Helper()
	out, err := f.engine.Submit(f.ctx, Delivery{Record: r, From: from})
	require.NoError(t, err)
	return out
}

func (f *fixture) status(t *testing.T, victim ir.RecordKey) ir.CancellationStatus {
	t.Helper()
	st, err := f.engine.GetCancellationStatus(f.ctx, victim)
	require.NoError(t, err)
	return st
}

// allowCancel has the master grant subject "cancel" on typ.
func (f *fixture) allowCancel(t *testing.T, subject string, typ ir.RecordType, gt uint64) {
	t.Helper()
	grant := testutil.GrantRecord(f.keys.Signer("master"), ir.TypeAuthorize, gt,
		ir.Grant{Subject: f.keys.Member(subject), Type: typ, Permission: ir.PermissionCancel})
	require.Equal(t, Stored, f.submit(t, grant, "master-peer"))
}

// orderedCancels returns two cancels of victim by s, lower wire bytes first.
func orderedCancels(s *packet.Signer, victim ir.RecordKey, gtA, gtB uint64) (lo, hi ir.Record) {
	a := testutil.CancelRecord(s, gtA, victim)
	b := testutil.CancelRecord(s, gtB, victim)
	if packet.Compare(a.Wire, b.Wire) < 0 {
		return a, b
	}
	return b, a
}

type fakeTypes map[ir.RecordType]bool // declared type -> cancellable

func (f fakeTypes) Declared(t ir.RecordType) bool {
	_, ok := f[t]
	return ok
}

func (f fakeTypes) Cancellable(t ir.RecordType) bool {
	return f[t]
}

func TestNew_RestoresClock(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	f.submit(t, testutil.DataRecord(alice, "text", 42, nil), "p1")

	led, err := ledger.New(f.ctx, f.store, nil)
	require.NoError(t, err)
	restarted, err := New(f.ctx, f.store, led, testutil.NewCaptureSender())
	require.NoError(t, err)
	defer restarted.Stop()

	assert.Equal(t, uint64(42), restarted.Clock().Current())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "stored", Stored.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "deferred", Deferred.String())
	assert.Equal(t, "rejected_ineligible", RejectedIneligible.String())
	assert.Equal(t, "outcome(0)", Outcome(0).String())
}

func TestSubmit_DataRecord(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, ir.IRObject{"text": ir.IRString("hi")})

	assert.Equal(t, Stored, f.submit(t, m, "p1"))
	assert.Equal(t, Duplicate, f.submit(t, m, "p2"))
	assert.False(t, f.status(t, m.Key()).Cancelled())
	assert.Equal(t, uint64(10), f.engine.Clock().Current(), "the clock observes stored times")
}

func TestSubmit_Idempotent(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(alice, 11, m.Key())

	f.submit(t, m, "p1")
	assert.Equal(t, Stored, f.submit(t, c, "p1"))
	first := f.status(t, m.Key())

	assert.Equal(t, Duplicate, f.submit(t, c, "p1"))
	assert.Equal(t, first, f.status(t, m.Key()))

	cancellers, err := f.engine.Cancellers(f.ctx, m.Key())
	require.NoError(t, err)
	assert.Len(t, cancellers, 1)

	f.engine.DrainOutbox(f.ctx)
	assert.Zero(t, f.sender.Len(), "duplicates send nothing")
}

func TestSubmit_SelfCancelNeedsNoPermission(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(alice, 11, m.Key())

	f.submit(t, m, "p1")
	assert.Equal(t, Stored, f.submit(t, c, "p1"))
	assert.Equal(t, c.Key(), *f.status(t, m.Key()).CancelledBy)
}

func TestSubmit_OtherCancelRequiresPermission(t *testing.T) {
	f := newFixture(t, "")
	alice, bob := f.keys.Signer("alice"), f.keys.Signer("bob")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(bob, 3, m.Key())

	f.submit(t, m, "p1")
	assert.Equal(t, RejectedIneligible, f.submit(t, c, "p2"))
	assert.False(t, f.status(t, m.Key()).Cancelled())

	cancellers, err := f.engine.Cancellers(f.ctx, m.Key())
	require.NoError(t, err)
	assert.Empty(t, cancellers, "ineligible cancels are not stored")

	f.allowCancel(t, "bob", "text", 1)
	assert.Equal(t, Stored, f.submit(t, c, "p2"), "a rejected cancel may be resubmitted later")
	assert.Equal(t, c.Key(), *f.status(t, m.Key()).CancelledBy)
}

func TestSubmit_PermissionIsPerType(t *testing.T) {
	f := newFixture(t, "")
	alice, bob := f.keys.Signer("alice"), f.keys.Signer("bob")
	m := testutil.DataRecord(alice, "note", 10, nil)

	f.submit(t, m, "p1")
	f.allowCancel(t, "bob", "text", 1)
	assert.Equal(t, RejectedIneligible, f.submit(t, testutil.CancelRecord(bob, 3, m.Key()), "p2"))
}

func TestSubmit_ConflictResolutionCommutes(t *testing.T) {
	alice := testutil.DeriveSigner("alice")
	bob := testutil.DeriveSigner("bob")
	m := testutil.DataRecord(alice, "text", 10, nil)
	lo, hi := orderedCancels(bob, m.Key(), 3, 4)

	orders := map[string][]ir.Record{
		"low first":  {lo, hi},
		"high first": {hi, lo},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, "")
			f.allowCancel(t, "bob", "text", 1)
			f.submit(t, m, "p0")
			for _, c := range order {
				assert.Equal(t, Stored, f.submit(t, c, "p1"))
			}

			assert.Equal(t, hi.Key(), *f.status(t, m.Key()).CancelledBy)

			cancellers, err := f.engine.Cancellers(f.ctx, m.Key())
			require.NoError(t, err)
			assert.Len(t, cancellers, 2, "the loser is retained")
		})
	}
}

func TestSubmit_CompetingSelfCancelsResolveLikeOthers(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	lo, hi := orderedCancels(alice, m.Key(), 11, 12)

	f.submit(t, m, "p1")
	f.submit(t, hi, "p1")
	f.submit(t, lo, "p2")
	assert.Equal(t, hi.Key(), *f.status(t, m.Key()).CancelledBy)
}

func TestSubmit_Finality(t *testing.T) {
	f := newFixture(t, "")
	alice, bob := f.keys.Signer("alice"), f.keys.Signer("bob")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(bob, 3, m.Key())

	f.allowCancel(t, "bob", "text", 1)
	f.submit(t, m, "p1")
	require.Equal(t, Stored, f.submit(t, c, "p2"))

	revoke := testutil.GrantRecord(f.keys.Signer("master"), ir.TypeRevoke, 2,
		ir.Grant{Subject: bob.Member(), Type: "text", Permission: ir.PermissionCancel})
	require.Equal(t, Stored, f.submit(t, revoke, "master-peer"))

	assert.False(t, f.engine.Ledger().IsPermitted(bob.Member(), "text", ir.PermissionCancel))
	assert.Equal(t, c.Key(), *f.status(t, m.Key()).CancelledBy, "a revoke never reopens a settled cancellation")
}

func TestSubmit_LoserNotification(t *testing.T) {
	alice := testutil.DeriveSigner("alice")
	bob := testutil.DeriveSigner("bob")
	m := testutil.DataRecord(alice, "text", 10, nil)
	lo, hi := orderedCancels(bob, m.Key(), 3, 4)

	t.Run("losing cancel gets the winner back", func(t *testing.T) {
		f := newFixture(t, "")
		f.allowCancel(t, "bob", "text", 1)
		f.submit(t, m, "p0")
		f.submit(t, hi, "p1")
		f.submit(t, lo, "p2")
		f.engine.DrainOutbox(f.ctx)

		corrective := f.sender.Matching(ir.ReasonCorrective)
		require.Len(t, corrective, 1)
		assert.Equal(t, ir.PeerID("p2"), corrective[0].To)
		assert.Equal(t, hi.Wire, corrective[0].Record.Wire)
	})

	t.Run("winning cancel sends nothing back to its sender", func(t *testing.T) {
		f := newFixture(t, "")
		f.allowCancel(t, "bob", "text", 1)
		f.submit(t, m, "p0")
		f.submit(t, lo, "p1")
		f.submit(t, hi, "p1")
		f.engine.DrainOutbox(f.ctx)

		assert.Empty(t, f.sender.Matching(ir.ReasonCorrective))
	})

	t.Run("duplicate loser sends nothing", func(t *testing.T) {
		f := newFixture(t, "")
		f.allowCancel(t, "bob", "text", 1)
		f.submit(t, m, "p0")
		f.submit(t, hi, "p1")
		f.submit(t, lo, "p2")
		f.engine.DrainOutbox(f.ctx)
		f.sender.Take()

		assert.Equal(t, Duplicate, f.submit(t, lo, "p2"))
		f.engine.DrainOutbox(f.ctx)
		assert.Empty(t, f.sender.Matching(ir.ReasonCorrective))
	})

	t.Run("displaced canceller's peer learns the winner", func(t *testing.T) {
		f := newFixture(t, "")
		f.allowCancel(t, "bob", "text", 1)
		f.submit(t, m, "p0")
		f.submit(t, lo, "p1")
		f.submit(t, hi, "p2")
		f.engine.DrainOutbox(f.ctx)

		corrective := f.sender.Matching(ir.ReasonCorrective)
		require.Len(t, corrective, 1)
		assert.Equal(t, ir.PeerID("p1"), corrective[0].To)
		assert.Equal(t, hi.Wire, corrective[0].Record.Wire)
	})

	t.Run("local loser sends nothing", func(t *testing.T) {
		f := newFixture(t, "")
		f.allowCancel(t, "bob", "text", 1)
		f.submit(t, m, "p0")
		f.submit(t, hi, "p1")
		f.submit(t, lo, "")
		f.engine.DrainOutbox(f.ctx)

		assert.Empty(t, f.sender.Matching(ir.ReasonCorrective))
	})
}

func TestSubmit_MissingDependency(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(alice, 11, m.Key())

	assert.Equal(t, Deferred, f.submit(t, c, "p1"))
	assert.Equal(t, Duplicate, f.submit(t, c, "p1"), "a queued cancel is not queued twice")
	victims, cancels := f.engine.PendingStats()
	assert.Equal(t, 1, victims)
	assert.Equal(t, 1, cancels)

	_, err := f.engine.GetCancellationStatus(f.ctx, m.Key())
	assert.ErrorIs(t, err, ErrVictimNotFound)

	f.engine.DrainOutbox(f.ctx)
	sent := f.sender.Take()
	require.Len(t, sent, 1, "exactly one request for the victim")
	req := sent[0]
	assert.Equal(t, ir.EnvelopeMissingRequest, req.Kind)
	assert.Equal(t, ir.PeerID("p1"), req.To)
	assert.Equal(t, alice.Member(), req.Request.Member)
	assert.Equal(t, []uint64{10}, req.Request.GlobalTimes)
	assert.Equal(t, "env-0001", req.ID)
	assert.Equal(t, req.ID, req.Request.ID)

	pm := peerMember{peer: "p1", member: alice.Member()}
	assert.True(t, f.engine.tasks.IsActive(pm.taskName()), "a retry task follows the first request")

	assert.Equal(t, Stored, f.submit(t, m, "p1"))
	assert.Equal(t, c.Key(), *f.status(t, m.Key()).CancelledBy)

	victims, cancels = f.engine.PendingStats()
	assert.Zero(t, victims)
	assert.Zero(t, cancels)
	assert.False(t, f.engine.tasks.IsActive(pm.taskName()), "the retry task ends with the batch")

	f.engine.DrainOutbox(f.ctx)
	assert.Zero(t, f.sender.Len())
}

func TestSubmit_MissingDependencyMatchesDirectOrder(t *testing.T) {
	alice := testutil.DeriveSigner("alice")
	bob := testutil.DeriveSigner("bob")
	m := testutil.DataRecord(alice, "text", 10, nil)
	lo, hi := orderedCancels(bob, m.Key(), 3, 4)

	direct := newFixture(t, "")
	direct.allowCancel(t, "bob", "text", 1)
	direct.submit(t, m, "p1")
	direct.submit(t, lo, "p1")
	direct.submit(t, hi, "p1")

	deferred := newFixture(t, "")
	deferred.allowCancel(t, "bob", "text", 1)
	assert.Equal(t, Deferred, deferred.submit(t, hi, "p1"))
	assert.Equal(t, Deferred, deferred.submit(t, lo, "p2"))
	assert.Equal(t, Stored, deferred.submit(t, m, "p1"))

	assert.Equal(t, direct.status(t, m.Key()), deferred.status(t, m.Key()))
}

func TestSubmit_DeferredIneligibleCancelRejectedOnArrival(t *testing.T) {
	f := newFixture(t, "")
	alice, bob := f.keys.Signer("alice"), f.keys.Signer("bob")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(bob, 3, m.Key())

	assert.Equal(t, Deferred, f.submit(t, c, "p1"), "permission is not checked before the victim arrives")
	assert.Equal(t, Stored, f.submit(t, m, "p1"))
	assert.False(t, f.status(t, m.Key()).Cancelled())

	known, err := f.store.HasRecord(f.ctx, c.Key())
	require.NoError(t, err)
	assert.False(t, known)
}

func TestSubmit_MissingRequestsCoalesce(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m1 := testutil.DataRecord(alice, "text", 10, nil)
	m2 := testutil.DataRecord(alice, "text", 12, nil)

	f.submit(t, testutil.CancelRecord(alice, 20, m1.Key()), "p1")
	f.submit(t, testutil.CancelRecord(alice, 21, m2.Key()), "p1")
	f.submit(t, testutil.CancelRecord(alice, 22, m1.Key()), "p2")

	assert.Equal(t, 2, f.engine.DrainOutbox(f.ctx), "the two requests to p1 coalesce into one")

	byPeer := map[ir.PeerID][]uint64{}
	for _, env := range f.sender.Sent() {
		require.Equal(t, ir.EnvelopeMissingRequest, env.Kind)
		byPeer[env.To] = append(byPeer[env.To], env.Request.GlobalTimes...)
	}
	assert.Equal(t, []uint64{10, 12}, byPeer["p1"])
	assert.Equal(t, []uint64{10}, byPeer["p2"])
}

func TestSubmit_Malformed(t *testing.T) {
	keys := testutil.NewKeyring()
	alice, bob := keys.Signer("alice"), keys.Signer("bob")
	victim := ir.RecordKey{Author: alice.Member(), Type: "text", GlobalTime: 10}

	cancelAs := func(s *packet.Signer, typ ir.RecordType, gt uint64, v ir.RecordKey) ir.Record {
		return ir.Record{Author: s.Member(), Type: typ, GlobalTime: gt, Victim: &v, Wire: []byte("wire")}
	}

	tests := []struct {
		name string
		r    ir.Record
		code MalformedCode
	}{
		{"unsigned", ir.Record{Author: alice.Member(), Type: "text", GlobalTime: 1}, CodeUnsigned},
		{"missing-record type", ir.Record{Author: alice.Member(), Type: ir.TypeMissingRecord, GlobalTime: 1, Wire: []byte("w")}, CodeReservedType},
		{"cancel without victim", ir.Record{Author: alice.Member(), Type: ir.TypeCancelOwn, GlobalTime: 1, Wire: []byte("w")}, CodeIncomplete},
		{"self reference", cancelAs(alice, ir.TypeCancelOwn, 5, ir.RecordKey{Author: alice.Member(), Type: ir.TypeCancelOwn, GlobalTime: 5}), CodeSelfReference},
		{"cancel-own of another member", cancelAs(bob, ir.TypeCancelOwn, 3, victim), CodeTypeMismatch},
		{"cancel-other of own record", cancelAs(alice, ir.TypeCancelOther, 11, victim), CodeTypeMismatch},
		{"victim is a system record", cancelAs(bob, ir.TypeCancelOther, 3, ir.RecordKey{Author: alice.Member(), Type: ir.TypeAuthorize, GlobalTime: 4}), CodeNotCancellable},
		{"victim type not cancellable", cancelAs(bob, ir.TypeCancelOther, 3, ir.RecordKey{Author: alice.Member(), Type: "vote", GlobalTime: 4}), CodeNotCancellable},
		{"victim type undeclared", cancelAs(bob, ir.TypeCancelOther, 3, ir.RecordKey{Author: alice.Member(), Type: "blob", GlobalTime: 4}), CodeUnknownType},
		{"undeclared data type", ir.Record{Author: alice.Member(), Type: "blob", GlobalTime: 1, Wire: []byte("w")}, CodeUnknownType},
		{"grant without grants", ir.Record{Author: alice.Member(), Type: ir.TypeAuthorize, GlobalTime: 1, Wire: []byte("w")}, CodeIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "", WithTypes(fakeTypes{"text": true, "vote": false}))
			_, err := f.engine.Submit(f.ctx, Delivery{Record: tt.r, From: "p1"})
			require.Error(t, err)
			require.True(t, IsMalformed(err))

			var me *MalformedRecordError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, tt.code, me.Code)

			rows, err := f.store.ReadRecords(f.ctx, "", 0)
			require.NoError(t, err)
			assert.Empty(t, rows)
			victims, _ := f.engine.PendingStats()
			assert.Zero(t, victims)
		})
	}
}

func TestSubmit_VictimTypeMismatch(t *testing.T) {
	f := newFixture(t, "")
	alice, bob := f.keys.Signer("alice"), f.keys.Signer("bob")
	m := testutil.DataRecord(alice, "text", 10, nil)
	f.submit(t, m, "p1")

	wrong := ir.RecordKey{Author: alice.Member(), Type: "note", GlobalTime: 10}
	_, err := f.engine.Submit(f.ctx, Delivery{Record: testutil.CancelRecord(bob, 3, wrong), From: "p1"})

	var me *MalformedRecordError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, CodeTypeMismatch, me.Code)
	victims, _ := f.engine.PendingStats()
	assert.Zero(t, victims, "a mismatched cancel is not deferred")
}

func TestSubmit_DeferredCancelDroppedWhenSlotTaken(t *testing.T) {
	keys := testutil.NewKeyring()
	alice, bob, master := keys.Signer("alice"), keys.Signer("bob"), keys.Signer("master")
	earlier := testutil.DataRecord(alice, "text", 5, nil)

	tests := []struct {
		name   string
		victim ir.RecordKey
		setup  []ir.Record
		filler ir.Record
	}{
		{
			name:   "another data type",
			victim: ir.RecordKey{Author: alice.Member(), Type: "text", GlobalTime: 10},
			filler: testutil.DataRecord(alice, "note", 10, nil),
		},
		{
			name:   "a cancel",
			victim: ir.RecordKey{Author: alice.Member(), Type: "text", GlobalTime: 10},
			setup:  []ir.Record{earlier},
			filler: testutil.CancelRecord(alice, 10, earlier.Key()),
		},
		{
			name:   "a grant",
			victim: ir.RecordKey{Author: master.Member(), Type: "text", GlobalTime: 10},
			filler: testutil.GrantRecord(master, ir.TypeAuthorize, 10,
				ir.Grant{Subject: bob.Member(), Type: "text", Permission: ir.PermissionCancel}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			for _, r := range tt.setup {
				require.Equal(t, Stored, f.submit(t, r, "p0"))
			}

			c := testutil.CancelRecord(bob, 3, tt.victim)
			require.Equal(t, Deferred, f.submit(t, c, "p1"))
			f.engine.DrainOutbox(f.ctx)
			pm := peerMember{peer: "p1", member: tt.victim.Author}
			require.True(t, f.engine.tasks.IsActive(pm.taskName()))

			require.Equal(t, Stored, f.submit(t, tt.filler, "p2"))

			victims, cancels := f.engine.PendingStats()
			assert.Zero(t, victims)
			assert.Zero(t, cancels)
			assert.False(t, f.engine.tasks.IsActive(pm.taskName()), "nothing left to request")

			assert.Equal(t, CodeTypeMismatch, f.submitMalformed(t, c, "p1").Code)
			fresh := testutil.CancelRecord(bob, 12, tt.victim)
			assert.Equal(t, CodeTypeMismatch, f.submitMalformed(t, fresh, "p1").Code)

			victims, _ = f.engine.PendingStats()
			assert.Zero(t, victims)
		})
	}
}

func TestSubmit_FailedDeferredCancelStaysQueued(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(alice, 11, m.Key())

	require.Equal(t, Deferred, f.submit(t, c, "p1"))
	f.execSQL(t, `CREATE TRIGGER reject_cancels BEFORE INSERT ON records
		WHEN NEW.family = 'cancel'
		BEGIN SELECT RAISE(ABORT, 'cancels refused'); END`)

	assert.Equal(t, Stored, f.submit(t, m, "p1"))
	assert.False(t, f.status(t, m.Key()).Cancelled())
	victims, cancels := f.engine.PendingStats()
	assert.Equal(t, 1, victims)
	assert.Equal(t, 1, cancels, "the failed cancel is requeued")

	f.execSQL(t, `DROP TRIGGER reject_cancels`)

	assert.Equal(t, Duplicate, f.submit(t, m, "p2"), "redelivery of the victim retries the queue")
	assert.Equal(t, c.Key(), *f.status(t, m.Key()).CancelledBy)
	victims, cancels = f.engine.PendingStats()
	assert.Zero(t, victims)
	assert.Zero(t, cancels)
}

func TestSubmit_FailedDeferredCancelResolvedBeforeLaterCancel(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	first := testutil.CancelRecord(alice, 11, m.Key())
	second := testutil.CancelRecord(alice, 12, m.Key())

	require.Equal(t, Deferred, f.submit(t, first, "p1"))
	f.execSQL(t, `CREATE TRIGGER reject_cancels BEFORE INSERT ON records
		WHEN NEW.family = 'cancel'
		BEGIN SELECT RAISE(ABORT, 'cancels refused'); END`)
	require.Equal(t, Stored, f.submit(t, m, "p1"))
	f.execSQL(t, `DROP TRIGGER reject_cancels`)

	assert.Equal(t, Stored, f.submit(t, second, "p2"))

	cancellers, err := f.engine.Cancellers(f.ctx, m.Key())
	require.NoError(t, err)
	require.Len(t, cancellers, 2)
	assert.Equal(t, first.Key(), cancellers[0].Key(), "the queued cancel keeps its place")
	assert.Equal(t, second.Key(), cancellers[1].Key())

	victims, _ := f.engine.PendingStats()
	assert.Zero(t, victims)
}

func TestSubmit_GrantRequiresGrantor(t *testing.T) {
	f := newFixture(t, "")
	bob, carol := f.keys.Signer("bob"), f.keys.Signer("carol")
	byBob := testutil.GrantRecord(bob, ir.TypeAuthorize, 5,
		ir.Grant{Subject: carol.Member(), Type: "text", Permission: ir.PermissionCancel})

	assert.Equal(t, RejectedIneligible, f.submit(t, byBob, "p1"))
	assert.False(t, f.engine.Ledger().IsPermitted(carol.Member(), "text", ir.PermissionCancel))

	delegate := testutil.GrantRecord(f.keys.Signer("master"), ir.TypeAuthorize, 1,
		ir.Grant{Subject: bob.Member(), Type: "text", Permission: ir.PermissionAuthorize})
	require.Equal(t, Stored, f.submit(t, delegate, "p0"))

	assert.Equal(t, Stored, f.submit(t, byBob, "p1"))
	assert.True(t, f.engine.Ledger().IsPermitted(carol.Member(), "text", ir.PermissionCancel))
	assert.Equal(t, Duplicate, f.submit(t, byBob, "p1"))
}

func TestSubmit_ConcurrentCancelsConverge(t *testing.T) {
	f := newFixture(t, "", WithShards(4))
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	f.allowCancel(t, "bob", "text", 1)
	f.allowCancel(t, "carol", "text", 2)
	f.submit(t, m, "p0")

	var cancels []ir.Record
	for i, name := range []string{"bob", "carol"} {
		s := f.keys.Signer(name)
		for gt := uint64(1); gt <= 8; gt++ {
			cancels = append(cancels, testutil.CancelRecord(s, gt+uint64(i*100), m.Key()))
		}
	}
	highest := cancels[0]
	for _, c := range cancels[1:] {
		highest = packet.Higher(highest, c)
	}

	var wg sync.WaitGroup
	for i, c := range cancels {
		wg.Add(1)
		go func(c ir.Record, from ir.PeerID) {
			defer wg.Done()
			_, err := f.engine.Submit(f.ctx, Delivery{Record: c, From: from})
			assert.NoError(t, err)
		}(c, ir.PeerID([]string{"p1", "p2", "p3"}[i%3]))
	}
	wg.Wait()

	assert.Equal(t, highest.Key(), *f.status(t, m.Key()).CancelledBy)
	stored, err := f.engine.Cancellers(f.ctx, m.Key())
	require.NoError(t, err)
	assert.Len(t, stored, len(cancels))
}

func TestHandleMissingRequest(t *testing.T) {
	f := newFixture(t, "")
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)
	c := testutil.CancelRecord(alice, 11, m.Key())
	f.submit(t, m, "p0")
	f.submit(t, c, "p0")

	n, err := f.engine.HandleMissingRequest(f.ctx, "p9", ir.MissingRequest{
		ID:          "req-1",
		Member:      alice.Member(),
		GlobalTimes: []uint64{10, 11, 99},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.engine.DrainOutbox(f.ctx)
	sent := f.sender.Sent()
	require.Len(t, sent, 2)
	for _, env := range sent {
		assert.Equal(t, ir.PeerID("p9"), env.To)
		assert.Equal(t, ir.ReasonMissingReply, env.Reason)
	}
	assert.Equal(t, m.Wire, sent[0].Record.Wire)
	assert.Equal(t, c.Wire, sent[1].Record.Wire)

	n, err = f.engine.HandleMissingRequest(f.ctx, "p9", ir.MissingRequest{Member: alice.Member()})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatch_SendFailureIsLogged(t *testing.T) {
	f := newFixture(t, "alice", WithPeers("p1", "p2"))
	f.sender.FailWith(errors.New("connection refused"))

	_, err := f.engine.CreateRecord(f.ctx, "text", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, f.engine.DrainOutbox(f.ctx))
	assert.Equal(t, 2, f.sender.Len())
}

func TestRun_DispatchesAndStops(t *testing.T) {
	f := newFixture(t, "alice", WithPeers("p1"))

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(context.Background()) }()

	_, err := f.engine.CreateRecord(f.ctx, "text", ir.IRObject{"text": ir.IRString("hello")})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return f.sender.Len() == 1 }, time.Second, 5*time.Millisecond)

	f.engine.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	_, err = f.engine.CreateRecord(f.ctx, "text", nil)
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestRun_ContextCancel(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRetry_ResendsOutstandingTimes(t *testing.T) {
	f := newFixture(t, "", WithBackoff(tasks.Backoff{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond}))
	alice := f.keys.Signer("alice")
	m := testutil.DataRecord(alice, "text", 10, nil)

	go f.engine.Run(context.Background())

	f.submit(t, testutil.CancelRecord(alice, 11, m.Key()), "p1")
	assert.Eventually(t, func() bool {
		return len(f.sender.Matching(ir.ReasonMissingRetry)) >= 2
	}, time.Second, 5*time.Millisecond)

	for _, env := range f.sender.Matching(ir.ReasonMissingRetry) {
		assert.Equal(t, []uint64{10}, env.Request.GlobalTimes)
	}

	f.submit(t, m, "p1")
	pm := peerMember{peer: "p1", member: alice.Member()}
	assert.Eventually(t, func() bool {
		return !f.engine.tasks.IsActive(pm.taskName())
	}, time.Second, 5*time.Millisecond)
}
