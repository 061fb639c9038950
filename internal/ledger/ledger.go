package ledger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/store"
)

// Ledger is the processed permission state, cached in memory and persisted
// to the store's grants table.
//
// Thread-safety: queries take a read lock; ProcessGrant serializes on the
// write lock, including its store writes.
type Ledger struct {
	mu      sync.RWMutex
	store   *store.Store
	masters map[ir.MemberID]struct{}
	grants  map[ir.Grant]ir.PermissionGrant
	seq     int64
}

// New loads the persisted grant state from st.
func New(ctx context.Context, st *store.Store, masters []ir.MemberID) (*Ledger, error) {
	l := &Ledger{
		store:   st,
		masters: make(map[ir.MemberID]struct{}, len(masters)),
		grants:  make(map[ir.Grant]ir.PermissionGrant),
	}
	for _, m := range masters {
		l.masters[m] = struct{}{}
	}

	persisted, err := st.ReadGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	for _, g := range persisted {
		l.grants[g.Grant] = g
		if g.Seq > l.seq {
			l.seq = g.Seq
		}
	}
	return l, nil
}

// IsMaster reports whether m is a community master.
func (l *Ledger) IsMaster(m ir.MemberID) bool {
	_, ok := l.masters[m]
	return ok
}

// IsPermitted reports whether subject currently holds perm for typ.
func (l *Ledger) IsPermitted(subject ir.MemberID, typ ir.RecordType, perm ir.Permission) bool {
	if l.IsMaster(subject) {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.grants[ir.Grant{Subject: subject, Type: typ, Permission: perm}]
	return ok && g.Granted()
}

// MayCancel applies the cancellation policy: members may always cancel their
// own records; cancelling another member's record needs "cancel" on the
// victim's type.
func (l *Ledger) MayCancel(canceller ir.MemberID, victim ir.RecordKey) bool {
	if canceller == victim.Author {
		return true
	}
	return l.IsPermitted(canceller, victim.Type, ir.PermissionCancel)
}

// MayGrant reports whether the author of an authorize or revoke record may
// issue it: masters always may; anyone else needs "authorize" (or "revoke")
// for every type the record governs.
func (l *Ledger) MayGrant(r ir.Record) bool {
	need := ir.PermissionAuthorize
	if r.Type == ir.TypeRevoke {
		need = ir.PermissionRevoke
	}
	for _, g := range r.Grants {
		if !l.IsPermitted(r.Author, g.Type, need) {
			return false
		}
	}
	return true
}

// ProcessGrant stores an authorize or revoke record and applies it: every
// tuple it carries is overwritten with the new state. The record and the
// tuple states are written in one transaction, and the cache only changes
// once it commits. applied is false when the record was already stored.
// Revoking a tuple that was never granted simply leaves it revoked. Settled
// cancellations are never revisited.
func (l *Ledger) ProcessGrant(ctx context.Context, r ir.Record) (applied bool, err error) {
	var state ir.GrantState
	switch r.Type {
	case ir.TypeAuthorize:
		state = ir.GrantGranted
	case ir.TypeRevoke:
		state = ir.GrantRevoked
	default:
		return false, fmt.Errorf("process grant %s: not an authorize or revoke record", r.Key())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pgs := make([]ir.PermissionGrant, len(r.Grants))
	for i, g := range r.Grants {
		pgs[i] = ir.PermissionGrant{
			Grant:   g,
			State:   state,
			Grantor: r.Author,
			Source:  r.Key(),
			Seq:     l.seq + int64(i) + 1,
		}
	}
	inserted, err := l.store.InsertGrantRecord(ctx, r, pgs)
	if err != nil {
		return false, fmt.Errorf("process grant %s: %w", r.Key(), err)
	}
	if !inserted {
		return false, nil
	}

	for _, pg := range pgs {
		l.grants[pg.Grant] = pg
		l.seq = pg.Seq
		slog.Debug("grant processed",
			"subject", pg.Grant.Subject.Short(),
			"type", pg.Grant.Type,
			"permission", pg.Grant.Permission,
			"state", state,
			"source", r.Key().String(),
		)
	}
	return true, nil
}

// Grants returns a snapshot of all processed tuples in processing order.
func (l *Ledger) Grants() []ir.PermissionGrant {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ir.PermissionGrant, 0, len(l.grants))
	for _, g := range l.grants {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b ir.PermissionGrant) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}
