package engine

import (
	"context"
	"fmt"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
)

// CreateRecord signs a new data record of typ, stores it and broadcasts it
// to the configured peers.
func (e *Engine) CreateRecord(ctx context.Context, typ ir.RecordType, payload ir.IRObject) (ir.Record, error) {
	if err := e.canCreate(); err != nil {
		return ir.Record{}, err
	}
	if typ.IsSystem() {
		return ir.Record{}, malformed(CodeReservedType, ir.RecordKey{}, "%q is a system type", typ)
	}
	if e.types != nil && !e.types.Declared(typ) {
		return ir.Record{}, malformed(CodeUnknownType, ir.RecordKey{}, "type %q is not declared", typ)
	}

	r, err := e.sign(ir.Record{
		Author:     e.signer.Member(),
		Type:       typ,
		GlobalTime: e.clock.Next(),
		Payload:    payload,
	})
	if err != nil {
		return ir.Record{}, err
	}
	if _, err := e.submitData(ctx, r); err != nil {
		return ir.Record{}, err
	}
	e.broadcast(r)
	return r, nil
}

// CreateAuthorize grants the given tuples.
func (e *Engine) CreateAuthorize(ctx context.Context, grants []ir.Grant) (ir.Record, error) {
	return e.createGrant(ctx, ir.TypeAuthorize, grants)
}

// CreateRevoke revokes the given tuples.
func (e *Engine) CreateRevoke(ctx context.Context, grants []ir.Grant) (ir.Record, error) {
	return e.createGrant(ctx, ir.TypeRevoke, grants)
}

func (e *Engine) createGrant(ctx context.Context, typ ir.RecordType, grants []ir.Grant) (ir.Record, error) {
	if err := e.canCreate(); err != nil {
		return ir.Record{}, err
	}
	if len(grants) == 0 {
		return ir.Record{}, malformed(CodeIncomplete, ir.RecordKey{}, "%s without grants", typ)
	}

	need := ir.PermissionAuthorize
	if typ == ir.TypeRevoke {
		need = ir.PermissionRevoke
	}
	me := e.signer.Member()
	for _, g := range grants {
		if !e.ledger.IsPermitted(me, g.Type, need) {
			return ir.Record{}, &PermissionDeniedError{Member: me, Type: g.Type, Permission: need}
		}
	}

	r, err := e.sign(ir.Record{
		Author:     me,
		Type:       typ,
		GlobalTime: e.clock.Next(),
		Grants:     append([]ir.Grant(nil), grants...),
	})
	if err != nil {
		return ir.Record{}, err
	}
	outcome, err := e.submitGrant(ctx, r)
	if err != nil {
		return ir.Record{}, err
	}
	if outcome == RejectedIneligible {
		return ir.Record{}, &PermissionDeniedError{Member: me, Type: grants[0].Type, Permission: need}
	}
	e.broadcast(r)
	return r, nil
}

// CreateSelfCancellation cancels one of the local member's own records.
//
// A record that is already cancelled is not cancelled again: the active
// canceller is returned together with an *AlreadyCancelledError, and
// nothing is created or sent.
func (e *Engine) CreateSelfCancellation(ctx context.Context, victim ir.RecordKey) (ir.Record, error) {
	if err := e.canCreate(); err != nil {
		return ir.Record{}, err
	}
	if victim.Author != e.signer.Member() {
		return ir.Record{}, fmt.Errorf("cancel %s: %w", victim, ErrNotOwnRecord)
	}
	if err := e.checkCancellable(ir.RecordKey{}, victim); err != nil {
		return ir.Record{}, err
	}

	unlock := e.stripes.lock(victim)
	defer unlock()

	if err := e.requireVictim(ctx, victim); err != nil {
		return ir.Record{}, err
	}

	status, err := e.store.CancellationStatus(ctx, victim)
	if err != nil {
		return ir.Record{}, fmt.Errorf("cancel %s: %w", victim, err)
	}
	if status.Cancelled() {
		existing, err := e.store.LookupRecord(ctx, *status.CancelledBy)
		if err != nil {
			return ir.Record{}, fmt.Errorf("cancel %s: %w", victim, err)
		}
		return existing, &AlreadyCancelledError{Victim: victim, Existing: existing}
	}

	return e.createCancel(ctx, ir.TypeCancelOwn, victim)
}

// CreateOtherCancellation cancels another member's record. The permission
// check here only saves a round trip: every receiving replica checks again.
func (e *Engine) CreateOtherCancellation(ctx context.Context, victim ir.RecordKey) (ir.Record, error) {
	if err := e.canCreate(); err != nil {
		return ir.Record{}, err
	}
	me := e.signer.Member()
	if victim.Author == me {
		return ir.Record{}, malformed(CodeTypeMismatch, ir.RecordKey{}, "%s is the member's own record", victim)
	}
	if err := e.checkCancellable(ir.RecordKey{}, victim); err != nil {
		return ir.Record{}, err
	}
	if !e.ledger.IsPermitted(me, victim.Type, ir.PermissionCancel) {
		return ir.Record{}, &PermissionDeniedError{Member: me, Type: victim.Type, Permission: ir.PermissionCancel}
	}

	unlock := e.stripes.lock(victim)
	defer unlock()

	if err := e.requireVictim(ctx, victim); err != nil {
		return ir.Record{}, err
	}
	return e.createCancel(ctx, ir.TypeCancelOther, victim)
}

// createCancel signs, resolves and broadcasts a cancel of victim. The caller
// holds the victim's stripe.
func (e *Engine) createCancel(ctx context.Context, typ ir.RecordType, victim ir.RecordKey) (ir.Record, error) {
	v := victim
	c, err := e.sign(ir.Record{
		Author:     e.signer.Member(),
		Type:       typ,
		GlobalTime: e.clock.Next(),
		Victim:     &v,
	})
	if err != nil {
		return ir.Record{}, err
	}

	outcome, err := e.resolveCancel(ctx, c, "")
	if err != nil {
		return ir.Record{}, err
	}
	if outcome == RejectedIneligible {
		return ir.Record{}, &PermissionDeniedError{Member: c.Author, Type: victim.Type, Permission: ir.PermissionCancel}
	}
	e.broadcast(c)
	return c, nil
}

func (e *Engine) requireVictim(ctx context.Context, victim ir.RecordKey) error {
	ok, err := e.store.HasRecord(ctx, victim)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", victim, err)
	}
	if !ok {
		return fmt.Errorf("cancel %s: %w", victim, ErrVictimNotFound)
	}
	return nil
}

func (e *Engine) canCreate() error {
	if e.signer == nil {
		return ErrNoSigner
	}
	if e.outbox.Closed() {
		return ErrEngineStopped
	}
	return nil
}

func (e *Engine) sign(r ir.Record) (ir.Record, error) {
	signed, err := packet.Encode(r, e.signer)
	if err != nil {
		return ir.Record{}, fmt.Errorf("sign %s: %w", r.Key(), err)
	}
	return signed, nil
}
