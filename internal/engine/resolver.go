package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
	"github.com/roach88/retract/internal/store"
)

// Outcome is the result of submitting one record.
type Outcome int

const (
	// Stored means the record was new and has been stored. A losing
	// cancellation is stored too.
	Stored Outcome = iota + 1

	// Duplicate means a record with the same identity was already known.
	Duplicate

	// Deferred means the record is a cancellation whose victim has not
	// arrived; it waits in the pending queue.
	Deferred

	// RejectedIneligible means the author lacked the permission the record
	// needs. The record is not stored.
	RejectedIneligible
)

// String returns the outcome name used in logs and traces.
func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	case RejectedIneligible:
		return "rejected_ineligible"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is one verified inbound record. From names the peer it came
// from, or is empty for records created on this replica.
type Delivery struct {
	Record ir.Record
	From   ir.PeerID
}

// Submit is the single entry point for inbound records. The record must
// already be signature-checked (packet.Decode does this).
//
// Malformed records return a *MalformedRecordError and change nothing.
func (e *Engine) Submit(ctx context.Context, d Delivery) (Outcome, error) {
	r := d.Record
	if err := e.validate(r); err != nil {
		slog.Warn("malformed record dropped",
			"record", r.Key().String(),
			"from", d.From,
			"error", err,
		)
		return 0, err
	}

	var (
		outcome Outcome
		err     error
	)
	switch {
	case r.Type.IsCancel():
		outcome, err = e.submitCancel(ctx, r, d.From)
	case r.Type.IsGrant():
		outcome, err = e.submitGrant(ctx, r)
	default:
		outcome, err = e.submitData(ctx, r)
	}
	if err != nil {
		return 0, err
	}

	slog.Debug("record submitted",
		"record", r.Key().String(),
		"from", d.From,
		"outcome", outcome,
	)
	return outcome, nil
}

// validate rejects records that can never become valid, whatever arrives
// later, and records stamped too far past the local clock.
func (e *Engine) validate(r ir.Record) error {
	key := r.Key()
	if len(r.Wire) == 0 {
		return malformed(CodeUnsigned, key, "record has no wire bytes")
	}
	if cur := e.clock.Current(); r.GlobalTime > cur && r.GlobalTime-cur > e.maxAhead {
		return malformed(CodeTimeAhead, key, "global time %d is more than %d past the clock at %d",
			r.GlobalTime, e.maxAhead, cur)
	}

	switch {
	case r.Type == ir.TypeMissingRecord || r.Type == ir.FamilyCancel:
		return malformed(CodeReservedType, key, "%q records are never stored", r.Type)

	case r.Type.IsCancel():
		if r.Victim == nil {
			return malformed(CodeIncomplete, key, "cancel without a victim")
		}
		victim := *r.Victim
		if victim.SameIdentity(key) {
			return malformed(CodeSelfReference, key, "cancel names itself as victim")
		}
		if r.Type == ir.TypeCancelOwn && victim.Author != r.Author {
			return malformed(CodeTypeMismatch, key, "%s for a record of %s", r.Type, victim.Author.Short())
		}
		if r.Type == ir.TypeCancelOther && victim.Author == r.Author {
			return malformed(CodeTypeMismatch, key, "%s for the author's own record", r.Type)
		}
		return e.checkCancellable(key, victim)

	case r.Type.IsGrant():
		if len(r.Grants) == 0 {
			return malformed(CodeIncomplete, key, "%s without grants", r.Type)
		}

	default:
		if e.types != nil && !e.types.Declared(r.Type) {
			return malformed(CodeUnknownType, key, "type %q is not declared", r.Type)
		}
	}
	return nil
}

// checkCancellable rejects victims of system types and of types the
// community marks as not cancellable.
func (e *Engine) checkCancellable(key, victim ir.RecordKey) error {
	if victim.Type.IsSystem() {
		return malformed(CodeNotCancellable, key, "%q records cannot be cancelled", victim.Type)
	}
	if e.types == nil {
		return nil
	}
	if !e.types.Declared(victim.Type) {
		return malformed(CodeUnknownType, key, "victim type %q is not declared", victim.Type)
	}
	if !e.types.Cancellable(victim.Type) {
		return malformed(CodeNotCancellable, key, "%q records cannot be cancelled", victim.Type)
	}
	return nil
}

// submitData stores a data record and resolves every cancellation that was
// waiting for it, in arrival order.
func (e *Engine) submitData(ctx context.Context, r ir.Record) (Outcome, error) {
	key := r.Key()
	unlock := e.stripes.lock(key)
	defer unlock()

	inserted, err := e.store.InsertRecord(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", key, err)
	}
	if !inserted {
		e.checkDivergence(ctx, r)
		e.resolveQueued(ctx, key)
		return Duplicate, nil
	}
	e.clock.Observe(r.GlobalTime)
	slog.Debug("record stored", "record", key.String(), "cid", r.CID())

	e.dropMismatched(key)
	e.resolveQueued(ctx, key)
	return Stored, nil
}

// resolveQueued resolves every cancellation waiting for the stored victim,
// in arrival order. A cancel that fails stays queued, with everything
// behind it, for the next delivery of the victim or of another cancel of
// it. The caller holds the victim's stripe.
func (e *Engine) resolveQueued(ctx context.Context, victim ir.RecordKey) {
	entries, drained := e.pending.popVictim(victim)
	for _, pm := range drained {
		e.tasks.Cancel(pm.taskName())
	}
	for i, pe := range entries {
		outcome, err := e.resolveCancel(ctx, pe.cancel, pe.from)
		if err != nil {
			slog.Error("deferred cancel failed",
				"cancel", pe.cancel.Key().String(),
				"victim", victim.String(),
				"requeued", len(entries)-i,
				"error", err,
			)
			e.pending.requeue(victim, entries[i:])
			return
		}
		slog.Info("deferred cancel resolved",
			"cancel", pe.cancel.Key().String(),
			"victim", victim.String(),
			"outcome", outcome,
		)
	}
}

// dropMismatched discards cancellations queued for a victim at stored's
// author and global time under another identity. The slot is taken, so
// their victim reference is wrong.
func (e *Engine) dropMismatched(stored ir.RecordKey) {
	entries, drained := e.pending.dropSlot(stored)
	for _, pm := range drained {
		e.tasks.Cancel(pm.taskName())
	}
	for _, pe := range entries {
		err := malformed(CodeTypeMismatch, pe.cancel.Key(), "victim %s is taken by %s", *pe.cancel.Victim, stored)
		slog.Warn("deferred cancel dropped", "record", pe.cancel.Key().String(), "from", pe.from, "error", err)
	}
}

// submitCancel resolves a cancellation, or defers it until its victim
// arrives.
func (e *Engine) submitCancel(ctx context.Context, c ir.Record, from ir.PeerID) (Outcome, error) {
	victim := *c.Victim
	unlock := e.stripes.lock(victim)
	defer unlock()

	known, err := e.store.HasRecord(ctx, c.Key())
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", c.Key(), err)
	}
	if known {
		return Duplicate, nil
	}

	present, err := e.store.HasRecord(ctx, victim)
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", c.Key(), err)
	}
	if present {
		e.resolveQueued(ctx, victim)
		return e.resolveCancel(ctx, c, from)
	}

	if taken, ok, err := e.slotTaken(ctx, victim); err != nil {
		return 0, fmt.Errorf("submit %s: %w", c.Key(), err)
	} else if ok {
		return 0, e.mismatched(c, from, taken)
	}

	added, newlyOutstanding := e.pending.enqueue(victim, pendingEntry{cancel: c, from: from})
	if !added {
		return Duplicate, nil
	}

	// A record filling the slot may have been stored under another stripe
	// between the check and the enqueue.
	if taken, ok, err := e.slotTaken(ctx, victim); err != nil {
		return 0, fmt.Errorf("submit %s: %w", c.Key(), err)
	} else if ok {
		e.dropMismatched(taken)
		return 0, e.mismatched(c, from, taken)
	}

	if newlyOutstanding {
		// GlobalTimes is filled in at dispatch so that one request covers
		// every time queued for this peer and member by then.
		e.enqueue(ir.Envelope{
			To:      from,
			Kind:    ir.EnvelopeMissingRequest,
			Request: &ir.MissingRequest{Member: victim.Author},
			Reason:  ir.ReasonMissing,
		})
	}
	slog.Info("cancel deferred",
		"cancel", c.Key().String(),
		"victim", victim.String(),
		"from", from,
	)
	return Deferred, nil
}

// slotTaken returns the record stored at victim's author and global time
// under another identity, if any. Global times are unique per author, so
// such a record means victim will never arrive.
func (e *Engine) slotTaken(ctx context.Context, victim ir.RecordKey) (ir.RecordKey, bool, error) {
	stored, err := e.store.ReadRecordsAt(ctx, victim.Author, []uint64{victim.GlobalTime})
	if err != nil {
		return ir.RecordKey{}, false, err
	}
	for _, r := range stored {
		if !r.Key().SameIdentity(victim) {
			return r.Key(), true, nil
		}
	}
	return ir.RecordKey{}, false, nil
}

func (e *Engine) mismatched(c ir.Record, from ir.PeerID, taken ir.RecordKey) error {
	err := malformed(CodeTypeMismatch, c.Key(), "victim %s is taken by %s", *c.Victim, taken)
	slog.Warn("malformed record dropped", "record", c.Key().String(), "from", from, "error", err)
	return err
}

// resolveCancel runs eligibility and conflict resolution for a cancel whose
// victim is stored. The caller holds the victim's stripe.
func (e *Engine) resolveCancel(ctx context.Context, c ir.Record, from ir.PeerID) (Outcome, error) {
	key := c.Key()
	victim := *c.Victim

	if !e.ledger.MayCancel(c.Author, victim) {
		slog.Warn("ineligible cancel rejected",
			"cancel", key.String(),
			"victim", victim.String(),
			"author", c.Author.Short(),
			"from", from,
		)
		return RejectedIneligible, nil
	}

	inserted, err := e.store.InsertRecord(ctx, c)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", key, err)
	}
	if !inserted {
		return Duplicate, nil
	}
	e.clock.Observe(c.GlobalTime)
	e.dropMismatched(key)

	status, err := e.store.CancellationStatus(ctx, victim)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", key, err)
	}

	if !status.Cancelled() {
		if err := e.setCanceller(ctx, victim, key, nil); err != nil {
			return 0, err
		}
		e.origins.swap(victim, from)
		slog.Info("record cancelled", "victim", victim.String(), "by", key.String())
		return Stored, nil
	}

	current, err := e.store.LookupRecord(ctx, *status.CancelledBy)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: active canceller: %w", key, err)
	}

	if packet.Wins(c.Wire, current.Wire) {
		if err := e.setCanceller(ctx, victim, key, status.CancelledBy); err != nil {
			return 0, err
		}
		// The peer that delivered the displaced cancel holds a loser.
		if prev := e.origins.swap(victim, from); prev != "" && prev != from {
			winner := c
			e.enqueue(ir.Envelope{
				To:     prev,
				Kind:   ir.EnvelopeRecord,
				Record: &winner,
				Reason: ir.ReasonCorrective,
			})
		}
		slog.Info("canceller replaced",
			"victim", victim.String(),
			"by", key.String(),
			"previous", current.Key().String(),
		)
		return Stored, nil
	}

	// The sender evidently lacks the winner: send it back.
	if from != "" {
		winner := current
		e.enqueue(ir.Envelope{
			To:     from,
			Kind:   ir.EnvelopeRecord,
			Record: &winner,
			Reason: ir.ReasonCorrective,
		})
	}
	slog.Info("losing cancel retained",
		"victim", victim.String(),
		"cancel", key.String(),
		"winner", current.Key().String(),
		"from", from,
	)
	return Stored, nil
}

func (e *Engine) setCanceller(ctx context.Context, victim, by ir.RecordKey, expected *ir.RecordKey) error {
	swapped, err := e.store.SetCancellation(ctx, victim, by, expected)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", by, err)
	}
	if !swapped {
		return fmt.Errorf("resolve %s: cancellation of %s changed outside its stripe", by, victim)
	}
	return nil
}

// submitGrant applies an authorize or revoke record to the ledger.
func (e *Engine) submitGrant(ctx context.Context, r ir.Record) (Outcome, error) {
	key := r.Key()
	unlock := e.stripes.lock(key)
	defer unlock()

	known, err := e.store.HasRecord(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", key, err)
	}
	if known {
		e.checkDivergence(ctx, r)
		return Duplicate, nil
	}

	if !e.ledger.MayGrant(r) {
		slog.Warn("ineligible grant rejected", "record", key.String(), "author", r.Author.Short())
		return RejectedIneligible, nil
	}

	applied, err := e.ledger.ProcessGrant(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", key, err)
	}
	if !applied {
		return Duplicate, nil
	}
	e.clock.Observe(r.GlobalTime)
	e.dropMismatched(key)
	return Stored, nil
}

// checkDivergence logs when a duplicate identity arrives with bytes other
// than the stored ones. The first stored copy stays.
func (e *Engine) checkDivergence(ctx context.Context, r ir.Record) {
	stored, err := e.store.LookupRecord(ctx, r.Key())
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("duplicate check failed", "record", r.Key().String(), "error", err)
		return
	}
	if !bytes.Equal(stored.Wire, r.Wire) {
		slog.Warn("conflicting record for stored identity",
			"record", r.Key().String(),
			"stored_cid", stored.CID(),
			"received_cid", r.CID(),
		)
	}
}
