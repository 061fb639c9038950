package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/store"
)

// GetCancellationStatus returns the cancellation status of a stored record.
// Returns ErrVictimNotFound if the record is not stored on this replica.
func (e *Engine) GetCancellationStatus(ctx context.Context, victim ir.RecordKey) (ir.CancellationStatus, error) {
	status, err := e.store.CancellationStatus(ctx, victim)
	if errors.Is(err, store.ErrNotFound) {
		return ir.CancellationStatus{}, fmt.Errorf("status of %s: %w", victim, ErrVictimNotFound)
	}
	return status, err
}

// Lookup returns a stored record with its cancellation status.
func (e *Engine) Lookup(ctx context.Context, key ir.RecordKey) (ir.StoredRecord, error) {
	sr, err := e.store.LookupStored(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return ir.StoredRecord{}, fmt.Errorf("lookup %s: %w", key, ErrVictimNotFound)
	}
	return sr, err
}

// Cancellers returns every stored cancel of victim, the active one and
// retained losers, in arrival order.
func (e *Engine) Cancellers(ctx context.Context, victim ir.RecordKey) ([]ir.Record, error) {
	return e.store.ReadCancellers(ctx, victim)
}
