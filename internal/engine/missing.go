package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/retract/internal/ir"
)

// HandleMissingRequest answers a missing-record request from peer with every
// locally stored record of req.Member at the requested global times. It
// returns how many records were queued.
func (e *Engine) HandleMissingRequest(ctx context.Context, from ir.PeerID, req ir.MissingRequest) (int, error) {
	if len(req.GlobalTimes) == 0 {
		return 0, nil
	}

	found, err := e.store.ReadRecordsAt(ctx, req.Member, req.GlobalTimes)
	if err != nil {
		return 0, fmt.Errorf("missing request %s: %w", req.ID, err)
	}
	for _, r := range found {
		rec := r
		e.enqueue(ir.Envelope{
			To:     from,
			Kind:   ir.EnvelopeRecord,
			Record: &rec,
			Reason: ir.ReasonMissingReply,
		})
	}

	slog.Debug("missing request served",
		"id", req.ID,
		"from", from,
		"member", req.Member.Short(),
		"requested", len(req.GlobalTimes),
		"found", len(found),
	)
	return len(found), nil
}
