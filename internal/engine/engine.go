package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/ledger"
	"github.com/roach88/retract/internal/packet"
	"github.com/roach88/retract/internal/store"
	"github.com/roach88/retract/internal/tasks"
)

// Sender hands an envelope to the network. Implementations may retry
// internally; a returned error is logged by the dispatcher and dropped.
type Sender interface {
	Send(ctx context.Context, env ir.Envelope) error
}

// TypeRegistry answers which data types a community declares and whether
// records of a type may be cancelled. A nil registry accepts every data type
// and treats all of them as cancellable.
type TypeRegistry interface {
	Declared(t ir.RecordType) bool
	Cancellable(t ir.RecordType) bool
}

// Engine is the cancellation subsystem of one replica.
//
// Thread-safety model:
//   - Submit, HandleMissingRequest and the Create* methods are safe from any
//     goroutine. Work on one victim identity is serialized on its stripe.
//   - Run (or DrainOutbox) is the only caller of the Sender. Nothing calls
//     the Sender while holding a stripe.
//
// INVARIANTS:
//   - A victim has at most one active canceller, the eligible cancel with
//     the greatest wire bytes seen so far.
//   - A settled cancellation is only ever replaced by a higher cancel; grant
//     processing never touches cancellation state.
type Engine struct {
	store   *store.Store
	ledger  *ledger.Ledger
	sender  Sender
	signer  *packet.Signer
	types   TypeRegistry
	clock   *Clock
	ids     IDGenerator
	stripes *stripes
	pending *pendingQueue
	origins *origins
	outbox  *outbox
	tasks   *tasks.Manager
	backoff tasks.Backoff
	peers   []ir.PeerID

	shards   int
	maxAhead uint64
}

// DefaultMaxTimeAhead is how far past the local clock a received record's
// global time may be.
const DefaultMaxTimeAhead uint64 = 1 << 32

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithSigner sets the local member key. Without one the engine only
// replicates and cannot create records.
func WithSigner(s *packet.Signer) EngineOption {
	return func(e *Engine) {
		e.signer = s
	}
}

// WithTypes sets the community type registry.
func WithTypes(r TypeRegistry) EngineOption {
	return func(e *Engine) {
		e.types = r
	}
}

// WithPeers sets the peers that locally created records are broadcast to.
func WithPeers(peers ...ir.PeerID) EngineOption {
	return func(e *Engine) {
		e.peers = append([]ir.PeerID(nil), peers...)
	}
}

// WithBackoff sets the retry policy for missing-record requests.
func WithBackoff(b tasks.Backoff) EngineOption {
	return func(e *Engine) {
		e.backoff = b
	}
}

// WithIDGenerator sets the generator of envelope ids.
// Default: UUIDv7Generator. Use a SequenceGenerator for golden traces.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithShards sets the number of victim stripes.
func WithShards(n int) EngineOption {
	return func(e *Engine) {
		e.shards = n
	}
}

// WithMaxTimeAhead bounds how far past the local clock a received record's
// global time may be. Records beyond it are malformed.
func WithMaxTimeAhead(n uint64) EngineOption {
	return func(e *Engine) {
		e.maxAhead = n
	}
}

// WithClock sets the logical clock. By default the clock resumes from the
// greatest global time in the store.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates an Engine over st and led. Retry tasks live until Stop or
// until ctx is cancelled.
func New(ctx context.Context, st *store.Store, led *ledger.Ledger, sender Sender, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:   st,
		ledger:  led,
		sender:  sender,
		ids:     UUIDv7Generator{},
		backoff: tasks.DefaultBackoff,
		shards:  DefaultShards,

		maxAhead: DefaultMaxTimeAhead,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.clock == nil {
		highest, err := st.MaxGlobalTime(ctx)
		if err != nil {
			return nil, fmt.Errorf("restore clock: %w", err)
		}
		e.clock = NewClockAt(highest)
	}

	e.stripes = newStripes(e.shards)
	e.pending = newPendingQueue()
	e.origins = newOrigins()
	e.outbox = newOutbox()
	e.tasks = tasks.NewManager(ctx)
	return e, nil
}

// Member returns the local member id, or "" for a read-only engine.
func (e *Engine) Member() ir.MemberID {
	if e.signer == nil {
		return ""
	}
	return e.signer.Member()
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Ledger returns the permission ledger the engine consults.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Run dispatches queued envelopes to the Sender until ctx is cancelled or
// Stop is called.
//
// Run must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "member", e.Member().Short(), "peers", len(e.peers))

	for {
		env, ok := e.outbox.TryDequeue()
		if ok {
			e.dispatch(ctx, env)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.Stop()
			return ctx.Err()

		case <-e.outbox.Wait():
			// The signal channel is closed by Stop.
			if e.outbox.Len() == 0 && e.outbox.Closed() {
				slog.Info("engine stopping: outbox closed")
				return nil
			}
		}
	}
}

// Stop cancels every retry task and closes the outbox, which makes Run
// return once the outbox is empty.
func (e *Engine) Stop() {
	e.tasks.CancelAll()
	e.outbox.Close()
}

// DrainOutbox dispatches every queued envelope on the calling goroutine and
// returns how many were handed to the Sender. It is an alternative to Run
// for tests and the conformance harness.
func (e *Engine) DrainOutbox(ctx context.Context) int {
	sent := 0
	for {
		env, ok := e.outbox.TryDequeue()
		if !ok {
			return sent
		}
		if e.dispatch(ctx, env) {
			sent++
		}
	}
}

// PendingStats returns how many victims are awaited and how many cancels
// wait on them.
func (e *Engine) PendingStats() (victims, cancels int) {
	return e.pending.stats()
}

// enqueue adds env to the outbox, logging envelopes lost to shutdown.
func (e *Engine) enqueue(env ir.Envelope) {
	if !e.outbox.Enqueue(env) {
		slog.Debug("outbox closed, envelope dropped", "to", env.To, "kind", env.Kind, "reason", env.Reason)
	}
}

// broadcast queues r for every configured peer.
func (e *Engine) broadcast(r ir.Record) {
	for _, p := range e.peers {
		rec := r
		e.enqueue(ir.Envelope{To: p, Kind: ir.EnvelopeRecord, Record: &rec, Reason: ir.ReasonBroadcast})
	}
}

// dispatch hands one envelope to the Sender. It reports false for
// envelopes that turned out to have nothing left to send.
func (e *Engine) dispatch(ctx context.Context, env ir.Envelope) bool {
	if env.Kind == ir.EnvelopeMissingRequest && env.Request != nil && env.Request.GlobalTimes == nil {
		// Coalesce: one request carries every time outstanding for this
		// batch that no earlier request carried.
		pm := peerMember{peer: env.To, member: env.Request.Member}
		times := e.pending.takeUnrequested(pm)
		if len(times) == 0 {
			return false
		}
		req := *env.Request
		req.GlobalTimes = times
		env.Request = &req
		e.scheduleRetry(pm)
	}

	if env.ID == "" {
		env.ID = e.ids.Generate()
	}
	if env.Request != nil && env.Request.ID == "" {
		req := *env.Request
		req.ID = env.ID
		env.Request = &req
	}

	if err := e.sender.Send(ctx, env); err != nil {
		slog.Warn("send failed",
			"id", env.ID,
			"to", env.To,
			"kind", env.Kind,
			"reason", env.Reason,
			"error", err,
		)
		return true
	}
	slog.Debug("envelope sent", "id", env.ID, "to", env.To, "kind", env.Kind, "reason", env.Reason)
	return true
}

// scheduleRetry starts the retry task of pm unless one is already running.
func (e *Engine) scheduleRetry(pm peerMember) {
	err := e.tasks.Register(pm.taskName(), func(ctx context.Context) {
		err := tasks.Retry(ctx, e.backoff, func(ctx context.Context) bool {
			times := e.pending.outstandingTimes(pm)
			if len(times) == 0 {
				return true
			}
			e.enqueue(ir.Envelope{
				To:      pm.peer,
				Kind:    ir.EnvelopeMissingRequest,
				Request: &ir.MissingRequest{Member: pm.member, GlobalTimes: times},
				Reason:  ir.ReasonMissingRetry,
			})
			return false
		})
		if errors.Is(err, tasks.ErrBudgetExhausted) {
			slog.Warn("missing-record retries exhausted",
				"peer", pm.peer,
				"member", pm.member.Short(),
				"outstanding", len(e.pending.outstandingTimes(pm)),
			)
		}
	})
	if err != nil && !errors.Is(err, tasks.ErrTaskActive) && !errors.Is(err, tasks.ErrClosed) {
		slog.Warn("schedule retry failed", "peer", pm.peer, "member", pm.member.Short(), "error", err)
	}
}
