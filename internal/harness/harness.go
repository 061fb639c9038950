package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/retract/internal/community"
	"github.com/roach88/retract/internal/engine"
	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/ledger"
	"github.com/roach88/retract/internal/packet"
	"github.com/roach88/retract/internal/store"
	"github.com/roach88/retract/internal/tasks"
	"github.com/roach88/retract/internal/testutil"
)

// maxFlushRounds bounds a flush; a network still busy after this many
// rounds is reported as not converging.
const maxFlushRounds = 64

// replica is one node of the simulated network.
type replica struct {
	name   string
	store  *store.Store
	sender *testutil.CaptureSender
	engine *engine.Engine
}

// Harness runs one scenario over an in-process network of replicas. The
// network is a set of capturing senders drained in node order, so runs
// are deterministic.
type Harness struct {
	ctx      context.Context
	scenario *Scenario
	keys     *testutil.Keyring
	nodes    []*replica
	byName   map[string]*replica
	records  map[string]ir.Record
	labels   map[ir.RecordKey]string
	result   *Result
}

// Run executes a scenario and returns the result.
//
// Each replica runs on its own in-memory database. Member keys are derived
// from member names and envelope ids come from per-node sequences, so the
// trace of a scenario is identical across runs.
func Run(scenario *Scenario) (*Result, error) {
	h := &Harness{
		ctx:      context.Background(),
		scenario: scenario,
		keys:     testutil.NewKeyring(),
		byName:   make(map[string]*replica),
		records:  make(map[string]ir.Record),
		labels:   make(map[ir.RecordKey]string),
		result:   NewResult(),
	}
	defer h.close()

	if err := h.setup(); err != nil {
		return nil, fmt.Errorf("failed to set up replicas: %w", err)
	}
	for i, step := range scenario.Steps {
		if err := h.runStep(step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for _, msg := range h.evaluate(scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) setup() error {
	s := h.scenario

	masters := make([]ir.MemberID, len(s.Masters))
	for i, m := range s.Masters {
		masters[i] = h.keys.Member(m)
	}

	var types engine.TypeRegistry
	if len(s.Types) > 0 {
		comm := &community.Community{Name: s.Name, Masters: masters, Types: make(map[ir.RecordType]community.TypeSpec)}
		for name, cancellable := range s.Types {
			t := ir.RecordType(name)
			comm.Types[t] = community.TypeSpec{Name: t, Cancellable: cancellable}
		}
		types = comm
	}

	names := make([]string, len(s.Nodes))
	for i, n := range s.Nodes {
		names[i] = n.Name
	}

	for _, spec := range s.Nodes {
		st, err := store.Open(":memory:")
		if err != nil {
			return err
		}
		rep := &replica{name: spec.Name, store: st, sender: testutil.NewCaptureSender()}
		h.nodes = append(h.nodes, rep)
		h.byName[spec.Name] = rep

		led, err := ledger.New(h.ctx, st, masters)
		if err != nil {
			return err
		}

		opts := []engine.EngineOption{
			engine.WithPeers(peersOf(spec, names)...),
			engine.WithIDGenerator(engine.NewSequenceGenerator(spec.Name)),
			// Retries never fire during a run; flushes are explicit.
			engine.WithBackoff(tasks.Backoff{Initial: time.Hour, Max: time.Hour}),
		}
		if spec.Member != "" {
			opts = append(opts, engine.WithSigner(h.keys.Signer(spec.Member)))
		}
		if spec.Clock > 0 {
			opts = append(opts, engine.WithClock(engine.NewClockAt(spec.Clock)))
		}
		if types != nil {
			opts = append(opts, engine.WithTypes(types))
		}

		rep.engine, err = engine.New(h.ctx, st, led, rep.sender, opts...)
		if err != nil {
			return err
		}
	}

	if len(s.Grants) == 0 {
		return nil
	}
	grants := make([]ir.Grant, len(s.Grants))
	for i, g := range s.Grants {
		grants[i] = ir.Grant{
			Subject:    h.keys.Member(g.Subject),
			Type:       ir.RecordType(g.Type),
			Permission: ir.Permission(g.Permission),
		}
	}
	grant := testutil.GrantRecord(h.keys.Signer(s.Masters[0]), ir.TypeAuthorize, 1, grants...)
	for _, rep := range h.nodes {
		outcome, err := rep.engine.Submit(h.ctx, engine.Delivery{Record: grant})
		if err != nil {
			return fmt.Errorf("grant on %s: %w", rep.name, err)
		}
		if outcome != engine.Stored {
			return fmt.Errorf("grant on %s: %s", rep.name, outcome)
		}
	}
	return nil
}

func peersOf(spec NodeSpec, names []string) []ir.PeerID {
	if spec.Isolated {
		return nil
	}
	src := spec.Peers
	if src == nil {
		src = names
	}
	var peers []ir.PeerID
	for _, p := range src {
		if p != spec.Name {
			peers = append(peers, ir.PeerID(p))
		}
	}
	return peers
}

func (h *Harness) close() {
	for _, rep := range h.nodes {
		if rep.engine != nil {
			rep.engine.Stop()
		}
		rep.store.Close()
	}
}

func (h *Harness) runStep(step Step) error {
	switch {
	case step.Create != nil:
		return h.create(step.Create)
	case step.Cancel != nil:
		return h.cancel(step.Cancel)
	case step.Sign != nil:
		return h.sign(step.Sign)
	case step.Deliver != nil:
		return h.deliver(step.Deliver)
	case step.Flush:
		return h.flush()
	}
	return errors.New("empty step")
}

func (h *Harness) create(c *CreateStep) error {
	var payload ir.IRObject
	if c.Payload != nil {
		v, err := ir.ToIRValue(c.Payload)
		if err != nil {
			return fmt.Errorf("create payload: %w", err)
		}
		payload = v.(ir.IRObject)
	}

	r, err := h.byName[c.Node].engine.CreateRecord(h.ctx, ir.RecordType(c.Type), payload)
	outcome := h.localOutcome(err)
	if err == nil {
		h.remember(c.As, r)
	}
	h.result.addEvent(TraceEvent{Op: OpCreate, Node: c.Node, Record: h.labelOr(c.As, r, err), Outcome: outcome})
	h.expect(fmt.Sprintf("create %s on %s", c.As, c.Node), c.Expect, ExpectCreated, outcome)
	return nil
}

func (h *Harness) cancel(c *CancelStep) error {
	rep := h.byName[c.Node]
	victim := h.records[c.Victim].Key()

	var (
		r   ir.Record
		err error
	)
	if victim.Author == rep.engine.Member() {
		r, err = rep.engine.CreateSelfCancellation(h.ctx, victim)
	} else {
		r, err = rep.engine.CreateOtherCancellation(h.ctx, victim)
	}
	outcome := h.localOutcome(err)
	if err == nil && c.As != "" {
		h.remember(c.As, r)
	}
	h.result.addEvent(TraceEvent{Op: OpCancel, Node: c.Node, Record: h.labelOr(c.As, r, err), Outcome: outcome})
	h.expect(fmt.Sprintf("cancel of %s on %s", c.Victim, c.Node), c.Expect, ExpectCreated, outcome)
	return nil
}

func (h *Harness) sign(sg *SignStep) error {
	signer := h.keys.Signer(sg.Author)
	if sg.Victim != "" {
		h.remember(sg.As, testutil.CancelRecord(signer, sg.Time, h.records[sg.Victim].Key()))
		return nil
	}

	var payload ir.IRObject
	if sg.Payload != nil {
		v, err := ir.ToIRValue(sg.Payload)
		if err != nil {
			return fmt.Errorf("sign payload: %w", err)
		}
		payload = v.(ir.IRObject)
	}
	h.remember(sg.As, testutil.DataRecord(signer, ir.RecordType(sg.Type), sg.Time, payload))
	return nil
}

func (h *Harness) deliver(d *DeliverStep) error {
	outcome, err := h.submit(h.byName[d.To], h.records[d.Record], ir.PeerID(d.From))
	if err != nil {
		return err
	}
	h.result.addEvent(TraceEvent{Op: OpDeliver, From: d.From, To: d.To, Record: d.Record, Outcome: outcome})
	if d.Expect != "" {
		h.expect(fmt.Sprintf("delivery of %s to %s", d.Record, d.To), d.Expect, d.Expect, outcome)
	}
	return nil
}

// submit decodes r's wire bytes the way the transport does and submits the
// result. Malformed records are an outcome, not a harness failure.
func (h *Harness) submit(to *replica, r ir.Record, from ir.PeerID) (string, error) {
	decoded, err := packet.Decode(r.Wire)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", h.label(r.Key()), err)
	}
	outcome, err := to.engine.Submit(h.ctx, engine.Delivery{Record: decoded, From: from})
	if engine.IsMalformed(err) {
		return ExpectMalformed, nil
	}
	if err != nil {
		return "", err
	}
	return outcome.String(), nil
}

// flush drains every outbox in node order and routes each envelope to its
// destination until a whole round moves nothing. Envelopes to peers that
// are not nodes are traced and dropped.
func (h *Harness) flush() error {
	for round := 0; round < maxFlushRounds; round++ {
		moved := 0
		for _, rep := range h.nodes {
			rep.engine.DrainOutbox(h.ctx)
			for _, env := range rep.sender.Take() {
				moved++
				if err := h.route(rep, env); err != nil {
					return err
				}
			}
		}
		if moved == 0 {
			return nil
		}
	}
	return fmt.Errorf("network still busy after %d rounds", maxFlushRounds)
}

func (h *Harness) route(from *replica, env ir.Envelope) error {
	ev := TraceEvent{
		Op:     OpSend,
		From:   from.name,
		To:     string(env.To),
		ID:     env.ID,
		Kind:   string(env.Kind),
		Reason: env.Reason,
	}
	to := h.byName[string(env.To)]

	switch env.Kind {
	case ir.EnvelopeRecord:
		ev.Record = h.label(env.Record.Key())
		if to != nil {
			outcome, err := h.submit(to, *env.Record, ir.PeerID(from.name))
			if err != nil {
				return err
			}
			ev.Outcome = outcome
		}

	case ir.EnvelopeMissingRequest:
		data, err := packet.EncodeMissingRequest(*env.Request)
		if err != nil {
			return err
		}
		req, err := packet.DecodeMissingRequest(data)
		if err != nil {
			return err
		}
		ev.Member = h.keys.Name(req.Member)
		ev.Times = req.GlobalTimes
		if to != nil {
			n, err := to.engine.HandleMissingRequest(h.ctx, ir.PeerID(from.name), req)
			if err != nil {
				return err
			}
			ev.Outcome = fmt.Sprintf("%d record(s)", n)
		}

	default:
		return fmt.Errorf("unknown envelope kind %q", env.Kind)
	}

	h.result.addEvent(ev)
	return nil
}

func (h *Harness) remember(label string, r ir.Record) {
	h.records[label] = r
	h.labels[r.Key().Identity()] = label
}

// label names a record by its scenario label, or by author name, type and
// time for records no step named.
func (h *Harness) label(k ir.RecordKey) string {
	if l, ok := h.labels[k.Identity()]; ok {
		return l
	}
	return fmt.Sprintf("%s/%s@%d", h.keys.Name(k.Author), k.Type, k.GlobalTime)
}

func (h *Harness) labelOr(as string, r ir.Record, err error) string {
	if err != nil || as == "" {
		return ""
	}
	return h.label(r.Key())
}

// localOutcome classifies the error of a local create or cancel.
func (h *Harness) localOutcome(err error) string {
	switch {
	case err == nil:
		return ExpectCreated
	case engine.IsAlreadyCancelled(err):
		return ExpectAlreadyCancelled
	case engine.IsPermissionDenied(err):
		return ExpectPermissionDenied
	case engine.IsMalformed(err):
		return ExpectMalformed
	case errors.Is(err, engine.ErrVictimNotFound):
		return ExpectNotFound
	default:
		return "error: " + err.Error()
	}
}

// expect records a failure when got differs from want, or from def when
// no expectation was written.
func (h *Harness) expect(what, want, def, got string) {
	if want == "" {
		want = def
	}
	if got != want {
		h.result.AddError(fmt.Sprintf("%s: expected %s, got %s", what, want, got))
	}
}
