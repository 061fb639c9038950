package harness

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/retract/internal/engine"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Routed envelopes, for sent assertions
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\n\nRouted envelopes:")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "\n  [%d] %s -> %s %s %s %s", ev.Seq, ev.From, ev.To, ev.Kind, ev.Reason, ev.Record)
		}
	}
	return buf.String()
}

// evaluate checks every assertion and returns the failure messages.
func (h *Harness) evaluate(assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStatus:
			err = h.assertStatus(a)
		case AssertConverged:
			err = h.assertConverged(a)
		case AssertSent:
			err = h.assertSent(a)
		case AssertPending:
			err = h.assertPending(a)
		case AssertCancellers:
			err = h.assertCancellers(a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// statusOf renders the cancellation status of a labelled record on rep
// with labels in place of record keys: "none", a canceller label, or
// "missing" when rep does not hold the record.
func (h *Harness) statusOf(rep *replica, label string) (string, error) {
	status, err := rep.engine.GetCancellationStatus(h.ctx, h.records[label].Key())
	if errors.Is(err, engine.ErrVictimNotFound) {
		return "missing", nil
	}
	if err != nil {
		return "", err
	}
	if !status.Cancelled() {
		return "none", nil
	}
	return h.label(*status.CancelledBy), nil
}

func (h *Harness) assertStatus(a Assertion) error {
	got, err := h.statusOf(h.byName[a.Node], a.Record)
	if err != nil {
		return err
	}
	if got != a.CancelledBy {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s on %s cancelled by %s", a.Record, a.Node, a.CancelledBy),
			Actual:   got,
		}
	}
	return nil
}

// assertConverged checks that every replica holds the record and agrees on
// its canceller.
func (h *Harness) assertConverged(a Assertion) error {
	var (
		first  string
		actual []string
		agreed = true
	)
	for i, rep := range h.nodes {
		got, err := h.statusOf(rep, a.Record)
		if err != nil {
			return err
		}
		if i == 0 {
			first = got
		}
		if got != first || got == "missing" {
			agreed = false
		}
		actual = append(actual, rep.name+"="+got)
	}
	if !agreed {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: fmt.Sprintf("every node holds %s with the same canceller", a.Record),
			Actual:   strings.Join(actual, " "),
		}
	}
	return nil
}

func (h *Harness) assertSent(a Assertion) error {
	var matched []TraceEvent
	for _, ev := range h.result.Trace {
		if ev.Op != OpSend {
			continue
		}
		if (a.From == "" || ev.From == a.From) &&
			(a.To == "" || ev.To == a.To) &&
			(a.Reason == "" || ev.Reason == a.Reason) &&
			(a.Record == "" || ev.Record == a.Record) {
			matched = append(matched, ev)
		}
	}
	if len(matched) != a.Count {
		var routed []TraceEvent
		for _, ev := range h.result.Trace {
			if ev.Op == OpSend {
				routed = append(routed, ev)
			}
		}
		return &AssertionError{
			Type:     AssertSent,
			Expected: fmt.Sprintf("%d envelope(s) matching from=%q to=%q reason=%q record=%q", a.Count, a.From, a.To, a.Reason, a.Record),
			Actual:   fmt.Sprintf("%d", len(matched)),
			Trace:    routed,
		}
	}
	return nil
}

func (h *Harness) assertPending(a Assertion) error {
	_, cancels := h.byName[a.Node].engine.PendingStats()
	if cancels != a.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending cancel(s) on %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d", cancels),
		}
	}
	return nil
}

func (h *Harness) assertCancellers(a Assertion) error {
	cancellers, err := h.byName[a.Node].engine.Cancellers(h.ctx, h.records[a.Record].Key())
	if err != nil {
		return err
	}
	if len(cancellers) != a.Count {
		labels := make([]string, len(cancellers))
		for i, c := range cancellers {
			labels[i] = h.label(c.Key())
		}
		return &AssertionError{
			Type:     AssertCancellers,
			Expected: fmt.Sprintf("%d canceller(s) of %s on %s", a.Count, a.Record, a.Node),
			Actual:   fmt.Sprintf("%d %v", len(cancellers), labels),
		}
	}
	return nil
}
