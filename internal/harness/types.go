package harness

// Trace operations.
const (
	OpCreate  = "create"
	OpCancel  = "cancel"
	OpDeliver = "deliver"
	OpSend    = "send"
)

// TraceEvent is one line of a scenario trace: a local operation on a
// replica, an injected delivery, or an envelope routed between peers.
// Records are named by their scenario labels and members by their names,
// so traces are stable across runs.
type TraceEvent struct {
	Seq     int      `json:"seq"`
	Op      string   `json:"op"`
	Node    string   `json:"node,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	ID      string   `json:"id,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Record  string   `json:"record,omitempty"`
	Member  string   `json:"member,omitempty"`
	Times   []uint64 `json:"times,omitempty"`
	Outcome string   `json:"outcome,omitempty"`
}

// canonical returns the event as a map for ir.MarshalCanonical, leaving out
// empty fields.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{"seq": e.Seq, "op": e.Op}
	for k, v := range map[string]string{
		"node":    e.Node,
		"from":    e.From,
		"to":      e.To,
		"id":      e.ID,
		"kind":    e.Kind,
		"reason":  e.Reason,
		"record":  e.Record,
		"member":  e.Member,
		"outcome": e.Outcome,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if len(e.Times) > 0 {
		times := make([]any, len(e.Times))
		for i, t := range e.Times {
			times[i] = int64(t)
		}
		m["times"] = times
	}
	return m
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step met its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains every operation and routed envelope in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEvent appends e with the next sequence number.
func (r *Result) addEvent(e TraceEvent) {
	e.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, e)
}
