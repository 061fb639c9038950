package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/retract/internal/ir"
)

// Scenario defines a multi-replica conformance scenario: a set of replicas
// wired to each other, a list of steps that create, sign and deliver
// records, and assertions on the state every replica ends in.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Masters are the member names of the community masters.
	Masters []string `yaml:"masters"`

	// Types maps declared data types to whether they may be cancelled.
	// When empty every data type is accepted and cancellable.
	Types map[string]bool `yaml:"types,omitempty"`

	// Grants are applied on every replica before the first step, through
	// one authorize record signed by the first master at global time 1.
	Grants []GrantSpec `yaml:"grants,omitempty"`

	// Nodes are the replicas, in the order the network drains them.
	Nodes []NodeSpec `yaml:"nodes"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// GrantSpec is one permission tuple granted at setup.
type GrantSpec struct {
	Subject    string `yaml:"subject"`
	Type       string `yaml:"type"`
	Permission string `yaml:"permission"`
}

// NodeSpec describes one replica.
type NodeSpec struct {
	// Name is also the peer id other replicas know this one by.
	Name string `yaml:"name"`

	// Member is the member name the replica signs as. Empty makes a
	// read-only replica.
	Member string `yaml:"member,omitempty"`

	// Clock is the global time the replica's clock starts at.
	Clock uint64 `yaml:"clock,omitempty"`

	// Peers receive the replica's broadcasts. Defaults to every other
	// node unless Isolated is set.
	Peers    []string `yaml:"peers,omitempty"`
	Isolated bool     `yaml:"isolated,omitempty"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Create  *CreateStep  `yaml:"create,omitempty"`
	Cancel  *CancelStep  `yaml:"cancel,omitempty"`
	Sign    *SignStep    `yaml:"sign,omitempty"`
	Deliver *DeliverStep `yaml:"deliver,omitempty"`

	// Flush drains every outbox and routes envelopes between replicas
	// until the network is quiet.
	Flush bool `yaml:"flush,omitempty"`
}

// CreateStep creates a data record on a replica.
type CreateStep struct {
	Node    string         `yaml:"node"`
	Type    string         `yaml:"type"`
	As      string         `yaml:"as"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Expect  string         `yaml:"expect,omitempty"`
}

// CancelStep cancels a record on a replica: a self-cancellation when the
// replica's member authored it, a cancellation of another otherwise.
type CancelStep struct {
	Node   string `yaml:"node"`
	Victim string `yaml:"victim"`
	As     string `yaml:"as,omitempty"`
	Expect string `yaml:"expect,omitempty"`
}

// SignStep signs a record outside any replica, for delivery by later
// steps. With Victim set it is a cancel, otherwise a data record of Type.
type SignStep struct {
	As      string         `yaml:"as"`
	Author  string         `yaml:"author"`
	Time    uint64         `yaml:"time"`
	Type    string         `yaml:"type,omitempty"`
	Victim  string         `yaml:"victim,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// DeliverStep submits a labelled record to a replica as if it arrived
// from peer From.
type DeliverStep struct {
	To     string `yaml:"to"`
	From   string `yaml:"from"`
	Record string `yaml:"record"`
	Expect string `yaml:"expect,omitempty"`
}

// Assertion validates final replica state or the routed traffic.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Node   string `yaml:"node,omitempty"`
	Record string `yaml:"record,omitempty"`

	// CancelledBy is the label of the expected active canceller, or
	// "none" for an active record (status).
	CancelledBy string `yaml:"cancelled_by,omitempty"`

	// Envelope filters (sent). Empty filters match everything.
	From   string `yaml:"from,omitempty"`
	To     string `yaml:"to,omitempty"`
	Reason string `yaml:"reason,omitempty"`

	// Count is the exact expected number (sent, pending, cancellers).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertStatus     = "status"
	AssertConverged  = "converged"
	AssertSent       = "sent"
	AssertPending    = "pending"
	AssertCancellers = "cancellers"
)

// Expected step outcomes besides the engine's Outcome names.
const (
	ExpectCreated          = "created"
	ExpectAlreadyCancelled = "already_cancelled"
	ExpectPermissionDenied = "permission_denied"
	ExpectMalformed        = "malformed"
	ExpectNotFound         = "not_found"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// name a step or assertion uses is defined.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Masters) == 0 {
		return errors.New("masters list is required and must be non-empty")
	}
	if len(s.Nodes) == 0 {
		return errors.New("nodes list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	for i, g := range s.Grants {
		if g.Subject == "" || g.Type == "" {
			return fmt.Errorf("grants[%d]: subject and type are required", i)
		}
		if !ir.Permission(g.Permission).Valid() {
			return fmt.Errorf("grants[%d]: unknown permission %q", i, g.Permission)
		}
	}

	nodes := make([]string, 0, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if slices.Contains(nodes, n.Name) {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n.Name)
		}
		nodes = append(nodes, n.Name)
	}
	for i, n := range s.Nodes {
		if n.Isolated && len(n.Peers) > 0 {
			return fmt.Errorf("nodes[%d]: isolated node with peers", i)
		}
		for _, p := range n.Peers {
			if p == n.Name {
				return fmt.Errorf("nodes[%d]: node lists itself as peer", i)
			}
		}
	}

	labels := make(map[string]bool)
	defineLabel := func(where, label string) error {
		if label == "" {
			return nil
		}
		if labels[label] {
			return fmt.Errorf("%s: label %q defined twice", where, label)
		}
		labels[label] = true
		return nil
	}
	needLabel := func(where, label string) error {
		if !labels[label] {
			return fmt.Errorf("%s: unknown record %q", where, label)
		}
		return nil
	}
	needNode := func(where, node string) error {
		if !slices.Contains(nodes, node) {
			return fmt.Errorf("%s: unknown node %q", where, node)
		}
		return nil
	}

	for i, step := range s.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		if n := step.kinds(); n != 1 {
			return fmt.Errorf("%s: exactly one of create, cancel, sign, deliver, flush is required, got %d", where, n)
		}
		var err error
		switch {
		case step.Create != nil:
			c := step.Create
			if c.Type == "" || c.As == "" {
				err = fmt.Errorf("%s.create: type and as are required", where)
				break
			}
			if err = needNode(where+".create", c.Node); err == nil && c.Expect == "" {
				err = defineLabel(where+".create", c.As)
			}
		case step.Cancel != nil:
			c := step.Cancel
			if err = needNode(where+".cancel", c.Node); err != nil {
				break
			}
			if err = needLabel(where+".cancel", c.Victim); err != nil {
				break
			}
			if c.Expect == "" && c.As == "" {
				err = fmt.Errorf("%s.cancel: as is required", where)
				break
			}
			if c.Expect == "" {
				err = defineLabel(where+".cancel", c.As)
			}
		case step.Sign != nil:
			sg := step.Sign
			if sg.As == "" || sg.Author == "" || sg.Time == 0 {
				err = fmt.Errorf("%s.sign: as, author and time are required", where)
				break
			}
			if sg.Victim == "" && sg.Type == "" {
				err = fmt.Errorf("%s.sign: type or victim is required", where)
				break
			}
			if sg.Victim != "" {
				if err = needLabel(where+".sign", sg.Victim); err != nil {
					break
				}
			}
			err = defineLabel(where+".sign", sg.As)
		case step.Deliver != nil:
			d := step.Deliver
			if d.From == "" {
				err = fmt.Errorf("%s.deliver: from is required", where)
				break
			}
			if err = needNode(where+".deliver", d.To); err != nil {
				break
			}
			err = needLabel(where+".deliver", d.Record)
		}
		if err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, needNode, needLabel); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) kinds() int {
	n := 0
	for _, set := range []bool{s.Create != nil, s.Cancel != nil, s.Sign != nil, s.Deliver != nil, s.Flush} {
		if set {
			n++
		}
	}
	return n
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, needNode, needLabel func(where, name string) error) error {
	where := fmt.Sprintf("assertions[%d]", index)
	if a.Type == "" {
		return fmt.Errorf("%s: type is required", where)
	}
	if a.Count < 0 {
		return fmt.Errorf("%s: count must be non-negative", where)
	}

	switch a.Type {
	case AssertStatus:
		if err := needNode(where, a.Node); err != nil {
			return err
		}
		if err := needLabel(where, a.Record); err != nil {
			return err
		}
		if a.CancelledBy == "" {
			return fmt.Errorf("%s: cancelled_by is required for status (use \"none\" for active)", where)
		}
		if a.CancelledBy != "none" {
			return needLabel(where, a.CancelledBy)
		}
	case AssertConverged:
		return needLabel(where, a.Record)
	case AssertSent:
		if a.From != "" {
			if err := needNode(where, a.From); err != nil {
				return err
			}
		}
		if a.Record != "" {
			return needLabel(where, a.Record)
		}
	case AssertPending:
		return needNode(where, a.Node)
	case AssertCancellers:
		if err := needNode(where, a.Node); err != nil {
			return err
		}
		return needLabel(where, a.Record)
	default:
		return fmt.Errorf("%s: unknown assertion type %q", where, a.Type)
	}
	return nil
}
