package graph

import (
	"github.com/hupe1980/agentcore/errs"
)

// Verdict is the Judge's decision for a node visit (§4.3).
type Verdict string

const (
	VerdictAccept   Verdict = "ACCEPT"
	VerdictRetry    Verdict = "RETRY"
	VerdictEscalate Verdict = "ESCALATE"
	VerdictContinue Verdict = "CONTINUE"
)

// Judgment is the Judge's full answer: verdict plus optional feedback and
// any constraints it found violated.
type Judgment struct {
	Verdict              Verdict
	Feedback             string
	ViolatedConstraints  []string
}

// ConstraintKind distinguishes hard (run-aborting) from soft constraints.
type ConstraintKind string

const (
	ConstraintHard ConstraintKind = "hard"
	ConstraintSoft ConstraintKind = "soft"
)

// SuccessCriterion is one measurable condition the Judge consults.
type SuccessCriterion struct {
	ID          string
	Description string
	Metric      string
	Target      any
	Weight      float64
}

// Constraint is a goal-level rule; hard constraints can abort a run.
type Constraint struct {
	ID          string
	Description string
	Kind        ConstraintKind
	Category    string
}

// Goal is immutable once accepted by the executor.
type Goal struct {
	ID              string
	Description     string
	SuccessCriteria []SuccessCriterion
	Constraints     []Constraint
}

// HardConstraints returns only the goal's hard constraints.
func (g Goal) HardConstraints() []Constraint {
	var out []Constraint
	for _, c := range g.Constraints {
		if c.Kind == ConstraintHard {
			out = append(out, c)
		}
	}
	return out
}

// NodeKind distinguishes the four node shapes the executor drives (§3).
type NodeKind string

const (
	NodeEventLoop             NodeKind = "event_loop"
	NodeFunction              NodeKind = "function"
	NodeClientFacingEventLoop NodeKind = "client_facing_event_loop"
	NodeTerminal              NodeKind = "terminal"
)

// Node is a unit of work in the graph.
type Node struct {
	ID                 string
	Kind               NodeKind
	InputKeys          []string
	OutputKeys         []string
	NullableOutputKeys []string
	SystemPrompt       string
	Tools              []string
	MaxVisits          int
	MaxStepsPerVisit   int
}

// RequiredOutputKeys returns OutputKeys minus NullableOutputKeys — the keys
// set_output must supply before a visit may ACCEPT (§4.2).
func (n Node) RequiredOutputKeys() []string {
	nullable := make(map[string]bool, len(n.NullableOutputKeys))
	for _, k := range n.NullableOutputKeys {
		nullable[k] = true
	}
	var out []string
	for _, k := range n.OutputKeys {
		if !nullable[k] {
			out = append(out, k)
		}
	}
	return out
}

// IsEventLoop reports whether the node runs through the event-loop runtime
// (either variant).
func (n Node) IsEventLoop() bool {
	return n.Kind == NodeEventLoop || n.Kind == NodeClientFacingEventLoop
}

// Validate checks the node's own invariants (§3): nullable_output_keys ⊆
// output_keys. Tool resolution against the dispatcher is checked by
// Graph.Validate, which has access to the tool registry.
func (n Node) Validate() error {
	outputs := make(map[string]bool, len(n.OutputKeys))
	for _, k := range n.OutputKeys {
		outputs[k] = true
	}
	for _, k := range n.NullableOutputKeys {
		if !outputs[k] {
			return errs.Newf(errs.GraphInvalid, "node %q: nullable_output_key %q is not in output_keys", n.ID, k)
		}
	}
	if n.MaxVisits <= 0 {
		return errs.Newf(errs.GraphInvalid, "node %q: max_visits must be positive", n.ID)
	}
	if n.IsEventLoop() && n.MaxStepsPerVisit <= 0 {
		return errs.Newf(errs.GraphInvalid, "node %q: max_steps_per_visit must be positive for event-loop nodes", n.ID)
	}
	return nil
}

// EdgeConditionKind enumerates the five condition shapes (§3).
type EdgeConditionKind string

const (
	CondOnSuccess       EdgeConditionKind = "on_success"
	CondOnVerdict       EdgeConditionKind = "on_verdict"
	CondOnOutputEquals  EdgeConditionKind = "on_output_equals"
	CondOnOutputPresent EdgeConditionKind = "on_output_present"
	CondAlways          EdgeConditionKind = "always"
)

// EdgeCondition is the predicate over (last_verdict, memory) that an edge
// tests before it may fire.
type EdgeCondition struct {
	Kind    EdgeConditionKind
	Verdict Verdict // used by CondOnVerdict
	Key     string  // used by CondOnOutputEquals / CondOnOutputPresent
	Value   any     // used by CondOnOutputEquals (decoded-JSON literal)
}

// Matches reports whether the condition fires for the given verdict and
// memory snapshot. Pure function of its inputs (P1).
func (c EdgeCondition) Matches(verdict Verdict, mem *Memory) bool {
	switch c.Kind {
	case CondAlways:
		return true
	case CondOnSuccess:
		return verdict == VerdictAccept
	case CondOnVerdict:
		return verdict == c.Verdict
	case CondOnOutputPresent:
		return mem.Has(c.Key)
	case CondOnOutputEquals:
		v, ok := mem.Get(c.Key)
		if !ok {
			return false
		}
		return EqualsAny(v, c.Value)
	default:
		return false
	}
}

// Edge carries control from source to target when Condition matches.
type Edge struct {
	Source    string
	Target    string
	Condition EdgeCondition
}

// Graph is the full node/edge topology for a run.
type Graph struct {
	Nodes           []Node
	Edges           []Edge
	EntryNodeID     string
	TerminalNodeIDs map[string]bool
}

// NodeByID looks up a node by id.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// OutgoingEdges returns edges from nodeID in declaration order — the order
// ties are broken by (§3).
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// NextEdge deterministically selects the single firing edge out of nodeID
// for (verdict, memory), or returns an errs.NoValidEdge error. Satisfies P1.
func NextEdge(g *Graph, nodeID string, verdict Verdict, mem *Memory) (*Edge, error) {
	for _, e := range g.OutgoingEdges(nodeID) {
		if e.Condition.Matches(verdict, mem) {
			edge := e
			return &edge, nil
		}
	}
	return nil, errs.Newf(errs.NoValidEdge, "no outgoing edge from %q matches verdict %q", nodeID, verdict)
}

// Validate checks the structural invariants §6 requires before a run starts:
// every edge endpoint resolves, every node.tools[i] resolves in the
// dispatcher, entry/terminal ids resolve, and no node is unreachable.
func (g *Graph) Validate(resolvesTool func(name string) bool) error {
	if len(g.Nodes) == 0 {
		return errs.New(errs.GraphInvalid, "graph has no nodes")
	}
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if ids[n.ID] {
			return errs.Newf(errs.GraphInvalid, "duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		if err := n.Validate(); err != nil {
			return err
		}
		for _, tool := range n.Tools {
			if resolvesTool != nil && !resolvesTool(tool) {
				return errs.Newf(errs.GraphInvalid, "node %q references unresolved tool %q", n.ID, tool)
			}
		}
	}
	if !ids[g.EntryNodeID] {
		return errs.Newf(errs.GraphInvalid, "entry_node_id %q does not resolve", g.EntryNodeID)
	}
	for tid := range g.TerminalNodeIDs {
		if !ids[tid] {
			return errs.Newf(errs.GraphInvalid, "terminal_node_id %q does not resolve", tid)
		}
	}
	for _, e := range g.Edges {
		if !ids[e.Source] {
			return errs.Newf(errs.GraphInvalid, "edge source %q does not resolve", e.Source)
		}
		if !ids[e.Target] {
			return errs.Newf(errs.GraphInvalid, "edge target %q does not resolve", e.Target)
		}
	}
	return validateReachability(g)
}

func validateReachability(g *Graph) error {
	reachable := map[string]bool{g.EntryNodeID: true}
	queue := []string{g.EntryNodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(cur) {
			if !reachable[e.Target] {
				reachable[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	for _, n := range g.Nodes {
		if !reachable[n.ID] {
			return errs.Newf(errs.GraphInvalid, "node %q is unreachable from entry_node_id", n.ID)
		}
	}
	return nil
}

// String implements fmt.Stringer for verdicts, used in log lines.
func (v Verdict) String() string { return string(v) }
