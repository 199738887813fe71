package graph

import (
	"testing"

	"github.com/hupe1980/agentcore/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleGraph() *Graph {
	return &Graph{
		Nodes: []Node{
			{ID: "intake", Kind: NodeEventLoop, OutputKeys: []string{"summary"}, MaxVisits: 3, MaxStepsPerVisit: 5},
			{ID: "done", Kind: NodeTerminal, MaxVisits: 1, MaxStepsPerVisit: 1},
		},
		Edges: []Edge{
			{Source: "intake", Target: "done", Condition: EdgeCondition{Kind: CondOnVerdict, Verdict: VerdictAccept}},
			{Source: "intake", Target: "intake", Condition: EdgeCondition{Kind: CondOnVerdict, Verdict: VerdictRetry}},
		},
		EntryNodeID:     "intake",
		TerminalNodeIDs: map[string]bool{"done": true},
	}
}

func TestNextEdgeDeterministic(t *testing.T) {
	g := simpleGraph()
	mem := NewMemory()

	edge1, err := NextEdge(g, "intake", VerdictAccept, mem)
	require.NoError(t, err)
	edge2, err := NextEdge(g, "intake", VerdictAccept, mem)
	require.NoError(t, err)
	assert.Equal(t, edge1.Target, edge2.Target)
	assert.Equal(t, "done", edge1.Target)
}

func TestNextEdgeNoMatchReturnsNoValidEdge(t *testing.T) {
	g := simpleGraph()
	mem := NewMemory()
	_, err := NextEdge(g, "intake", VerdictEscalate, mem)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NoValidEdge))
}

func TestOnOutputEqualsCondition(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Set("status", StringValue("ready"), "intake"))
	cond := EdgeCondition{Kind: CondOnOutputEquals, Key: "status", Value: "ready"}
	assert.True(t, cond.Matches(VerdictContinue, mem))

	require.NoError(t, mem.Set("status", StringValue("pending"), "intake"))
	assert.False(t, cond.Matches(VerdictContinue, mem))
}

func TestOnOutputPresentCondition(t *testing.T) {
	mem := NewMemory()
	cond := EdgeCondition{Kind: CondOnOutputPresent, Key: "summary"}
	assert.False(t, cond.Matches(VerdictContinue, mem))
	require.NoError(t, mem.Set("summary", StringValue("x"), "intake"))
	assert.True(t, cond.Matches(VerdictContinue, mem))
}

func TestGraphValidateDetectsUnreachableNode(t *testing.T) {
	g := simpleGraph()
	g.Nodes = append(g.Nodes, Node{ID: "orphan", Kind: NodeTerminal, MaxVisits: 1, MaxStepsPerVisit: 1})
	err := g.Validate(nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.GraphInvalid))
}

func TestGraphValidateDetectsBadToolReference(t *testing.T) {
	g := simpleGraph()
	g.Nodes[0].Tools = []string{"search"}
	err := g.Validate(func(name string) bool { return false })
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.GraphInvalid))

	err = g.Validate(func(name string) bool { return name == "search" })
	require.NoError(t, err)
}

func TestNodeNullableOutputKeysMustBeSubset(t *testing.T) {
	n := Node{ID: "n1", Kind: NodeFunction, OutputKeys: []string{"a"}, NullableOutputKeys: []string{"b"}, MaxVisits: 1, MaxStepsPerVisit: 1}
	err := n.Validate()
	require.Error(t, err)
}

func TestRequiredOutputKeys(t *testing.T) {
	n := Node{OutputKeys: []string{"a", "b", "c"}, NullableOutputKeys: []string{"b"}}
	assert.ElementsMatch(t, []string{"a", "c"}, n.RequiredOutputKeys())
}

func TestMemorySetGetPath(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Set("profile", FromAny(map[string]any{"name": "ada", "address": map[string]any{"city": "ldn"}}), "n1"))

	city, ok := mem.GetPath("profile", "address.city")
	require.True(t, ok)
	assert.Equal(t, StringValue("ldn"), city)

	require.NoError(t, mem.SetPath("profile", "address.city", "nyc", "n2"))
	city2, ok := mem.GetPath("profile", "address.city")
	require.True(t, ok)
	assert.Equal(t, StringValue("nyc"), city2)
	w, _ := mem.Writer("profile")
	assert.Equal(t, "n2", w)
}

func TestMemoryCloneIsIndependent(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Set("k", StringValue("v1"), "n1"))
	clone := mem.Clone()
	require.NoError(t, clone.Set("k", StringValue("v2"), "n2"))

	orig, _ := mem.Get("k")
	cloned, _ := clone.Get("k")
	assert.Equal(t, StringValue("v1"), orig)
	assert.Equal(t, StringValue("v2"), cloned)
}

func TestParseYAMLDocument(t *testing.T) {
	doc, err := ParseYAML([]byte(`
goal:
  id: g1
  description: summarize input
  success_criteria:
    - id: sc1
      description: non-empty summary
      metric: summary
  constraints: []
graph:
  entry_node_id: intake
  terminal_node_ids: [done]
  nodes:
    - id: intake
      kind: event_loop
      output_keys: [summary]
      max_visits: 3
      max_steps_per_visit: 5
    - id: done
      kind: terminal
      max_visits: 1
      max_steps_per_visit: 1
  edges:
    - source: intake
      target: done
      condition: { kind: on_verdict, verdict: ACCEPT }
`))
	require.NoError(t, err)
	goal, g, err := doc.Build()
	require.NoError(t, err)
	assert.Equal(t, "g1", goal.ID)
	require.NoError(t, g.Validate(nil))
}
