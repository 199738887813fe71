package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/agentcore/errs"
	"github.com/hupe1980/agentcore/graph"
	"github.com/hupe1980/agentcore/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idSeq() func() string {
	var n int64
	return func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }
}

func straightGraph(nodes ...graph.Node) *graph.Graph {
	g := &graph.Graph{EntryNodeID: nodes[0].ID, TerminalNodeIDs: map[string]bool{"terminal": true}}
	g.Nodes = append(g.Nodes, nodes...)
	g.Nodes = append(g.Nodes, graph.Node{ID: "terminal", Kind: graph.NodeTerminal})
	for i := 0; i < len(nodes)-1; i++ {
		g.Edges = append(g.Edges, graph.Edge{
			Source: nodes[i].ID, Target: nodes[i+1].ID,
			Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess},
		})
	}
	g.Edges = append(g.Edges, graph.Edge{
		Source: nodes[len(nodes)-1].ID, Target: "terminal",
		Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess},
	})
	return g
}

func fnNode(id string, outputs ...string) graph.Node {
	return graph.Node{ID: id, Kind: graph.NodeFunction, OutputKeys: outputs, MaxVisits: 1, MaxStepsPerVisit: 1}
}

func TestExecuteFunctionNodeChainReachesTerminal(t *testing.T) {
	a := fnNode("a", "out_a")
	b := fnNode("b", "out_b")
	g := straightGraph(a, b)
	goal := graph.Goal{ID: "g1", Description: "chain two function nodes"}

	x := New(
		WithIDGen(idSeq()),
		WithFunction("a", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out_a": "a-done"}, nil
		}),
		WithFunction("b", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out_b": "b-done"}, nil
		}),
	)

	result, err := x.Execute(context.Background(), g, goal, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, TerminatedTerminalNode, result.TerminatedBy)

	v, ok := result.Memory.Get("out_a")
	require.True(t, ok)
	assert.Equal(t, graph.StringValue("a-done"), v)
	v, ok = result.Memory.Get("out_b")
	require.True(t, ok)
	assert.Equal(t, graph.StringValue("b-done"), v)
}

func TestExecutePauseThenResumeContinuesFromCheckpoint(t *testing.T) {
	a := fnNode("a", "out_a")
	b := fnNode("b", "out_b")
	g := straightGraph(a, b)
	goal := graph.Goal{ID: "g1", Description: "pause before second node"}

	proceed := make(chan struct{})
	store := session.NewVolatileStore(idSeq())
	x := New(
		WithIDGen(idSeq()),
		WithSessions(store),
		WithFunction("a", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			<-proceed
			return map[string]any{"out_a": "a-done"}, nil
		}),
		WithFunction("b", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out_b": "b-done"}, nil
		}),
	)

	type execOut struct {
		result RunResult
		err    error
	}
	done := make(chan execOut, 1)
	go func() {
		r, err := x.Execute(context.Background(), g, goal, map[string]any{})
		done <- execOut{r, err}
	}()

	// Pause is a no-op error until the run has registered itself with the
	// executor, which happens a moment after its session is created; retry
	// until it succeeds rather than racing a single call against that gap.
	var sessionID string
	require.Eventually(t, func() bool {
		sessions, err := store.ListSessions(context.Background(), session.Filter{})
		if err != nil || len(sessions) == 0 {
			return false
		}
		sessionID = sessions[0].ID
		return x.Pause(sessionID) == nil
	}, time.Second, time.Millisecond)

	close(proceed)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, TerminatedPauseRequested, out.result.TerminatedBy)

	sess, err := store.LoadSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, sess.Status)
	_, hasOutB := sess.Checkpoints[len(sess.Checkpoints)-1].Snapshot.MemoryRaw["out_b"]
	assert.False(t, hasOutB, "node b must not have run before the pause took effect")

	resumed, err := x.Resume(context.Background(), g, goal, sessionID)
	require.NoError(t, err)
	assert.Equal(t, TerminatedTerminalNode, resumed.TerminatedBy)
	v, ok := resumed.Memory.Get("out_b")
	require.True(t, ok)
	assert.Equal(t, graph.StringValue("b-done"), v)
}

func TestExecuteRecoverRewindsToEarlierCheckpointAndReruns(t *testing.T) {
	a := fnNode("a", "out_a")
	a.MaxVisits = 2
	b := fnNode("b", "out_b")
	g := straightGraph(a, b)
	goal := graph.Goal{ID: "g1", Description: "recover and rerun node a"}

	var aCalls int32
	store := session.NewVolatileStore(idSeq())
	x := New(
		WithIDGen(idSeq()),
		WithSessions(store),
		WithFunction("a", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			atomic.AddInt32(&aCalls, 1)
			return map[string]any{"out_a": "a-done"}, nil
		}),
		WithFunction("b", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out_b": "b-done"}, nil
		}),
	)

	sess, err := store.CreateSession(context.Background(), goal.ID)
	require.NoError(t, err)

	state, err := graph.NewExecutionState(sess.ID, map[string]any{})
	require.NoError(t, err)
	state.VisitCounts["a"] = 1
	state.LastNodeID = "a"
	entryCP := graph.Checkpoint{ID: "cp-entry-a", Ts: time.Now(), Kind: graph.CheckpointNodeEntry, Snapshot: state.Snapshot()}
	require.NoError(t, store.AppendCheckpoint(context.Background(), sess.ID, entryCP))

	require.NoError(t, state.Memory.Set("out_a", graph.StringValue("a-done"), "a"))
	state.CompletedNodes["a"] = true
	completeCP := graph.Checkpoint{ID: "cp-complete-a", Ts: time.Now(), Kind: graph.CheckpointNodeComplete, Snapshot: state.Snapshot()}
	require.NoError(t, store.AppendCheckpoint(context.Background(), sess.ID, completeCP))
	require.NoError(t, store.SetStatus(context.Background(), sess.ID, session.StatusFailed))

	result, err := x.Recover(context.Background(), g, goal, sess.ID, entryCP.ID)
	require.NoError(t, err)
	assert.Equal(t, TerminatedTerminalNode, result.TerminatedBy)
	assert.Equal(t, int32(1), atomic.LoadInt32(&aCalls), "recovering to the entry checkpoint must re-run node a exactly once")

	v, ok := result.Memory.Get("out_b")
	require.True(t, ok)
	assert.Equal(t, graph.StringValue("b-done"), v)

	final, err := store.LoadSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, final.Status)
}

func TestExecuteMaxVisitsTerminatesWithoutEscalationEdge(t *testing.T) {
	a := fnNode("a", "out_a")
	a.MaxVisits = 1
	g := &graph.Graph{
		EntryNodeID:     "a",
		TerminalNodeIDs: map[string]bool{"terminal": true},
		Nodes:           []graph.Node{a},
		Edges: []graph.Edge{
			{Source: "a", Target: "a", Condition: graph.EdgeCondition{Kind: graph.CondOnVerdict, Verdict: graph.VerdictRetry}},
			{Source: "a", Target: "terminal", Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess}},
		},
	}
	goal := graph.Goal{ID: "g1", Description: "always retry, never accept"}

	x := New(
		WithIDGen(idSeq()),
		WithFunction("a", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}),
		WithJudge(alwaysVerdict(graph.VerdictRetry)),
	)

	result, err := x.Execute(context.Background(), g, goal, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, TerminatedMaxVisits, result.TerminatedBy)
}

func TestExecuteHardConstraintAborts(t *testing.T) {
	a := fnNode("a", "out_a")
	g := straightGraph(a, fnNode("b", "out_b"))
	goal := graph.Goal{
		ID: "g1", Description: "must not violate the no-pii constraint",
		Constraints: []graph.Constraint{{ID: "no_pii", Kind: graph.ConstraintHard}},
	}

	x := New(
		WithIDGen(idSeq()),
		WithFunction("a", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out_a": "leaked"}, nil
		}),
		WithFunction("b", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"out_b": "unreached"}, nil
		}),
		WithJudge(constraintViolatingJudge{constraintID: "no_pii"}),
	)

	result, err := x.Execute(context.Background(), g, goal, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, TerminatedHardConstraint, result.TerminatedBy)
	_, ok := result.Memory.Get("out_b")
	assert.False(t, ok, "node b must never run once a's hard constraint violation aborts the run")
}

func TestExecuteParallelBranchesMergeConflictOnCollidingKey(t *testing.T) {
	fork := fnNode("fork", "route")
	left := fnNode("left", "shared_key")
	right := fnNode("right", "shared_key")
	join := fnNode("join")
	g := &graph.Graph{
		EntryNodeID:     "fork",
		TerminalNodeIDs: map[string]bool{"terminal": true},
		Nodes:           []graph.Node{fork, left, right, join},
		Edges: []graph.Edge{
			{Source: "fork", Target: "left", Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess}},
			{Source: "fork", Target: "right", Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess}},
			{Source: "left", Target: "join", Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess}},
			{Source: "right", Target: "join", Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess}},
			{Source: "join", Target: "terminal", Condition: graph.EdgeCondition{Kind: graph.CondOnSuccess}},
		},
	}
	goal := graph.Goal{ID: "g1", Description: "two branches collide on the same memory key"}

	x := New(
		WithIDGen(idSeq()),
		WithFunction("fork", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"route": "both"}, nil
		}),
		WithFunction("left", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"shared_key": "from-left"}, nil
		}),
		WithFunction("right", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"shared_key": "from-right"}, nil
		}),
		WithFunction("join", func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}),
	)

	_, err := x.Execute(context.Background(), g, goal, map[string]any{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.BranchMergeConflict), "expected a branch merge conflict, got %v", err)
}

// alwaysVerdict is a judge.Judge stub that returns the same verdict for
// every node, used to drive the max_visits test deterministically.
type alwaysVerdictJudge struct{ v graph.Verdict }

func alwaysVerdict(v graph.Verdict) alwaysVerdictJudge { return alwaysVerdictJudge{v: v} }

func (j alwaysVerdictJudge) Evaluate(ctx context.Context, node graph.Node, mem *graph.Memory, goal graph.Goal) (graph.Judgment, error) {
	return graph.Judgment{Verdict: j.v}, nil
}

// constraintViolatingJudge reports node "a" as having violated constraintID
// and accepts every other node, used to drive the hard-constraint test.
type constraintViolatingJudge struct{ constraintID string }

func (j constraintViolatingJudge) Evaluate(ctx context.Context, node graph.Node, mem *graph.Memory, goal graph.Goal) (graph.Judgment, error) {
	if node.ID == "a" {
		return graph.Judgment{Verdict: graph.VerdictEscalate, ViolatedConstraints: []string{j.constraintID}}, nil
	}
	return graph.Judgment{Verdict: graph.VerdictAccept}, nil
}
