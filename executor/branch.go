package executor

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcore/errs"
	"github.com/hupe1980/agentcore/eventlog"
	"github.com/hupe1980/agentcore/graph"
	"github.com/panjf2000/ants/v2"
)

// independentBranches decides whether matched's targets are eligible for
// parallel-batch scheduling (§4.1): their forward-reachable node sets must
// stay disjoint up to a single common join node, and no node along one
// branch (excluding the join) may declare an input key that a node along
// another branch declares as an output key. Branches that only write the
// same key stay eligible; runParallelBatch reports that collision at merge.
// Independence is computed purely from the static graph; when no join
// satisfies both conditions, the caller falls back to sequential
// first-match edge selection.
func independentBranches(g *graph.Graph, matched []graph.Edge) (join string, ok bool) {
	if len(matched) < 2 {
		return "", false
	}

	reach := make([]map[string]bool, len(matched))
	for i, e := range matched {
		reach[i] = reachableFrom(g, e.Target)
	}

	for _, n := range bfsOrder(g, matched[0].Target) {
		inAll := true
		for i := 1; i < len(reach); i++ {
			if !reach[i][n] {
				inAll = false
				break
			}
		}
		if inAll {
			join = n
			break
		}
	}
	if join == "" {
		return "", false
	}

	// Nodes reachable from the join itself (including join) lie beyond the
	// merge point and are shared by every branch as a matter of course; only
	// the span strictly before the join needs to be pairwise disjoint.
	beyondJoin := reachableFrom(g, join)

	seenNodes := map[string]bool{}
	reads, writes := map[string][]int{}, map[string][]int{}
	for i, r := range reach {
		for n := range r {
			if beyondJoin[n] {
				continue
			}
			if seenNodes[n] {
				return "", false
			}
			seenNodes[n] = true

			node, ok := g.NodeByID(n)
			if !ok {
				return "", false
			}
			for _, k := range node.InputKeys {
				reads[k] = append(reads[k], i)
			}
			for _, k := range node.OutputKeys {
				writes[k] = append(writes[k], i)
			}
		}
	}
	for k, readers := range reads {
		for _, w := range writes[k] {
			for _, r := range readers {
				if r != w {
					return "", false
				}
			}
		}
	}
	return join, true
}

// reachableFrom returns every node id reachable from start, start included,
// following edges regardless of condition (conditions aren't known until
// runtime, so reachability is computed over the full static topology).
func reachableFrom(g *graph.Graph, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.OutgoingEdges(cur) {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}

// bfsOrder returns nodes in breadth-first order from start, used to find the
// join node closest to the fork.
func bfsOrder(g *graph.Graph, start string) []string {
	var order []string
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, e := range g.OutgoingEdges(cur) {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return order
}

type branchOutcome struct {
	mem     *graph.Memory
	verdict graph.Verdict
	err     error
}

// runParallelBatch runs each matched edge's target as its own branch on a
// bounded worker pool, each against a CloneMemory'd copy of state.Memory,
// then merges every key a branch newly wrote back into the shared memory in
// declared branch order. A key written by more than one branch is a
// run-level fault (§4.1, §5: "branches must write disjoint keys").
func (x *Executor) runParallelBatch(ctx context.Context, g *graph.Graph, goal graph.Goal, state *graph.ExecutionState, matched []graph.Edge, join string, sessionID string, log *eventlog.Log, ctrl *runControl) error {
	pool, err := ants.NewPool(poolSize(x.cfg))
	if err != nil {
		return errs.Wrap(errs.StorageFailure, "creating branch worker pool", err)
	}
	defer pool.Release()

	before := map[string]bool{}
	for _, k := range state.Memory.Keys() {
		before[k] = true
	}

	outcomes := make([]branchOutcome, len(matched))
	var wg sync.WaitGroup
	for i, e := range matched {
		i, target := i, e.Target
		branchMem := state.CloneMemory()
		wg.Add(1)
		task := func() {
			defer wg.Done()
			verdict, berr := x.runBranch(ctx, g, goal, state, branchMem, target, join, log, ctrl)
			outcomes[i] = branchOutcome{mem: branchMem, verdict: verdict, err: berr}
		}
		if submitErr := pool.Submit(task); submitErr != nil {
			wg.Done()
			outcomes[i] = branchOutcome{err: errs.Wrap(errs.StorageFailure, "submitting branch task", submitErr)}
		}
	}
	wg.Wait()

	claimedBy := map[string]int{}
	for i, o := range outcomes {
		if o.err != nil {
			return o.err
		}
		for _, k := range o.mem.Keys() {
			if before[k] {
				continue
			}
			if owner, ok := claimedBy[k]; ok && owner != i {
				return errs.Newf(errs.BranchMergeConflict, "key %q written by both branch %d and branch %d", k, owner, i)
			}
			claimedBy[k] = i

			v, _ := o.mem.Get(k)
			writer, _ := o.mem.Writer(k)
			if err := state.Memory.Set(k, v, writer); err != nil {
				return err
			}
		}
	}
	return nil
}

// runBranch walks a single branch's straight-line path from start up to
// (not including) join, sharing the main loop's visit/judge/edge machinery
// but against branch-local memory and a branch-local visit count: a branch
// never increments the shared run's visit counts, only its own per-branch
// tally.
func (x *Executor) runBranch(ctx context.Context, g *graph.Graph, goal graph.Goal, parent *graph.ExecutionState, mem *graph.Memory, start, join string, log *eventlog.Log, ctrl *runControl) (graph.Verdict, error) {
	visits := map[string]int{}
	nodeID := start
	lastVerdict := graph.VerdictAccept

	for {
		if ctrl.quit.Load() {
			return "", errs.New(errs.Cancelled, "run cancelled during parallel branch")
		}
		if nodeID == join {
			return lastVerdict, nil
		}
		if g.TerminalNodeIDs[nodeID] {
			return lastVerdict, nil
		}

		node, ok := g.NodeByID(nodeID)
		if !ok {
			return "", errs.Newf(errs.GraphInvalid, "branch node %q does not resolve", nodeID)
		}

		visits[nodeID]++
		if visits[nodeID] > node.MaxVisits {
			return "", errs.Newf(errs.NodeMaxVisits, "branch node %q exceeded max_visits", nodeID)
		}

		judgment, err := x.visitNode(ctx, *node, mem, goal, parent.FailedNodes[nodeID], log)
		if err != nil {
			return "", err
		}
		lastVerdict = judgment.Verdict

		if hardConstraintViolated(goal, judgment) {
			return "", errs.Newf(errs.HardConstraintViolated, "hard constraint violated in branch node %q", nodeID)
		}

		edge, err := graph.NextEdge(g, nodeID, judgment.Verdict, mem)
		if err != nil {
			return "", err
		}
		if _, ok := g.NodeByID(edge.Target); !ok {
			return "", errs.Newf(errs.GraphInvalid, "branch edge target %q does not resolve", edge.Target)
		}
		nodeID = edge.Target
	}
}
