// Package executor implements the Graph Executor (§4.1): the scheduling loop
// that drives a graph's nodes through the event-loop and function-node
// runtimes, evaluates outgoing edges against the Judge's verdict, checkpoints
// progress into the Session Store, and runs structurally-independent
// branches in parallel. Grounded on engine/engine.go's functional-options
// constructor and active-invocation/cancel-func bookkeeping, and on
// agent/parallel.go's goroutine-per-branch fan-out with a shared error
// channel, generalized from the agent/session model to the graph/node/memory
// model eventloop already established.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentcore/errs"
	"github.com/hupe1980/agentcore/eventlog"
	"github.com/hupe1980/agentcore/eventloop"
	"github.com/hupe1980/agentcore/graph"
	"github.com/hupe1980/agentcore/judge"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/session"
	"github.com/hupe1980/agentcore/tool"
)

// TerminationReason is why Execute/Resume/Recover stopped advancing the run.
type TerminationReason string

const (
	TerminatedTerminalNode   TerminationReason = "terminal_node"
	TerminatedNoValidEdge    TerminationReason = "no_valid_edge"
	TerminatedHardConstraint TerminationReason = "hard_constraint"
	TerminatedMaxVisits      TerminationReason = "max_visits"
	TerminatedPauseRequested TerminationReason = "pause_requested"
	TerminatedCancelled      TerminationReason = "cancelled"
)

// FunctionHandler is the pure input→output mapping a function-kind node
// runs (§4.1 step 3: "for function nodes, a pure mapping from declared
// inputs to declared outputs"). Returned keys not in node.OutputKeys are a
// hard-constraint violation, mirroring set_output's own key discipline.
type FunctionHandler func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// RunResult is what Execute/Resume/Recover return: the final execution
// state, a direct handle to its memory, why the run stopped, and the full
// step log for the run.
type RunResult struct {
	SessionID    string
	State        *graph.ExecutionState
	Memory       *graph.Memory
	TerminatedBy TerminationReason
	Events       []eventlog.NodeStepRecord
	Summary      eventlog.RunSummary
}

// Config tunes the scheduling loop.
type Config struct {
	// StepTimeout sets an event-loop visit's total budget,
	// MaxStepsPerVisit*StepTimeout (§5's whole-visit timeout). Single LLM and
	// tool calls get no timeout of their own.
	StepTimeout time.Duration
	// MaxParallelBranches sizes the ants worker pool backing parallel
	// batches (§5's per-run worker pool backpressure).
	MaxParallelBranches int
	// Quiescence is carried in the configuration but not read by the
	// Executor: neither Cancel nor Pause waits on it or abandons a step
	// when it elapses.
	Quiescence time.Duration
}

// DefaultConfig matches §5's stated defaults (60s step timeout, 5s quiescence).
var DefaultConfig = Config{
	StepTimeout:         60 * time.Second,
	MaxParallelBranches: 4,
	Quiescence:          5 * time.Second,
}

// Options configures an Executor via the functional-options pattern the rest
// of the project uses (executor, then judge/rules, then the CLI entry point).
type Options struct {
	Config    Config
	LLM       model.Model
	Tools     tool.Dispatcher
	Judge     judge.Judge
	Sessions  session.Store
	Logger    logging.Logger
	Functions map[string]FunctionHandler
	IDGen     func() string
}

// Executor runs graphs to completion, or to a pause/cancel/escalation
// boundary, against a single shared set of collaborators.
type Executor struct {
	cfg       Config
	llm       model.Model
	tools     tool.Dispatcher
	judge     judge.Judge
	sessions  session.Store
	logger    logging.Logger
	functions map[string]FunctionHandler
	idGen     func() string

	mu   sync.Mutex
	runs map[string]*runControl
}

type runControl struct {
	cancelFn func()
	paused   atomic.Bool
	quit     atomic.Bool
}

// WithConfig overrides the default Config.
func WithConfig(c Config) func(*Options) { return func(o *Options) { o.Config = c } }

// WithLLM sets the model driving every event-loop node's completions.
func WithLLM(m model.Model) func(*Options) { return func(o *Options) { o.LLM = m } }

// WithTools sets the dispatcher event-loop nodes call non-privileged tools
// through.
func WithTools(d tool.Dispatcher) func(*Options) { return func(o *Options) { o.Tools = d } }

// WithJudge overrides the default hybrid judge.
func WithJudge(j judge.Judge) func(*Options) { return func(o *Options) { o.Judge = j } }

// WithSessions overrides the default volatile Session Store.
func WithSessions(s session.Store) func(*Options) { return func(o *Options) { o.Sessions = s } }

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) func(*Options) { return func(o *Options) { o.Logger = l } }

// WithFunction registers the handler a function-kind node with the given id
// runs.
func WithFunction(nodeID string, h FunctionHandler) func(*Options) {
	return func(o *Options) {
		if o.Functions == nil {
			o.Functions = map[string]FunctionHandler{}
		}
		o.Functions[nodeID] = h
	}
}

// WithIDGen overrides the generator used for session and checkpoint ids.
func WithIDGen(gen func() string) func(*Options) { return func(o *Options) { o.IDGen = gen } }

// New constructs an Executor with in-memory defaults (a volatile session
// store, an empty tool registry, the default hybrid judge) suitable for
// tests and single-process use.
func New(optFns ...func(*Options)) *Executor {
	opts := Options{
		Config:    DefaultConfig,
		Tools:     tool.NewRegistry(),
		Judge:     judge.New(),
		Logger:    logging.NoOpLogger{},
		Functions: map[string]FunctionHandler{},
		IDGen:     uuid.NewString,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewVolatileStore(opts.IDGen)
	}

	return &Executor{
		cfg:       opts.Config,
		llm:       opts.LLM,
		tools:     opts.Tools,
		judge:     opts.Judge,
		sessions:  opts.Sessions,
		logger:    opts.Logger,
		functions: opts.Functions,
		idGen:     opts.IDGen,
		runs:      map[string]*runControl{},
	}
}

// Execute starts a fresh run of g toward goal, seeding memory from input.
func (x *Executor) Execute(ctx context.Context, g *graph.Graph, goal graph.Goal, input map[string]any) (RunResult, error) {
	sess, err := x.sessions.CreateSession(ctx, goal.ID)
	if err != nil {
		return RunResult{}, errs.Wrap(errs.StorageFailure, "creating session", err)
	}
	state, err := graph.NewExecutionState(sess.ID, input)
	if err != nil {
		return RunResult{}, err
	}
	return x.run(ctx, g, goal, state, sess.ID, eventlog.New(sess.ID, goal.ID))
}

// Resume continues a paused or failed session from its latest checkpoint
// (§4.5). A pause checkpoint names the node the run was about to enter, so
// that node's visit is counted once, on resume; resuming from a node_entry
// or node_complete checkpoint re-enters that checkpoint's node as a new visit.
func (x *Executor) Resume(ctx context.Context, g *graph.Graph, goal graph.Goal, sessionID string) (RunResult, error) {
	sess, err := x.loadResumable(ctx, sessionID, "resumed")
	if err != nil {
		return RunResult{}, err
	}
	state, err := session.Resume(sess)
	if err != nil {
		return RunResult{}, err
	}
	return x.run(ctx, g, goal, state, sessionID, eventlog.New(sess.ID, sess.GoalID))
}

// Recover rewinds a session to checkpointID, discarding everything recorded
// after it, then continues execution from there (§4.5).
func (x *Executor) Recover(ctx context.Context, g *graph.Graph, goal graph.Goal, sessionID, checkpointID string) (RunResult, error) {
	sess, err := x.loadResumable(ctx, sessionID, "recovered")
	if err != nil {
		return RunResult{}, err
	}
	found := false
	for _, cp := range sess.Checkpoints {
		if cp.ID == checkpointID {
			found = true
			break
		}
	}
	if !found {
		return RunResult{}, errs.Newf(errs.SessionNotFound, "checkpoint %q not found for session %q", checkpointID, sessionID)
	}
	if err := x.sessions.TruncateCheckpointsAfter(ctx, sessionID, checkpointID); err != nil {
		return RunResult{}, err
	}
	sess, err = x.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return RunResult{}, err
	}
	state, err := session.Recover(sess)
	if err != nil {
		return RunResult{}, err
	}
	return x.run(ctx, g, goal, state, sessionID, eventlog.New(sess.ID, sess.GoalID))
}

func (x *Executor) loadResumable(ctx context.Context, sessionID, verb string) (session.Session, error) {
	sess, err := x.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status != session.StatusPaused && sess.Status != session.StatusFailed {
		return session.Session{}, errs.Newf(errs.SessionNotResumable, "session %q has status %q and cannot be %s", sessionID, sess.Status, verb)
	}
	return sess, nil
}

// Pause asynchronously requests that runID suspend at its next inter-step
// boundary and write a pause checkpoint. It returns a SessionNotFound error
// if runID is unknown (already finished, or never started against this
// Executor instance).
func (x *Executor) Pause(runID string) error {
	ctrl := x.lookupRun(runID)
	if ctrl == nil {
		return errs.Newf(errs.SessionNotFound, "run %q is not active", runID)
	}
	ctrl.paused.Store(true)
	return nil
}

// Cancel asynchronously requests that runID stop; unlike Pause this is
// terminal and the in-flight step's context is cancelled immediately rather
// than waiting for the next boundary. Cancel does not force-abandon the
// in-flight step: the run stops at the first boundary after that step
// returns, however long that takes, and Config.Quiescence is not applied.
func (x *Executor) Cancel(runID string) error {
	ctrl := x.lookupRun(runID)
	if ctrl == nil {
		return errs.Newf(errs.SessionNotFound, "run %q is not active", runID)
	}
	ctrl.quit.Store(true)
	ctrl.cancelFn()
	return nil
}

func (x *Executor) lookupRun(runID string) *runControl {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.runs[runID]
}

// run is the shared tail of Execute/Resume/Recover: register the run for
// Pause/Cancel, drive the scheduling loop, and translate its outcome into a
// RunResult plus a final session status.
func (x *Executor) run(ctx context.Context, g *graph.Graph, goal graph.Goal, state *graph.ExecutionState, sessionID string, log *eventlog.Log) (RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	ctrl := &runControl{cancelFn: cancel}

	x.mu.Lock()
	x.runs[sessionID] = ctrl
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.runs, sessionID)
		x.mu.Unlock()
		cancel()
	}()

	reason, err := x.runLoop(runCtx, g, goal, state, sessionID, log, ctrl)
	result := RunResult{
		SessionID: sessionID,
		State:     state,
		Memory:    state.Memory,
		Events:    log.Steps(""),
	}
	if err != nil {
		x.logger.Error("executor.aborted", "session", sessionID, "error", err.Error())
		_ = x.sessions.SetStatus(ctx, sessionID, session.StatusFailed)
		result.Summary = log.Summary(string(session.StatusFailed))
		return result, err
	}

	status := terminationStatus(reason)
	_ = x.sessions.SetStatus(ctx, sessionID, status)
	result.TerminatedBy = reason
	result.Summary = log.Summary(string(status))
	return result, nil
}

func terminationStatus(r TerminationReason) session.Status {
	switch r {
	case TerminatedTerminalNode:
		return session.StatusCompleted
	case TerminatedPauseRequested:
		return session.StatusPaused
	case TerminatedCancelled:
		return session.StatusCancelled
	default: // no_valid_edge, hard_constraint, max_visits
		return session.StatusEscalated
	}
}

// runLoop is the scheduling loop proper (§4.1 steps 1-5). A non-nil error
// means the executor itself aborted (storage failure, invariant breach); a
// nil error with a TerminationReason means the run stopped for a reason the
// graph or the caller chose, which is not a failure of the executor.
func (x *Executor) runLoop(ctx context.Context, g *graph.Graph, goal graph.Goal, state *graph.ExecutionState, sessionID string, log *eventlog.Log, ctrl *runControl) (TerminationReason, error) {
	nodeID := state.LastNodeID
	if nodeID == "" {
		nodeID = g.EntryNodeID
	}

	for {
		if ctrl.quit.Load() {
			return TerminatedCancelled, nil
		}
		if ctrl.paused.Load() {
			state.LastNodeID = nodeID
			if err := x.checkpoint(ctx, sessionID, state, graph.CheckpointPause); err != nil {
				return "", err
			}
			return TerminatedPauseRequested, nil
		}

		if g.TerminalNodeIDs[nodeID] {
			return TerminatedTerminalNode, nil
		}
		node, ok := g.NodeByID(nodeID)
		if !ok {
			return "", errs.Newf(errs.GraphInvalid, "node %q does not resolve", nodeID)
		}

		state.VisitCounts[nodeID]++
		if state.VisitCounts[nodeID] > node.MaxVisits {
			log.Append(eventlog.NodeStepRecord{NodeID: nodeID, NodeKind: node.Kind, Error: "max_visits exceeded"})
			if edge, err := graph.NextEdge(g, nodeID, graph.VerdictEscalate, state.Memory); err == nil {
				if _, ok := g.NodeByID(edge.Target); !ok {
					return "", errs.Newf(errs.GraphInvalid, "edge target %q does not resolve", edge.Target)
				}
				state.LastVerdict = graph.VerdictEscalate
				nodeID = edge.Target
				continue
			}
			return TerminatedMaxVisits, nil
		}

		state.LastNodeID = nodeID
		if err := x.checkpoint(ctx, sessionID, state, graph.CheckpointNodeEntry); err != nil {
			return "", err
		}

		feedback := state.FailedNodes[nodeID]
		judgment, err := x.visitNode(ctx, *node, state.Memory, goal, feedback, log)
		if err != nil {
			return "", err
		}
		state.StepCounter++
		state.LastVerdict = judgment.Verdict

		if hardConstraintViolated(goal, judgment) {
			state.FailedNodes[nodeID] = judgment.Feedback
			log.Append(eventlog.NodeStepRecord{
				NodeID: nodeID, NodeKind: node.Kind,
				Error: "hard constraint violated: " + strings.Join(judgment.ViolatedConstraints, ", "),
			})
			return TerminatedHardConstraint, nil
		}

		switch judgment.Verdict {
		case graph.VerdictAccept:
			state.CompletedNodes[nodeID] = true
			delete(state.FailedNodes, nodeID)
			if err := x.checkpoint(ctx, sessionID, state, graph.CheckpointNodeComplete); err != nil {
				return "", err
			}
		case graph.VerdictRetry, graph.VerdictEscalate:
			state.FailedNodes[nodeID] = judgment.Feedback
		}

		matched := matchingEdges(g, nodeID, judgment.Verdict, state.Memory)
		if len(matched) == 0 {
			return TerminatedNoValidEdge, nil
		}

		if len(matched) > 1 {
			if join, ok := independentBranches(g, matched); ok {
				if err := x.runParallelBatch(ctx, g, goal, state, matched, join, sessionID, log, ctrl); err != nil {
					return "", err
				}
				nodeID = join
				continue
			}
		}

		edge := matched[0]
		if _, ok := g.NodeByID(edge.Target); !ok {
			return "", errs.Newf(errs.GraphInvalid, "edge target %q does not resolve", edge.Target)
		}
		nodeID = edge.Target
	}
}

// visitNode dispatches to the event-loop runtime or the function-node
// mapping depending on node.Kind, applying the whole-visit timeout §5
// describes for event-loop nodes.
func (x *Executor) visitNode(ctx context.Context, node graph.Node, mem *graph.Memory, goal graph.Goal, feedback string, log *eventlog.Log) (graph.Judgment, error) {
	if !node.IsEventLoop() {
		return x.runFunctionNode(ctx, node, mem, goal)
	}

	visitCtx := ctx
	if x.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		budget := time.Duration(node.MaxStepsPerVisit) * x.cfg.StepTimeout
		visitCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	result, err := eventloop.Visit(visitCtx, node, mem, goal, feedback, eventloop.Deps{
		LLM: x.llm, Tools: x.tools, Judge: x.judge, Log: log, Logger: x.logger,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return graph.Judgment{Verdict: graph.VerdictEscalate, Feedback: "whole-visit timeout exceeded"}, nil
		}
		return graph.Judgment{}, err
	}
	return result.Judgment, nil
}

// runFunctionNode applies a registered FunctionHandler's declared outputs to
// memory and consults the Judge exactly as an event-loop visit's final step
// would, so function and event-loop nodes share one acceptance path.
func (x *Executor) runFunctionNode(ctx context.Context, node graph.Node, mem *graph.Memory, goal graph.Goal) (graph.Judgment, error) {
	handler, ok := x.functions[node.ID]
	if !ok {
		return graph.Judgment{}, errs.Newf(errs.GraphInvalid, "function node %q has no registered handler", node.ID)
	}

	inputs := map[string]any{}
	for _, k := range node.InputKeys {
		if v, ok := mem.Get(k); ok {
			inputs[k] = graph.ToAny(v)
		}
	}

	outputs, err := handler(ctx, inputs)
	if err != nil {
		return graph.Judgment{Verdict: graph.VerdictEscalate, Feedback: err.Error()}, nil
	}

	declared := map[string]bool{}
	for _, k := range node.OutputKeys {
		declared[k] = true
	}
	for key, val := range outputs {
		if !declared[key] {
			return graph.Judgment{}, errs.Newf(errs.HardConstraintViolated, "function node %q returned undeclared output key %q", node.ID, key)
		}
		if err := mem.Set(key, graph.FromAny(val), node.ID); err != nil {
			return graph.Judgment{}, err
		}
	}

	judgment, err := x.judge.Evaluate(ctx, node, mem, goal)
	if err != nil {
		return graph.Judgment{}, err
	}
	if judgment.Verdict == graph.VerdictContinue {
		// Function nodes run exactly once per visit; there is no further
		// loop to hand CONTINUE back to, so treat it as acceptance.
		judgment.Verdict = graph.VerdictAccept
	}
	return judgment, nil
}

func (x *Executor) checkpoint(ctx context.Context, sessionID string, state *graph.ExecutionState, kind graph.CheckpointKind) error {
	cp := graph.Checkpoint{ID: x.idGen(), Ts: time.Now(), Kind: kind, Snapshot: state.Snapshot()}
	if err := x.sessions.AppendCheckpoint(ctx, sessionID, cp); err != nil {
		return errs.Wrap(errs.StorageFailure, fmt.Sprintf("writing %s checkpoint", kind), err)
	}
	return nil
}

func hardConstraintViolated(goal graph.Goal, j graph.Judgment) bool {
	if len(j.ViolatedConstraints) == 0 {
		return false
	}
	hard := map[string]bool{}
	for _, c := range goal.HardConstraints() {
		hard[c.ID] = true
	}
	for _, id := range j.ViolatedConstraints {
		if hard[id] {
			return true
		}
	}
	return false
}

// matchingEdges returns every outgoing edge whose condition fires, in
// declared order — the superset NextEdge's first-match selection draws from,
// and the set a parallel-batch opportunity is detected against.
func matchingEdges(g *graph.Graph, nodeID string, verdict graph.Verdict, mem *graph.Memory) []graph.Edge {
	var out []graph.Edge
	for _, e := range g.OutgoingEdges(nodeID) {
		if e.Condition.Matches(verdict, mem) {
			out = append(out, e)
		}
	}
	return out
}

// poolSize floors MaxParallelBranches at 1: ants.NewPool rejects a
// non-positive size outright.
func poolSize(cfg Config) int {
	if cfg.MaxParallelBranches <= 0 {
		return 1
	}
	return cfg.MaxParallelBranches
}
