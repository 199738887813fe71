package graph

import "time"

// StepKind enumerates the event-log entry kinds (§3).
type StepKind string

const (
	StepLLMCall           StepKind = "llm_call"
	StepToolCall          StepKind = "tool_call"
	StepToolResult        StepKind = "tool_result"
	StepSetOutput         StepKind = "set_output"
	StepJudgeVerdict      StepKind = "judge_verdict"
	StepUserInputRequest  StepKind = "user_input_request"
	StepUserInputReceived StepKind = "user_input_received"
)

// Step is one indivisible event-log entry inside a node visit.
type Step struct {
	RunID      string
	NodeID     string
	StepNo     int
	Kind       StepKind
	Payload    map[string]any
	TokensUsed int
	LatencyMS  int64
	Timestamp  time.Time
}

// CheckpointKind enumerates the boundaries the executor checkpoints at (§4.1).
type CheckpointKind string

const (
	CheckpointNodeEntry    CheckpointKind = "node_entry"
	CheckpointNodeComplete CheckpointKind = "node_complete"
	CheckpointPause        CheckpointKind = "pause"
	CheckpointPeriodic     CheckpointKind = "periodic"
)

// ExecutionStateSnapshot is the serializable form of ExecutionState embedded
// in a Checkpoint and persisted by the Session Store.
type ExecutionStateSnapshot struct {
	RunID          string
	Input          map[string]any
	MemoryRaw      map[string]string
	MemoryWriter   map[string]string
	VisitCounts    map[string]int
	LastNodeID     string
	LastVerdict    Verdict
	StepCounter    int
	CompletedNodes map[string]bool
	PausedAt       string
	FailedNodes    map[string]string
}

// Checkpoint is a complete resumption point (§3): recovering from it
// re-enters the graph at LastNodeID with the snapshot's memory.
type Checkpoint struct {
	ID       string
	Ts       time.Time
	Kind     CheckpointKind
	Snapshot ExecutionStateSnapshot
}

// ExecutionState is the live, in-memory run state the executor mutates
// during Execute/Resume/Recover.
type ExecutionState struct {
	RunID          string
	Input          map[string]any
	Memory         *Memory
	VisitCounts    map[string]int
	LastNodeID     string
	LastVerdict    Verdict
	StepCounter    int
	CompletedNodes map[string]bool
	PausedAt       string
	FailedNodes    map[string]string
}

// NewExecutionState seeds a fresh ExecutionState for runID from input.
func NewExecutionState(runID string, input map[string]any) (*ExecutionState, error) {
	mem, err := NewMemorySeeded(input)
	if err != nil {
		return nil, err
	}
	return &ExecutionState{
		RunID:          runID,
		Input:          input,
		Memory:         mem,
		VisitCounts:    map[string]int{},
		CompletedNodes: map[string]bool{},
		FailedNodes:    map[string]string{},
	}, nil
}

// Snapshot serializes the current state for a Checkpoint.
func (es *ExecutionState) Snapshot() ExecutionStateSnapshot {
	completed := make(map[string]bool, len(es.CompletedNodes))
	for k, v := range es.CompletedNodes {
		completed[k] = v
	}
	failed := make(map[string]string, len(es.FailedNodes))
	for k, v := range es.FailedNodes {
		failed[k] = v
	}
	visits := make(map[string]int, len(es.VisitCounts))
	for k, v := range es.VisitCounts {
		visits[k] = v
	}
	return ExecutionStateSnapshot{
		RunID:          es.RunID,
		Input:          es.Input,
		MemoryRaw:      es.Memory.Snapshot(),
		MemoryWriter:   es.memoryWriterSnapshot(),
		VisitCounts:    visits,
		LastNodeID:     es.LastNodeID,
		LastVerdict:    es.LastVerdict,
		StepCounter:    es.StepCounter,
		CompletedNodes: completed,
		PausedAt:       es.PausedAt,
		FailedNodes:    failed,
	}
}

func (es *ExecutionState) memoryWriterSnapshot() map[string]string {
	out := map[string]string{}
	for _, k := range es.Memory.Keys() {
		if w, ok := es.Memory.Writer(k); ok {
			out[k] = w
		}
	}
	return out
}

// RestoreExecutionState rebuilds a live ExecutionState from a snapshot, used
// by Resume and Recover.
func RestoreExecutionState(snap ExecutionStateSnapshot) *ExecutionState {
	visits := make(map[string]int, len(snap.VisitCounts))
	for k, v := range snap.VisitCounts {
		visits[k] = v
	}
	completed := make(map[string]bool, len(snap.CompletedNodes))
	for k, v := range snap.CompletedNodes {
		completed[k] = v
	}
	failed := make(map[string]string, len(snap.FailedNodes))
	for k, v := range snap.FailedNodes {
		failed[k] = v
	}
	return &ExecutionState{
		RunID:          snap.RunID,
		Input:          snap.Input,
		Memory:         RestoreMemory(snap.MemoryRaw, snap.MemoryWriter),
		VisitCounts:    visits,
		LastNodeID:     snap.LastNodeID,
		LastVerdict:    snap.LastVerdict,
		StepCounter:    snap.StepCounter,
		CompletedNodes: completed,
		PausedAt:       snap.PausedAt,
		FailedNodes:    failed,
	}
}

// CloneMemory returns a branch-local copy of the execution state's memory only;
// visit counts/step counters stay with the parent run (branches don't
// re-increment visits on the shared graph, only within their own sub-path,
// which the executor tracks separately per branch).
func (es *ExecutionState) CloneMemory() *Memory {
	return es.Memory.Clone()
}
