// Package eventlog implements the Runtime Event Log component (§4.6): an
// append-only record of every step taken during a run, queryable at three
// levels of granularity mirroring the original implementation's
// runtime_log_schemas.py — L1 run summary, L2 per-node detail, L3 raw steps.
package eventlog

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/graph"
)

// ToolCallRecord is one tool invocation inside a step (L3 leaf detail).
type ToolCallRecord struct {
	ToolUseID string
	ToolName  string
	Input     map[string]any
	Result    any
	IsError   bool
}

// NodeStepRecord is one L3 raw log entry: a single step of a single node
// visit.
type NodeStepRecord struct {
	RunID         string
	NodeID        string
	NodeKind      graph.NodeKind
	StepNo        int
	LLMText       string
	ToolCalls     []ToolCallRecord
	InputTokens   int
	OutputTokens  int
	LatencyMS     int64
	Verdict       graph.Verdict
	VerdictFeedback string
	Error         string
	IsPartial     bool
	Timestamp     time.Time
}

// NodeDetail is the L2 per-node roll-up, updated incrementally as steps for
// that node arrive, accumulated across all of the node's visits.
type NodeDetail struct {
	NodeID         string
	NodeKind       graph.NodeKind
	Attempt        int
	TotalSteps     int
	InputTokens    int
	OutputTokens   int
	LatencyMS      int64
	AcceptCount    int
	RetryCount     int
	EscalateCount  int
	ContinueCount  int
	ExitStatus     string // "accepted" | "escalated" | "in_progress"
	NeedsAttention bool
	AttentionReasons []string
	Error          string
}

// RunSummary is the L1 top-level roll-up for a run.
type RunSummary struct {
	RunID              string
	GoalID             string
	Status             string
	TotalNodesExecuted int
	NodePath           []string
	TotalInputTokens   int
	TotalOutputTokens  int
	NeedsAttention     bool
	AttentionReasons   []string
	StartedAt          time.Time
	DurationMS         int64
}

// Attention thresholds mirror the original implementation's operator-facing
// heuristics for flagging a run/node as needing a human look.
const (
	retryAttentionThreshold    = 3
	escalateAttentionThreshold = 2
	latencyAttentionThresholdMS = 60_000
	tokenAttentionThreshold    = 100_000
	stepAttentionThreshold     = 20
)

// Log is the append-only, query-capable event log for one run.
type Log struct {
	mu       sync.Mutex
	runID    string
	goalID   string
	started  time.Time
	steps    []NodeStepRecord
	nextStep map[string]int // per-node step counter, running across all of the node's visits
	nodePath []string
	details  map[string]*NodeDetail // keyed by nodeID, accumulated across visits
}

// New creates an empty Log for a run.
func New(runID, goalID string) *Log {
	return &Log{
		runID:    runID,
		goalID:   goalID,
		started:  time.Now(),
		nextStep: map[string]int{},
		details:  map[string]*NodeDetail{},
	}
}

// Append records one L3 step. RunID/StepNo are stamped here; callers pass
// everything else. A per-run, per-node counter allocates monotonically
// increasing step numbers even under concurrent node visits (parallel
// branches), since each branch runs a different node.
func (l *Log) Append(rec NodeStepRecord) NodeStepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.RunID = l.runID
	rec.StepNo = l.nextStep[rec.NodeID]
	l.nextStep[rec.NodeID]++
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	l.steps = append(l.steps, rec)

	if len(l.nodePath) == 0 || l.nodePath[len(l.nodePath)-1] != rec.NodeID {
		l.nodePath = append(l.nodePath, rec.NodeID)
	}

	l.updateDetail(rec)
	return rec
}

func (l *Log) updateDetail(rec NodeStepRecord) {
	d, ok := l.details[rec.NodeID]
	if !ok {
		d = &NodeDetail{NodeID: rec.NodeID, NodeKind: rec.NodeKind, ExitStatus: "in_progress"}
		l.details[rec.NodeID] = d
	}
	d.TotalSteps++
	d.InputTokens += rec.InputTokens
	d.OutputTokens += rec.OutputTokens
	d.LatencyMS += rec.LatencyMS
	if rec.Error != "" {
		d.Error = rec.Error
	}

	switch rec.Verdict {
	case graph.VerdictAccept:
		d.AcceptCount++
		d.ExitStatus = "accepted"
	case graph.VerdictRetry:
		d.RetryCount++
	case graph.VerdictEscalate:
		d.EscalateCount++
		d.ExitStatus = "escalated"
	case graph.VerdictContinue:
		d.ContinueCount++
	}

	d.NeedsAttention, d.AttentionReasons = needsAttention(*d)
}

func needsAttention(d NodeDetail) (bool, []string) {
	var reasons []string
	if d.RetryCount > retryAttentionThreshold {
		reasons = append(reasons, "retry_count_exceeded")
	}
	if d.EscalateCount > escalateAttentionThreshold {
		reasons = append(reasons, "escalate_count_exceeded")
	}
	if d.LatencyMS > latencyAttentionThresholdMS {
		reasons = append(reasons, "latency_exceeded")
	}
	if d.InputTokens+d.OutputTokens > tokenAttentionThreshold {
		reasons = append(reasons, "token_budget_exceeded")
	}
	if d.TotalSteps > stepAttentionThreshold {
		reasons = append(reasons, "step_count_exceeded")
	}
	return len(reasons) > 0, reasons
}

// Steps returns every L3 record, optionally filtered to one node.
func (l *Log) Steps(nodeID string) []NodeStepRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if nodeID == "" {
		out := make([]NodeStepRecord, len(l.steps))
		copy(out, l.steps)
		return out
	}
	var out []NodeStepRecord
	for _, s := range l.steps {
		if s.NodeID == nodeID {
			out = append(out, s)
		}
	}
	return out
}

// NodeDetailFor returns the L2 roll-up for one node.
func (l *Log) NodeDetailFor(nodeID string) (NodeDetail, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.details[nodeID]
	if !ok {
		return NodeDetail{}, false
	}
	return *d, true
}

// NodeDetails returns all L2 roll-ups, ordered by node id for determinism.
func (l *Log) NodeDetails() []NodeDetail {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]NodeDetail, 0, len(l.details))
	for _, d := range l.details {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Summary computes the L1 roll-up from current state.
func (l *Log) Summary(status string) RunSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := RunSummary{
		RunID:              l.runID,
		GoalID:             l.goalID,
		Status:             status,
		TotalNodesExecuted: len(l.nodePath),
		NodePath:           append([]string{}, l.nodePath...),
		StartedAt:          l.started,
		DurationMS:         time.Since(l.started).Milliseconds(),
	}
	for _, d := range l.details {
		s.TotalInputTokens += d.InputTokens
		s.TotalOutputTokens += d.OutputTokens
		if d.NeedsAttention {
			s.NeedsAttention = true
			s.AttentionReasons = append(s.AttentionReasons, d.AttentionReasons...)
		}
	}
	sort.Strings(s.AttentionReasons)
	return s
}
