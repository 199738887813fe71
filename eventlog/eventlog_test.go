package eventlog

import (
	"testing"

	"github.com/hupe1980/agentcore/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAllocatesMonotonicStepNumbersPerNode(t *testing.T) {
	l := New("run1", "goal1")
	r1 := l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictContinue})
	r2 := l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictAccept})
	assert.Equal(t, 0, r1.StepNo)
	assert.Equal(t, 1, r2.StepNo)

	r3 := l.Append(NodeStepRecord{NodeID: "other", Verdict: graph.VerdictContinue})
	assert.Equal(t, 0, r3.StepNo)
}

func TestNodeDetailAggregatesVerdictCounts(t *testing.T) {
	l := New("run1", "goal1")
	l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictRetry, InputTokens: 10})
	l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictRetry, InputTokens: 10})
	l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictAccept, InputTokens: 10})

	d, ok := l.NodeDetailFor("intake")
	require.True(t, ok)
	assert.Equal(t, 2, d.RetryCount)
	assert.Equal(t, 1, d.AcceptCount)
	assert.Equal(t, "accepted", d.ExitStatus)
	assert.Equal(t, 30, d.InputTokens)
}

func TestNeedsAttentionOnExcessiveRetries(t *testing.T) {
	l := New("run1", "goal1")
	for i := 0; i < retryAttentionThreshold+1; i++ {
		l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictRetry})
	}
	d, ok := l.NodeDetailFor("intake")
	require.True(t, ok)
	assert.True(t, d.NeedsAttention)
	assert.Contains(t, d.AttentionReasons, "retry_count_exceeded")
}

func TestNeedsAttentionOnTokenBudget(t *testing.T) {
	l := New("run1", "goal1")
	l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictContinue, InputTokens: tokenAttentionThreshold + 1})
	d, ok := l.NodeDetailFor("intake")
	require.True(t, ok)
	assert.True(t, d.NeedsAttention)
	assert.Contains(t, d.AttentionReasons, "token_budget_exceeded")
}

func TestSummaryAggregatesAcrossNodesAndPropagatesAttention(t *testing.T) {
	l := New("run1", "goal1")
	l.Append(NodeStepRecord{NodeID: "intake", Verdict: graph.VerdictAccept, InputTokens: 5, OutputTokens: 7})
	l.Append(NodeStepRecord{NodeID: "summarize", Verdict: graph.VerdictEscalate})
	l.Append(NodeStepRecord{NodeID: "summarize", Verdict: graph.VerdictEscalate})
	l.Append(NodeStepRecord{NodeID: "summarize", Verdict: graph.VerdictEscalate})

	summary := l.Summary("running")
	assert.Equal(t, []string{"intake", "summarize"}, summary.NodePath)
	assert.Equal(t, 5, summary.TotalInputTokens)
	assert.Equal(t, 7, summary.TotalOutputTokens)
	assert.True(t, summary.NeedsAttention)
	assert.Contains(t, summary.AttentionReasons, "escalate_count_exceeded")
}

func TestStepsFilteredByNode(t *testing.T) {
	l := New("run1", "goal1")
	l.Append(NodeStepRecord{NodeID: "intake"})
	l.Append(NodeStepRecord{NodeID: "summarize"})
	l.Append(NodeStepRecord{NodeID: "intake"})

	assert.Len(t, l.Steps(""), 3)
	assert.Len(t, l.Steps("intake"), 2)
}
