package eventloop

import (
	"context"
	"strings"
	"testing"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/graph"
	"github.com/hupe1980/agentcore/judge"
	"github.com/hupe1980/agentcore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays one assistant turn (a set of Parts) per Generate
// call, in order, and records every request's Instructions so tests can
// assert that RETRY feedback actually reached the prompt.
type scriptedModel struct {
	turns        [][]core.Part
	idx          int
	instructions []string
}

func (m *scriptedModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	m.instructions = append(m.instructions, req.Instructions)
	parts := m.turns[m.idx]
	m.idx++
	go func() {
		defer close(respCh)
		defer close(errCh)
		respCh <- model.Response{Partial: false, Content: core.Content{Role: "assistant", Parts: parts}}
	}()
	return respCh, errCh
}

func (m *scriptedModel) Info() model.Info { return model.Info{Name: "scripted"} }

func setOutputCall(id, argsJSON string) core.Part {
	return core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: id, Name: setOutputTool, Arguments: argsJSON}}
}

func TestVisitHappyPathAccepts(t *testing.T) {
	node := graph.Node{
		ID: "summarize", Kind: graph.NodeEventLoop,
		OutputKeys: []string{"summary"}, MaxVisits: 1, MaxStepsPerVisit: 3,
		SystemPrompt: "Summarize the input.",
	}
	mem := graph.NewMemory()
	goal := graph.Goal{ID: "g1", Description: "produce a summary"}
	m := &scriptedModel{turns: [][]core.Part{{setOutputCall("1", `{"summary":"a good summary"}`)}}}

	result, err := Visit(context.Background(), node, mem, goal, "", Deps{LLM: m, Judge: judge.New()})
	require.NoError(t, err)
	assert.Equal(t, graph.VerdictAccept, result.Judgment.Verdict)

	v, ok := mem.Get("summary")
	require.True(t, ok)
	assert.Equal(t, graph.StringValue("a good summary"), v)
}

func TestVisitRetryFeedbackReachesNextVisitsPrompt(t *testing.T) {
	node := graph.Node{
		ID: "extract", Kind: graph.NodeEventLoop,
		OutputKeys: []string{"amount"}, MaxVisits: 2, MaxStepsPerVisit: 2,
		SystemPrompt: "Extract the amount.",
	}
	mem := graph.NewMemory()
	goal := graph.Goal{ID: "g1", Description: "extract a number"}
	j := judge.New()

	// First visit: model never calls set_output at all, so the required key
	// stays missing and the judge's missing_required_output rule fires RETRY.
	m1 := &scriptedModel{turns: [][]core.Part{{core.TextPart{Text: "thinking..."}}}}
	first, err := Visit(context.Background(), node, mem, goal, "", Deps{LLM: m1, Judge: j})
	require.NoError(t, err)
	require.Equal(t, graph.VerdictRetry, first.Judgment.Verdict)
	require.NotEmpty(t, first.Judgment.Feedback)

	// Second visit: feedback from the first visit must appear in the composed
	// prompt, and this time the model supplies the output.
	m2 := &scriptedModel{turns: [][]core.Part{{setOutputCall("1", `{"amount":42}`)}}}
	second, err := Visit(context.Background(), node, mem, goal, first.Judgment.Feedback, Deps{LLM: m2, Judge: j})
	require.NoError(t, err)
	assert.Equal(t, graph.VerdictAccept, second.Judgment.Verdict)
	require.Len(t, m2.instructions, 1)
	assert.True(t, strings.Contains(m2.instructions[0], first.Judgment.Feedback))
}

func TestVisitClientFacingGuardBlocksPrematureSetOutput(t *testing.T) {
	node := graph.Node{
		ID: "clarify", Kind: graph.NodeClientFacingEventLoop,
		OutputKeys: []string{"answer"}, MaxVisits: 1, MaxStepsPerVisit: 3,
		SystemPrompt: "Help the user; ask before answering.",
	}
	mem := graph.NewMemory()
	goal := graph.Goal{ID: "g1", Description: "answer the user"}

	m := &scriptedModel{turns: [][]core.Part{
		{setOutputCall("1", `{"answer":"too early"}`)}, // rejected: no user-input round yet
		{core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "2", Name: requestUserInputTool, Arguments: `{"prompt":"what do you need?"}`}}},
		{setOutputCall("3", `{"answer":"now it's fine"}`)},
	}}

	result, err := Visit(context.Background(), node, mem, goal, "", Deps{LLM: m, Judge: judge.New()})
	require.NoError(t, err)
	assert.Equal(t, graph.VerdictAccept, result.Judgment.Verdict)

	v, ok := mem.Get("answer")
	require.True(t, ok)
	assert.Equal(t, graph.StringValue("now it's fine"), v)
	assert.Equal(t, 3, m.idx, "the premature set_output must have consumed a step and been rejected rather than silently dropped")
}

func TestVisitRejectsNonEventLoopNode(t *testing.T) {
	node := graph.Node{ID: "fn", Kind: graph.NodeFunction, MaxVisits: 1}
	_, err := Visit(context.Background(), node, graph.NewMemory(), graph.Goal{}, "", Deps{Judge: judge.New()})
	require.Error(t, err)
}
