// Package eventloop implements the Event-Loop Node Runtime (§4.2): the
// per-visit inner loop that composes a system prompt, drives the LLM
// through a bounded number of steps, dispatches tool calls, intercepts the
// privileged set_output tool, enforces the client-facing user-input
// ordering constraint, and finally consults the Judge. Grounded on
// flow/base.go's runOnce (LLM turn → tool loop → next turn) and
// flow/processors.go's InstructionsProcessor/ContentsProcessor, generalized
// from the agent/session model to the graph/node/memory model.
package eventloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/errs"
	"github.com/hupe1980/agentcore/eventlog"
	"github.com/hupe1980/agentcore/graph"
	"github.com/hupe1980/agentcore/judge"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/model"
	"github.com/hupe1980/agentcore/tool"
)

// setOutputTool and requestUserInputTool are privileged names the runtime
// intercepts before reaching the Tool Dispatcher (§4.2): a node must never
// be able to register a tool under either name.
const (
	setOutputTool        = "set_output"
	requestUserInputTool = "request_user_input"
)

// Deps bundles the collaborators a Visit needs. Judge is required; Log and
// Logger may be nil, and Tools may be nil for a node with no declared tools.
type Deps struct {
	LLM    model.Model
	Tools  tool.Dispatcher
	Judge  judge.Judge
	Log    *eventlog.Log
	Logger logging.Logger
}

// Result is what one node visit produced.
type Result struct {
	Judgment graph.Judgment
	Steps    int
}

// Visit runs node's inner loop to completion: up to node.MaxStepsPerVisit
// LLM turns. After a turn that ends without tool calls, or that has a
// set_output call accepted (for client-facing nodes, only once a user-input
// round has happened), it asks the Judge to evaluate the resulting memory;
// every verdict but CONTINUE ends the visit. A visit that uses up its step
// budget returns ESCALATE without asking the Judge. feedback carries the
// previous visit's RETRY feedback, if any, into the composed prompt.
func Visit(ctx context.Context, node graph.Node, mem *graph.Memory, goal graph.Goal, feedback string, deps Deps) (Result, error) {
	if deps.Logger == nil {
		deps.Logger = logging.NoOpLogger{}
	}
	if !node.IsEventLoop() {
		return Result{}, errs.Newf(errs.GraphInvalid, "node %q is not an event-loop node", node.ID)
	}

	history := []core.Content{seedUserContent(node, mem)}
	systemPrompt := composeSystemPrompt(node, feedback)
	toolDefs := buildToolDefinitions(node, deps.Tools)

	hadUserInteraction := false

	consult := func(steps int) (Result, bool, error) {
		judgment, err := deps.Judge.Evaluate(ctx, node, mem, goal)
		if err != nil {
			return Result{}, true, err
		}
		if deps.Log != nil {
			deps.Log.Append(eventlog.NodeStepRecord{NodeID: node.ID, NodeKind: node.Kind, Verdict: judgment.Verdict, VerdictFeedback: judgment.Feedback})
		}
		if judgment.Verdict == graph.VerdictContinue {
			return Result{}, false, nil // more work remains in this visit; keep looping
		}
		return Result{Judgment: judgment, Steps: steps}, true, nil
	}

	for steps := 0; steps < node.MaxStepsPerVisit; steps++ {
		start := time.Now()
		resp, err := complete(ctx, deps.LLM, model.Request{Instructions: systemPrompt, Contents: history, Tools: toolDefs})
		if err != nil {
			return Result{}, errs.Wrap(errs.LLMUnavailable, "completing node "+node.ID, err)
		}

		calls := functionCalls(resp.Content)
		deps.Logger.Debug("eventloop.step", "node", node.ID, "step", steps, "tool_calls", len(calls))

		if deps.Log != nil {
			deps.Log.Append(eventlog.NodeStepRecord{
				NodeID: node.ID, NodeKind: node.Kind, LLMText: textOf(resp.Content),
				LatencyMS: time.Since(start).Milliseconds(),
			})
		}

		history = append(history, resp.Content)

		if len(calls) == 0 {
			// model yielded the turn with no further tool calls: consult the
			// judge on whatever memory state exists so far.
			if result, done, err := consult(steps + 1); err != nil {
				return Result{}, err
			} else if done {
				return result, nil
			}
			continue
		}

		setOutputAccepted := false
		responses := make([]core.Part, 0, len(calls))
		for _, call := range calls {
			switch call.Name {
			case setOutputTool:
				args, perr := decodeArgs(call.Arguments)
				if perr != nil {
					responses = append(responses, toolErrorPart(call, perr))
					continue
				}
				if node.Kind == graph.NodeClientFacingEventLoop && !hadUserInteraction {
					responses = append(responses, toolErrorPart(call, fmt.Errorf("set_output called before any user input was requested on a client-facing node")))
					continue
				}
				if err := applySetOutput(node, mem, args); err != nil {
					responses = append(responses, toolErrorPart(call, err))
					continue
				}
				setOutputAccepted = true
				responses = append(responses, core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: call.ID, Name: call.Name, Response: "accepted"}})

			case requestUserInputTool:
				hadUserInteraction = true
				responses = append(responses, core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: call.ID, Name: call.Name, Response: "awaiting user input"}})

			default:
				result, derr := dispatch(ctx, deps.Tools, call)
				if derr != nil {
					responses = append(responses, toolErrorPart(call, derr))
					continue
				}
				responses = append(responses, core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: call.ID, Name: call.Name, Response: result}})
			}
		}
		history = append(history, core.Content{Role: "tool", Parts: responses})

		if setOutputAccepted {
			if result, done, err := consult(steps + 1); err != nil {
				return Result{}, err
			} else if done {
				return result, nil
			}
		}
	}

	return Result{Judgment: graph.Judgment{Verdict: graph.VerdictEscalate, Feedback: "max_steps_per_visit exceeded before an accepted output was reached"}}, nil
}

// composeSystemPrompt builds the node's prompt, appending the previous
// visit's RETRY feedback when present — the mechanism that lets a judge's
// feedback actually change the model's next attempt.
func composeSystemPrompt(node graph.Node, feedback string) string {
	var sb strings.Builder
	sb.WriteString(node.SystemPrompt)
	if feedback != "" {
		sb.WriteString("\n\nYour previous attempt was not accepted. Feedback:\n")
		sb.WriteString(feedback)
	}
	sb.WriteString(fmt.Sprintf("\n\nWhen you have produced all of %v, call set_output with those keys.", node.OutputKeys))
	return sb.String()
}

func seedUserContent(node graph.Node, mem *graph.Memory) core.Content {
	inputs := map[string]any{}
	for _, k := range node.InputKeys {
		if v, ok := mem.Get(k); ok {
			inputs[k] = graph.ToAny(v)
		}
	}
	data, _ := json.Marshal(inputs)
	return core.Content{Role: "user", Parts: []core.Part{core.TextPart{Text: "Inputs: " + string(data)}}}
}

func buildToolDefinitions(node graph.Node, dispatcher tool.Dispatcher) []model.ToolDefinition {
	defs := []model.ToolDefinition{{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        setOutputTool,
			Description: "Record this node's final output values.",
			Parameters:  outputSchema(node),
		},
	}}
	if node.Kind == graph.NodeClientFacingEventLoop {
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        requestUserInputTool,
				Description: "Ask the user a clarifying question before finishing.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{"prompt": map[string]any{"type": "string"}}},
			},
		})
	}
	if dispatcher == nil {
		return defs
	}
	for _, toolName := range node.Tools {
		for _, d := range dispatcher.List() {
			if d.Name == toolName {
				defs = append(defs, model.ToolDefinition{
					Type:     "function",
					Function: model.FunctionDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters},
				})
			}
		}
	}
	return defs
}

func outputSchema(node graph.Node) map[string]any {
	props := map[string]any{}
	for _, k := range node.OutputKeys {
		props[k] = map[string]any{}
	}
	required := make([]any, 0, len(node.RequiredOutputKeys()))
	for _, k := range node.RequiredOutputKeys() {
		required = append(required, k)
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func applySetOutput(node graph.Node, mem *graph.Memory, args map[string]any) error {
	declared := map[string]bool{}
	for _, k := range node.OutputKeys {
		declared[k] = true
	}
	for key, val := range args {
		if !declared[key] {
			return errs.Newf(errs.HardConstraintViolated, "set_output: %q is not a declared output key for node %q", key, node.ID)
		}
		if err := mem.Set(key, graph.FromAny(val), node.ID); err != nil {
			return err
		}
	}
	return nil
}

func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, errs.Wrap(errs.ToolUnavailable, "decoding tool call arguments", err)
	}
	return args, nil
}

func dispatch(ctx context.Context, dispatcher tool.Dispatcher, call core.FunctionCall) (any, error) {
	if dispatcher == nil {
		return nil, errs.Newf(errs.ToolUnavailable, "tool %q is not available: no dispatcher configured", call.Name)
	}
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return nil, err
	}
	return dispatcher.Invoke(ctx, call.Name, args)
}

func toolErrorPart(call core.FunctionCall, err error) core.Part {
	return core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: call.ID, Name: call.Name, Error: err.Error()}}
}

// functionCalls extracts FunctionCall parts from a content block in order.
func functionCalls(c core.Content) []core.FunctionCall {
	var calls []core.FunctionCall
	for _, p := range c.Parts {
		if fc, ok := p.(core.FunctionCallPart); ok {
			calls = append(calls, fc.FunctionCall)
		}
	}
	return calls
}

func textOf(c core.Content) string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(core.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// complete drains a Model's streaming response channel and returns the
// final (non-partial) response.
func complete(ctx context.Context, m model.Model, req model.Request) (model.Response, error) {
	respCh, errCh := m.Generate(ctx, req)
	var final model.Response
	for {
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				return final, nil
			}
			if !resp.Partial {
				final = resp
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				return model.Response{}, err
			}
		}
	}
}
