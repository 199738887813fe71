package judge

import "github.com/hupe1980/agentcore/graph"

// DefaultRules returns the built-in rule set, checked in priority order:
// explicit_error_field_escalates (200, ESCALATE), explicit_success (100,
// ACCEPT) and missing_required_output (90, RETRY). There is no REPLAN
// verdict here; a missing required output yields RETRY.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "explicit_success",
			Description: "all required output keys are present and non-null",
			Priority:    100,
			Condition: func(node graph.Node, outputs map[string]graph.Value, goal graph.Goal) (bool, graph.Judgment) {
				for _, k := range node.RequiredOutputKeys() {
					v, ok := outputs[k]
					if !ok {
						return false, graph.Judgment{}
					}
					if _, isNull := v.(graph.NullValue); isNull {
						return false, graph.Judgment{}
					}
				}
				if len(node.RequiredOutputKeys()) == 0 {
					return false, graph.Judgment{}
				}
				return true, graph.Judgment{Verdict: graph.VerdictAccept}
			},
		},
		{
			ID:          "missing_required_output",
			Description: "a required output key is absent",
			Priority:    90,
			Condition: func(node graph.Node, outputs map[string]graph.Value, goal graph.Goal) (bool, graph.Judgment) {
				for _, k := range node.RequiredOutputKeys() {
					if _, ok := outputs[k]; !ok {
						return true, graph.Judgment{Verdict: graph.VerdictRetry, Feedback: "missing required output: " + k}
					}
				}
				return false, graph.Judgment{}
			},
		},
		{
			ID:          "explicit_error_field_escalates",
			Description: "a proposed output named _error signals an unrecoverable tool/LLM failure",
			Priority:    200,
			Condition: func(node graph.Node, outputs map[string]graph.Value, goal graph.Goal) (bool, graph.Judgment) {
				v, ok := outputs["_error"]
				if !ok {
					return false, graph.Judgment{}
				}
				if s, ok := v.(graph.StringValue); ok && s != "" {
					return true, graph.Judgment{Verdict: graph.VerdictEscalate, Feedback: "node reported an unrecoverable error: " + string(s)}
				}
				return false, graph.Judgment{}
			},
		},
	}
}
