// Package judge implements the Judge contract (§4.3): given a node's
// proposed outputs and the goal, yield ACCEPT / RETRY(feedback) / ESCALATE /
// CONTINUE. It is grounded on the hybrid rules-then-LLM-then-escalate judge
// in the original implementation (framework/graph/judge.py): deterministic
// rules run first and are the fast, common path; an LLM is consulted only
// when no rule matches definitively, and a low-confidence LLM verdict
// escalates rather than guessing.
package judge

import (
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/agentcore/graph"
	"github.com/hupe1980/agentcore/logging"
)

// Judge evaluates a node visit's proposed memory writes against the goal.
type Judge interface {
	Evaluate(ctx context.Context, node graph.Node, mem *graph.Memory, goal graph.Goal) (graph.Judgment, error)
}

// Rule is a deterministic, prioritized check. Condition receives the
// candidate values for the node's output_keys (already resolved from
// memory) and the goal, and returns ok=false when it does not apply.
type Rule struct {
	ID          string
	Description string
	Priority    int // higher runs first
	Condition   func(node graph.Node, outputs map[string]graph.Value, goal graph.Goal) (matched bool, judgment graph.Judgment)
}

// LLMEvaluator is the narrow dependency the judge falls back to. It is
// intentionally not the full LLM Adapter contract (§6) — a judge only ever
// needs one-shot structured completion, modeled here directly so judge
// package has no dependency on the eventloop/model packages.
type LLMEvaluator interface {
	Judge(ctx context.Context, systemPrompt, userPrompt string) (verdict graph.Verdict, confidence float64, reasoning, feedback string, err error)
}

// HybridJudge runs Rules in priority order; if none matches definitively it
// falls back to LLM, if any, else defaults to a low-confidence ACCEPT.
type HybridJudge struct {
	rules               []Rule
	llm                 LLMEvaluator
	confidenceThreshold float64
	logger              logging.Logger
}

// Option configures a HybridJudge.
type Option func(*HybridJudge)

// WithRule appends an evaluation rule.
func WithRule(r Rule) Option {
	return func(j *HybridJudge) { j.rules = append(j.rules, r) }
}

// WithLLM sets the LLM fallback evaluator.
func WithLLM(llm LLMEvaluator) Option {
	return func(j *HybridJudge) { j.llm = llm }
}

// WithConfidenceThreshold overrides the default LLM-confidence escalation
// threshold (default 0.7).
func WithConfidenceThreshold(t float64) Option {
	return func(j *HybridJudge) { j.confidenceThreshold = t }
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(j *HybridJudge) { j.logger = l }
}

// New constructs a HybridJudge seeded with the default rule set (explicit
// success / missing required output / _error escalation), plus any options.
func New(opts ...Option) *HybridJudge {
	j := &HybridJudge{confidenceThreshold: 0.7, logger: logging.NoOpLogger{}}
	for _, r := range DefaultRules() {
		j.rules = append(j.rules, r)
	}
	for _, opt := range opts {
		opt(j)
	}
	sort.SliceStable(j.rules, func(a, b int) bool { return j.rules[a].Priority > j.rules[b].Priority })
	return j
}

// AddRule appends a rule at runtime and re-sorts by priority.
func (j *HybridJudge) AddRule(r Rule) {
	j.rules = append(j.rules, r)
	sort.SliceStable(j.rules, func(a, b int) bool { return j.rules[a].Priority > j.rules[b].Priority })
}

// Evaluate implements Judge. Pure with respect to (node, mem snapshot,
// goal): rules and the LLM are constructor-time dependencies, not globals.
func (j *HybridJudge) Evaluate(ctx context.Context, node graph.Node, mem *graph.Memory, goal graph.Goal) (graph.Judgment, error) {
	outputs := map[string]graph.Value{}
	for _, k := range node.OutputKeys {
		if v, ok := mem.Get(k); ok {
			outputs[k] = v
		}
	}

	if violated := violatedHardConstraints(goal, outputs); len(violated) > 0 {
		return graph.Judgment{Verdict: graph.VerdictEscalate, Feedback: "hard constraint violated", ViolatedConstraints: violated}, nil
	}

	for _, rule := range j.rules {
		if matched, judgment := rule.Condition(node, outputs, goal); matched {
			j.logger.Debug("judge.rule.matched", "rule", rule.ID, "node", node.ID, "verdict", string(judgment.Verdict))
			return judgment, nil
		}
	}

	if j.llm != nil {
		return j.evaluateLLM(ctx, node, outputs, goal)
	}

	j.logger.Warn("judge.no_rule_matched.no_llm", "node", node.ID)
	return graph.Judgment{Verdict: graph.VerdictAccept, Feedback: "no definitive rule matched and no LLM evaluator configured"}, nil
}

func (j *HybridJudge) evaluateLLM(ctx context.Context, node graph.Node, outputs map[string]graph.Value, goal graph.Goal) (graph.Judgment, error) {
	sys := buildSystemPrompt(goal)
	user := buildUserPrompt(node, outputs)

	verdict, confidence, reasoning, feedback, err := j.llm.Judge(ctx, sys, user)
	if err != nil {
		return graph.Judgment{Verdict: graph.VerdictEscalate, Feedback: "judge LLM evaluation failed: " + err.Error()}, nil
	}
	if confidence < j.confidenceThreshold {
		return graph.Judgment{
			Verdict:  graph.VerdictEscalate,
			Feedback: fmt.Sprintf("LLM confidence %.2f below threshold %.2f: %s", confidence, j.confidenceThreshold, reasoning),
		}, nil
	}
	return graph.Judgment{Verdict: verdict, Feedback: feedback}, nil
}

func violatedHardConstraints(goal graph.Goal, outputs map[string]graph.Value) []string {
	// The core leaves constraint-checking semantics to rules/LLM; this hook
	// exists so a hard constraint flagged via the well-known
	// "_violated_constraints" output key short-circuits straight to ESCALATE regardless of rules.
	v, ok := outputs["_violated_constraints"]
	if !ok {
		return nil
	}
	arr, ok := v.(graph.ArrayValue)
	if !ok {
		return nil
	}
	hard := map[string]bool{}
	for _, c := range goal.HardConstraints() {
		hard[c.ID] = true
	}
	var violated []string
	for _, item := range arr {
		if s, ok := item.(graph.StringValue); ok && hard[string(s)] {
			violated = append(violated, string(s))
		}
	}
	return violated
}

func buildSystemPrompt(goal graph.Goal) string {
	s := "You are a judge evaluating the execution of a graph node.\n\nGOAL: " + goal.Description + "\n\nSUCCESS CRITERIA:\n"
	for _, sc := range goal.SuccessCriteria {
		s += "- " + sc.Description + "\n"
	}
	s += "\nRespond with an action of ACCEPT, RETRY, ESCALATE, or CONTINUE, a confidence in [0,1], reasoning, and feedback."
	return s
}

func buildUserPrompt(node graph.Node, outputs map[string]graph.Value) string {
	s := fmt.Sprintf("NODE: %s\nOUTPUT KEYS: %v\nPROPOSED OUTPUTS:\n", node.ID, node.OutputKeys)
	for k, v := range outputs {
		s += fmt.Sprintf("- %s: %v\n", k, graph.ToAny(v))
	}
	return s
}
