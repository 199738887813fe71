package graph

import (
	"encoding/json"

	"github.com/hupe1980/agentcore/errs"
	"gopkg.in/yaml.v3"
)

// Document is the structured graph+goal input format (§6): a single
// document carrying both the Goal and the Graph it drives. Authored as
// YAML (matching the rest of the ambient config stack); JSON is accepted
// transparently since YAML 1.2 is a superset of JSON.
type Document struct {
	Goal  GoalDoc  `yaml:"goal" json:"goal"`
	Graph GraphDoc `yaml:"graph" json:"graph"`
}

type GoalDoc struct {
	ID              string              `yaml:"id" json:"id"`
	Description     string              `yaml:"description" json:"description"`
	SuccessCriteria []SuccessCriterionDoc `yaml:"success_criteria" json:"success_criteria"`
	Constraints     []ConstraintDoc     `yaml:"constraints" json:"constraints"`
}

type SuccessCriterionDoc struct {
	ID          string  `yaml:"id" json:"id"`
	Description string  `yaml:"description" json:"description"`
	Metric      string  `yaml:"metric" json:"metric"`
	Target      any     `yaml:"target" json:"target"`
	Weight      float64 `yaml:"weight" json:"weight"`
}

type ConstraintDoc struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Kind        string `yaml:"kind" json:"kind"` // "hard" | "soft"
	Category    string `yaml:"category" json:"category"`
}

type GraphDoc struct {
	Nodes           []NodeDoc `yaml:"nodes" json:"nodes"`
	Edges           []EdgeDoc `yaml:"edges" json:"edges"`
	EntryNodeID     string    `yaml:"entry_node_id" json:"entry_node_id"`
	TerminalNodeIDs []string  `yaml:"terminal_node_ids" json:"terminal_node_ids"`
}

type NodeDoc struct {
	ID                 string   `yaml:"id" json:"id"`
	Kind               string   `yaml:"kind" json:"kind"`
	InputKeys          []string `yaml:"input_keys" json:"input_keys"`
	OutputKeys         []string `yaml:"output_keys" json:"output_keys"`
	NullableOutputKeys []string `yaml:"nullable_output_keys" json:"nullable_output_keys"`
	SystemPrompt       string   `yaml:"system_prompt" json:"system_prompt"`
	Tools              []string `yaml:"tools" json:"tools"`
	MaxVisits          int      `yaml:"max_visits" json:"max_visits"`
	MaxStepsPerVisit   int      `yaml:"max_steps_per_visit" json:"max_steps_per_visit"`
}

type EdgeDoc struct {
	Source    string   `yaml:"source" json:"source"`
	Target    string   `yaml:"target" json:"target"`
	Condition EdgeDocCondition `yaml:"condition" json:"condition"`
}

// EdgeDocCondition mirrors graph.EdgeCondition in document form: exactly one
// of the optional fields is populated depending on Kind.
type EdgeDocCondition struct {
	Kind    string `yaml:"kind" json:"kind"`
	Verdict string `yaml:"verdict,omitempty" json:"verdict,omitempty"`
	Key     string `yaml:"key,omitempty" json:"key,omitempty"`
	Value   any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// ParseYAML decodes a YAML graph+goal document.
func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.GraphInvalid, "parsing graph document", err)
	}
	return &doc, nil
}

// ParseJSON decodes a JSON graph+goal document.
func ParseJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.GraphInvalid, "parsing graph document", err)
	}
	return &doc, nil
}

// Build converts the document into domain Goal/Graph values. It does not
// run structural validation — call Graph.Validate separately once the tool
// dispatcher's resolver is available.
func (d *Document) Build() (Goal, *Graph, error) {
	goal := Goal{
		ID:          d.Goal.ID,
		Description: d.Goal.Description,
	}
	for _, sc := range d.Goal.SuccessCriteria {
		goal.SuccessCriteria = append(goal.SuccessCriteria, SuccessCriterion{
			ID:          sc.ID,
			Description: sc.Description,
			Metric:      sc.Metric,
			Target:      sc.Target,
			Weight:      sc.Weight,
		})
	}
	for _, c := range d.Goal.Constraints {
		kind := ConstraintSoft
		if c.Kind == string(ConstraintHard) {
			kind = ConstraintHard
		}
		goal.Constraints = append(goal.Constraints, Constraint{
			ID:          c.ID,
			Description: c.Description,
			Kind:        kind,
			Category:    c.Category,
		})
	}

	g := &Graph{
		EntryNodeID:     d.Graph.EntryNodeID,
		TerminalNodeIDs: map[string]bool{},
	}
	for _, t := range d.Graph.TerminalNodeIDs {
		g.TerminalNodeIDs[t] = true
	}
	for _, nd := range d.Graph.Nodes {
		maxVisits := nd.MaxVisits
		if maxVisits == 0 {
			maxVisits = 1
		}
		maxSteps := nd.MaxStepsPerVisit
		if maxSteps == 0 {
			maxSteps = 1
		}
		g.Nodes = append(g.Nodes, Node{
			ID:                 nd.ID,
			Kind:               NodeKind(nd.Kind),
			InputKeys:          nd.InputKeys,
			OutputKeys:         nd.OutputKeys,
			NullableOutputKeys: nd.NullableOutputKeys,
			SystemPrompt:       nd.SystemPrompt,
			Tools:              nd.Tools,
			MaxVisits:          maxVisits,
			MaxStepsPerVisit:   maxSteps,
		})
	}
	for _, ed := range d.Graph.Edges {
		cond := EdgeCondition{Kind: EdgeConditionKind(ed.Condition.Kind), Key: ed.Condition.Key, Value: ed.Condition.Value}
		if ed.Condition.Verdict != "" {
			cond.Verdict = Verdict(ed.Condition.Verdict)
		}
		g.Edges = append(g.Edges, Edge{Source: ed.Source, Target: ed.Target, Condition: cond})
	}

	return goal, g, nil
}
