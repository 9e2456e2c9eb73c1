package models

import "fmt"

// Plan is the structured planning document the Planning agent writes to
// docs/ORCH_PLAN.json. The Planning Manager loads it from the default branch
// after the planning-structure branch merges.
type Plan struct {
	ProjectName string `json:"projectName,omitempty"`

	// ImplementationOrder is the ordered work schedule. Invariants: each
	// IssueID appears at most once, Dependencies form a DAG, and the
	// sequence is a topological sort of that DAG.
	ImplementationOrder []ImplementationStep `json:"implementationOrder"`

	TechStack TechStack `json:"techStack,omitempty"`

	// Architecture is free-form metadata produced by the Planning agent.
	// The core stores it but never interprets it.
	Architecture map[string]any `json:"architecture,omitempty"`
}

// ImplementationStep is one entry of the implementation order.
type ImplementationStep struct {
	IssueID      int    `json:"issueId"`
	Priority     string `json:"priority,omitempty"`
	Dependencies []int  `json:"dependencies,omitempty"`
	Rationale    string `json:"rationale,omitempty"`
}

// TechStack is the per-layer technology selection from the plan.
type TechStack struct {
	Backend  string `json:"backend,omitempty"`
	Frontend string `json:"frontend,omitempty"`
	Database string `json:"database,omitempty"`
	Testing  string `json:"testing,omitempty"`
}

// Validate checks the implementation-order invariants: IssueID uniqueness,
// dependencies forming a DAG, and the order being a topological sort of it.
func (p *Plan) Validate() error {
	position := make(map[int]int, len(p.ImplementationOrder))
	for idx, step := range p.ImplementationOrder {
		if step.IssueID <= 0 {
			return fmt.Errorf("implementationOrder[%d]: issueId must be positive, got %d", idx, step.IssueID)
		}
		if prev, dup := position[step.IssueID]; dup {
			return fmt.Errorf("implementationOrder: issue %d appears at both %d and %d", step.IssueID, prev, idx)
		}
		position[step.IssueID] = idx
	}
	for idx, step := range p.ImplementationOrder {
		for _, dep := range step.Dependencies {
			if dep == step.IssueID {
				return fmt.Errorf("implementationOrder[%d]: issue %d depends on itself", idx, step.IssueID)
			}
			depIdx, ok := position[dep]
			if !ok {
				// Dependency on an issue outside the plan is allowed;
				// ordering cannot be checked for it.
				continue
			}
			if depIdx > idx {
				return fmt.Errorf("implementationOrder: issue %d (position %d) depends on issue %d scheduled later (position %d)", step.IssueID, idx, dep, depIdx)
			}
		}
	}
	return nil
}

// OrderIndex returns a lookup from issue IID to its plan position.
// Issues absent from the plan are absent from the map.
func (p *Plan) OrderIndex() map[int]int {
	idx := make(map[int]int, len(p.ImplementationOrder))
	for i, step := range p.ImplementationOrder {
		if _, dup := idx[step.IssueID]; !dup {
			idx[step.IssueID] = i
		}
	}
	return idx
}
