package models

import (
	"encoding/json"
	"testing"
)

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{
			name:    "empty plan",
			plan:    Plan{},
			wantErr: false,
		},
		{
			name: "valid order",
			plan: Plan{ImplementationOrder: []ImplementationStep{
				{IssueID: 1},
				{IssueID: 2, Dependencies: []int{1}},
				{IssueID: 3, Dependencies: []int{1, 2}},
			}},
			wantErr: false,
		},
		{
			name: "duplicate issue",
			plan: Plan{ImplementationOrder: []ImplementationStep{
				{IssueID: 1}, {IssueID: 1},
			}},
			wantErr: true,
		},
		{
			name: "dependency scheduled later",
			plan: Plan{ImplementationOrder: []ImplementationStep{
				{IssueID: 2, Dependencies: []int{1}},
				{IssueID: 1},
			}},
			wantErr: true,
		},
		{
			name: "self dependency",
			plan: Plan{ImplementationOrder: []ImplementationStep{
				{IssueID: 4, Dependencies: []int{4}},
			}},
			wantErr: true,
		},
		{
			name: "dependency outside plan allowed",
			plan: Plan{ImplementationOrder: []ImplementationStep{
				{IssueID: 2, Dependencies: []int{99}},
			}},
			wantErr: false,
		},
		{
			name: "non positive issue id",
			plan: Plan{ImplementationOrder: []ImplementationStep{
				{IssueID: 0},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlanJSONShape(t *testing.T) {
	raw := `{
		"projectName": "demo",
		"implementationOrder": [
			{"issueId": 1, "priority": "high", "dependencies": []},
			{"issueId": 2, "dependencies": [1]}
		],
		"techStack": {"backend": "go", "testing": "go test"}
	}`
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(plan.ImplementationOrder) != 2 {
		t.Fatalf("got %d steps, want 2", len(plan.ImplementationOrder))
	}
	if plan.ProjectName != "demo" || plan.ImplementationOrder[0].IssueID != 1 {
		t.Errorf("document keys not decoded: %+v", plan)
	}
	if plan.ImplementationOrder[1].Dependencies[0] != 1 {
		t.Errorf("dependency not parsed")
	}
	if err := plan.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	idx := plan.OrderIndex()
	if idx[1] != 0 || idx[2] != 1 {
		t.Errorf("OrderIndex() = %v", idx)
	}
}

func TestAddIssue(t *testing.T) {
	set := []int{}
	set = AddIssue(set, 5)
	set = AddIssue(set, 2)
	set = AddIssue(set, 5)
	if len(set) != 2 || set[0] != 2 || set[1] != 5 {
		t.Errorf("AddIssue produced %v, want [2 5]", set)
	}
	if !HasIssue(set, 5) || HasIssue(set, 3) {
		t.Errorf("HasIssue membership wrong for %v", set)
	}
}
