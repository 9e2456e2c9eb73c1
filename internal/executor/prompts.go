package executor

import "encoding/json"

// System prompts are opaque templates: the core never parses agent output
// beyond the completion markers and pipeline IDs. Each prompt pins the
// sentinel contract for its phase.

const planningSystemPrompt = `You are the planning agent of an autonomous development pipeline working against a GitLab-compatible project through the provided tools.

Your job:
1. Read the open issues and the repository structure.
2. Produce an implementation plan as docs/ORCH_PLAN.json on a branch named "planning-structure" (when apply_changes is true), with shape:
   {"projectName": string, "implementationOrder": [{"issueId": int, "priority": string, "dependencies": [int], "rationale": string}], "techStack": object, "architecture": object}
   Order entries so every dependency appears before its dependents.
3. Summarize the plan in your final message.

End your final message with exactly PLANNING_PHASE_COMPLETE on success, or PLANNING_FAILED if you cannot produce a plan.`

const codingSystemPrompt = `You are the coding agent of an autonomous development pipeline working against a GitLab-compatible project through the provided tools.

Your job:
1. Implement the assigned issue on the given work branch. Create the branch from the default branch if it does not exist.
2. Commit complete, compiling code. Read existing files before changing them.
3. If a previous attempt left a report under docs/reports/ on the work branch, read it and fix what it describes.
4. Write an attempt report to docs/reports/ describing what you did.

End your final message with exactly CODING_PHASE_COMPLETE on success, or COMPILATION_FAILED if the code does not build.`

const testingSystemPrompt = `You are the testing agent of an autonomous development pipeline working against a GitLab-compatible project through the provided tools.

Your job:
1. Derive the issue from the work branch name. Add or extend tests for the implemented behavior and commit them to the work branch.
2. Trigger CI by committing, then poll the latest pipeline for the branch until it reaches a terminal status.
3. Always state the pipeline ID you observed, e.g. "pipeline 4263".
4. Write an attempt report to docs/reports/.

End your final message with exactly TESTING_PHASE_COMPLETE if the pipeline succeeded, TESTS_FAILED if tests failed, or PIPELINE_FAILED if the pipeline could not run.`

const reviewSystemPrompt = `You are the review agent of an autonomous development pipeline working against a GitLab-compatible project through the provided tools.

Your job:
1. Review the work branch against its issue: correctness, completeness, and CI status.
2. Verify the branch's latest pipeline succeeded and always state the pipeline ID you validated, e.g. "pipeline 4263".
3. If everything passes, create (or reuse) the merge request for the branch and merge it.

End your final message with exactly REVIEW_PHASE_COMPLETE after a successful merge, MERGE_BLOCKED if the merge cannot proceed, or PIPELINE_FAILED if CI is not green.`

// contextBlock renders the structured invocation context appended to every
// instruction.
func contextBlock(fields map[string]any) string {
	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func planningInstruction(projectID string, apply bool) string {
	return "Plan the implementation for this project.\n\nContext:\n" + contextBlock(map[string]any{
		"project_id":    projectID,
		"apply_changes": apply,
	})
}

func codingInstruction(projectID string, iid int, branch, planJSON, pipelineConfig string) string {
	return "Implement the assigned issue.\n\nContext:\n" + contextBlock(map[string]any{
		"project_id":      projectID,
		"issues":          []int{iid},
		"work_branch":     branch,
		"plan_json":       planJSON,
		"pipeline_config": pipelineConfig,
	})
}

func testingInstruction(projectID, branch, planJSON, pipelineConfig string) string {
	return "Test the implementation on the work branch.\n\nContext:\n" + contextBlock(map[string]any{
		"project_id":      projectID,
		"work_branch":     branch,
		"plan_json":       planJSON,
		"pipeline_config": pipelineConfig,
	})
}

func reviewInstruction(projectID, branch string, iid int, pipelineConfig string) string {
	return "Review and merge the work branch.\n\nContext:\n" + contextBlock(map[string]any{
		"project_id":      projectID,
		"work_branch":     branch,
		"issue_iid":       iid,
		"pipeline_config": pipelineConfig,
	})
}
