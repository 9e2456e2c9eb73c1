package planning

import (
	"sort"

	"github.com/forgeflow/forgeflow/pkg/models"
)

// ApplyPrioritization orders the backlog for implementation and filters
// completed issues. When a valid plan is present its implementationOrder
// wins; issues the plan does not mention are appended in iid order.
// Without a plan, order derives from issue dependencies and priority labels.
// The result is deterministic for a given (issues, plan) input.
func ApplyPrioritization(issues []models.Issue, plan *models.Plan, isCompleted func(models.Issue) bool) []models.Issue {
	var ordered []models.Issue
	if plan != nil && plan.Validate() == nil && len(plan.ImplementationOrder) > 0 {
		ordered = orderByPlan(issues, plan)
	} else {
		ordered = orderByDependencies(issues)
	}

	if isCompleted == nil {
		return ordered
	}
	filtered := make([]models.Issue, 0, len(ordered))
	for _, issue := range ordered {
		if !isCompleted(issue) {
			filtered = append(filtered, issue)
		}
	}
	return filtered
}

// orderByPlan sorts planned issues by their position in implementationOrder
// and appends unplanned issues in iid order.
func orderByPlan(issues []models.Issue, plan *models.Plan) []models.Issue {
	index := plan.OrderIndex()

	var planned, unplanned []models.Issue
	for _, issue := range issues {
		if _, ok := index[issue.IID]; ok {
			planned = append(planned, issue)
		} else {
			unplanned = append(unplanned, issue)
		}
	}
	sort.SliceStable(planned, func(i, j int) bool {
		return index[planned[i].IID] < index[planned[j].IID]
	})
	sort.SliceStable(unplanned, func(i, j int) bool {
		return unplanned[i].IID < unplanned[j].IID
	})
	return append(planned, unplanned...)
}

// orderByDependencies is the fallback ordering: a topological sort over
// dependencies parsed from issue descriptions, breaking ties by priority
// label rank and then iid. Dependencies on issues outside the set are
// ignored; cycles are broken by emitting the remaining issues in tie-break
// order.
func orderByDependencies(issues []models.Issue) []models.Issue {
	byIID := make(map[int]models.Issue, len(issues))
	for _, issue := range issues {
		byIID[issue.IID] = issue
	}

	indegree := make(map[int]int, len(issues))
	dependents := make(map[int][]int, len(issues))
	for _, issue := range issues {
		indegree[issue.IID] = 0
	}
	for _, issue := range issues {
		for _, dep := range issue.Dependencies() {
			if _, known := byIID[dep]; !known || dep == issue.IID {
				continue
			}
			indegree[issue.IID]++
			dependents[dep] = append(dependents[dep], issue.IID)
		}
	}

	less := func(a, b models.Issue) bool {
		if ra, rb := a.PriorityRank(), b.PriorityRank(); ra != rb {
			return ra < rb
		}
		return a.IID < b.IID
	}

	var ready []models.Issue
	for _, issue := range issues {
		if indegree[issue.IID] == 0 {
			ready = append(ready, issue)
		}
	}

	result := make([]models.Issue, 0, len(issues))
	emitted := make(map[int]bool, len(issues))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]

		result = append(result, next)
		emitted[next.IID] = true
		for _, dep := range dependents[next.IID] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, byIID[dep])
			}
		}
	}

	// Cycle remainder, if any.
	if len(result) < len(issues) {
		var rest []models.Issue
		for _, issue := range issues {
			if !emitted[issue.IID] {
				rest = append(rest, issue)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool { return less(rest[i], rest[j]) })
		result = append(result, rest...)
	}
	return result
}
