// Package models provides domain types for the Forgeflow orchestrator.
package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Issue is the normalized shape of a remote issue as seen by the
// orchestration core. Fields mirror the GitLab API names the tool bridge
// returns; everything the core does not read stays on the remote.
type Issue struct {
	// IID is the project-local issue number. It is the scheduling key for
	// the implementation loop.
	IID int `json:"iid"`

	// Title is the issue title. The feature-branch slug derives from it.
	Title string `json:"title"`

	// Description is free-form text. The fallback prioritizer scans it for
	// dependency phrases ("depends on #N", "requires #N").
	Description string `json:"description,omitempty"`

	// State is "opened" or "closed". Advisory only; completion is decided
	// against merged MRs, not this field.
	State string `json:"state,omitempty"`

	// Labels carries the issue labels, including priority::* scoped labels.
	Labels []string `json:"labels,omitempty"`

	// WebURL is carried through for UI display.
	WebURL string `json:"web_url,omitempty"`
}

// HasLabel reports whether the issue carries the given label exactly.
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// PriorityRank maps the issue's priority::* label to a sortable rank.
// Lower ranks schedule earlier. Issues without a priority label rank last.
func (i Issue) PriorityRank() int {
	for _, l := range i.Labels {
		switch strings.ToLower(l) {
		case "priority::critical":
			return 0
		case "priority::high":
			return 1
		case "priority::medium":
			return 2
		case "priority::low":
			return 3
		}
	}
	return 4
}

const (
	branchPrefix = "feature/issue-"
	maxSlugLen   = 50
)

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// FeatureBranch returns the deterministic branch name for the issue:
// feature/issue-<iid>-<slug>, where slug is a kebab-cased, length-bounded
// prefix of the title. Pure; no randomness.
func (i Issue) FeatureBranch() string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(i.Title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		slug = strings.TrimRight(slug, "-")
	}
	if slug == "" {
		return fmt.Sprintf("%s%d", branchPrefix, i.IID)
	}
	return fmt.Sprintf("%s%d-%s", branchPrefix, i.IID, slug)
}

var dependencyPhrase = regexp.MustCompile(`(?i)(?:depends\s+on|requires|blocked\s+by)\s+#(\d+)`)

// Dependencies extracts issue IIDs this issue declares a dependency on,
// parsed from phrases in the description. Order of first mention, deduped.
func (i Issue) Dependencies() []int {
	matches := dependencyPhrase.FindAllStringSubmatch(i.Description, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	deps := make([]int, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		var iid int
		fmt.Sscanf(m[1], "%d", &iid)
		if iid > 0 {
			deps = append(deps, iid)
		}
	}
	return deps
}
