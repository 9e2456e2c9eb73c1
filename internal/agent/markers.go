package agent

import (
	"strings"

	"github.com/forgeflow/forgeflow/pkg/models"
)

// Completion markers the phase prompts instruct each agent to emit as the
// last line of its final message. Classification looks only at these
// sentinels, never at intermediate reasoning.
const (
	MarkerPlanningComplete = "PLANNING_PHASE_COMPLETE"
	MarkerCodingComplete   = "CODING_PHASE_COMPLETE"
	MarkerTestingComplete  = "TESTING_PHASE_COMPLETE"
	MarkerReviewComplete   = "REVIEW_PHASE_COMPLETE"

	MarkerPlanningFailed    = "PLANNING_FAILED"
	MarkerCompilationFailed = "COMPILATION_FAILED"
	MarkerTestsFailed       = "TESTS_FAILED"
	MarkerPipelineFailed    = "PIPELINE_FAILED"
	MarkerMergeBlocked      = "MERGE_BLOCKED"
)

// Verdict is the classification of an agent's final output.
type Verdict struct {
	OK         bool
	Confidence float64
	Reason     string
}

// markerSet pairs a phase's positive sentinel with its failure sentinels.
type markerSet struct {
	positive string
	failures []string
}

var phaseMarkers = map[models.Phase]markerSet{
	models.PhasePlanning: {MarkerPlanningComplete, []string{MarkerPlanningFailed}},
	models.PhaseCoding:   {MarkerCodingComplete, []string{MarkerCompilationFailed}},
	models.PhaseTesting:  {MarkerTestingComplete, []string{MarkerTestsFailed, MarkerPipelineFailed}},
	models.PhaseReview:   {MarkerReviewComplete, []string{MarkerMergeBlocked, MarkerPipelineFailed}},
}

// CheckCompletion classifies finalText for the given phase. Failure markers
// take priority over the positive marker; a positive marker alongside a
// failure marker lowers confidence to 0.5 but still fails.
func CheckCompletion(phase models.Phase, finalText string) Verdict {
	markers, ok := phaseMarkers[phase]
	if !ok {
		return Verdict{OK: false, Confidence: 0, Reason: "unknown phase " + string(phase)}
	}

	hasPositive := strings.Contains(finalText, markers.positive)
	for _, failure := range markers.failures {
		if strings.Contains(finalText, failure) {
			confidence := 1.0
			if hasPositive {
				confidence = 0.5
			}
			return Verdict{OK: false, Confidence: confidence, Reason: failure}
		}
	}

	if hasPositive {
		return Verdict{OK: true, Confidence: 1.0, Reason: markers.positive}
	}
	return Verdict{OK: false, Confidence: 0, Reason: "no completion marker found"}
}
