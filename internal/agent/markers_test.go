package agent

import (
	"testing"

	"github.com/forgeflow/forgeflow/pkg/models"
)

func TestCheckCompletion(t *testing.T) {
	tests := []struct {
		name           string
		phase          models.Phase
		text           string
		wantOK         bool
		wantConfidence float64
		wantReason     string
	}{
		{"planning success", models.PhasePlanning, "done.\nPLANNING_PHASE_COMPLETE", true, 1.0, MarkerPlanningComplete},
		{"planning failed", models.PhasePlanning, "could not plan\nPLANNING_FAILED", false, 1.0, MarkerPlanningFailed},
		{"coding success", models.PhaseCoding, "all builds pass\nCODING_PHASE_COMPLETE", true, 1.0, MarkerCodingComplete},
		{"coding compile failure", models.PhaseCoding, "COMPILATION_FAILED: missing import", false, 1.0, MarkerCompilationFailed},
		{"coding ambiguous", models.PhaseCoding, "CODING_PHASE_COMPLETE but COMPILATION_FAILED earlier", false, 0.5, MarkerCompilationFailed},
		{"testing success", models.PhaseTesting, "pipeline 123 green\nTESTING_PHASE_COMPLETE", true, 1.0, MarkerTestingComplete},
		{"testing test failure", models.PhaseTesting, "TESTS_FAILED in pkg/api", false, 1.0, MarkerTestsFailed},
		{"testing pipeline failure", models.PhaseTesting, "PIPELINE_FAILED", false, 1.0, MarkerPipelineFailed},
		{"testing ambiguous", models.PhaseTesting, "TESTING_PHASE_COMPLETE\nTESTS_FAILED", false, 0.5, MarkerTestsFailed},
		{"review success", models.PhaseReview, "merged.\nREVIEW_PHASE_COMPLETE", true, 1.0, MarkerReviewComplete},
		{"review blocked", models.PhaseReview, "MERGE_BLOCKED: discussions open", false, 1.0, MarkerMergeBlocked},
		{"review pipeline failed", models.PhaseReview, "REVIEW_PHASE_COMPLETE\nPIPELINE_FAILED", false, 0.5, MarkerPipelineFailed},
		{"no marker", models.PhaseCoding, "I made some changes.", false, 0, "no completion marker found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := CheckCompletion(tt.phase, tt.text)
			if v.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", v.OK, tt.wantOK)
			}
			if v.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v", v.Confidence, tt.wantConfidence)
			}
			if v.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", v.Reason, tt.wantReason)
			}
		})
	}
}

func TestCheckCompletion_FailurePriorityOrder(t *testing.T) {
	// Review checks MERGE_BLOCKED before PIPELINE_FAILED.
	v := CheckCompletion(models.PhaseReview, "MERGE_BLOCKED and PIPELINE_FAILED")
	if v.OK || v.Reason != MarkerMergeBlocked {
		t.Errorf("verdict = %+v, want merge blocked first", v)
	}
}
