package drain

import (
	"strings"

	"github.com/hshk99/autopack/pkg/domain"
)

// priority buckets, lowest value tried first (spec.md §4.13's selection
// order): unknown failures (transient-likely) > collection/import errors >
// missing-deliverable errors > patch/no-op errors > other failures >
// timeout failures last.
const (
	priorityUnknown            = 0
	priorityCollectionImport   = 1
	priorityMissingDeliverable = 2
	priorityPatchNoop          = 3
	priorityOther              = 4
	priorityTimeout            = 5
)

// classifyPriority maps a phase's last recorded failure to a selection
// bucket. An empty or unrecognized reason is treated as "unknown" and
// tried first, on the theory that an unclassified failure is more likely
// transient than a failure the controller has already seen and bucketed.
func classifyPriority(reason string) int {
	switch domain.AttemptOutcome(reason) {
	case domain.OutcomeTestRegression:
		return priorityCollectionImport
	case domain.OutcomeDeliverablesFail:
		return priorityMissingDeliverable
	case domain.OutcomeApplyFail, domain.OutcomeSymbolFail:
		return priorityPatchNoop
	case domain.OutcomeQualityBlock, domain.OutcomeApprovalDenied:
		return priorityOther
	}
	if isTimeoutReason(reason) {
		return priorityTimeout
	}
	return priorityUnknown
}

func isTimeoutReason(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}
