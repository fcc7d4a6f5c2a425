package aiprovider

import (
	"intellipost/internal/domain"
	"intellipost/internal/usecase/confidence"
)

// scoreLocally is the shared Score implementation: deterministic local
// aggregation of the breakdown, never the provider's own overall value.
func scoreLocally(content domain.GeneratedContent) domain.ConfidenceScore {
	return confidence.Evaluate(content.ConfidenceBreakdown)
}
