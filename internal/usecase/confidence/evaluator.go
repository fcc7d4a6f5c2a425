package confidence

import "intellipost/internal/domain"

// Review routing thresholds over the overall confidence score.
const (
	quickApprovalAbove = 0.85
	balancedReviewFrom = 0.70
)

// Evaluate aggregates a per-field confidence breakdown into an overall score.
// The overall value is the arithmetic mean of the values present; fields the
// provider did not score are excluded from the mean rather than counted as
// zero. Values are clamped to [0,1]. An empty breakdown scores 0.
func Evaluate(breakdown map[string]float64) domain.ConfidenceScore {
	clamped := make(map[string]float64, len(breakdown))
	sum := 0.0
	for field, value := range breakdown {
		if value < 0 {
			value = 0
		}
		if value > 1 {
			value = 1
		}
		clamped[field] = value
		sum += value
	}
	overall := 0.0
	if len(clamped) > 0 {
		overall = sum / float64(len(clamped))
	}
	return domain.ConfidenceScore{Overall: overall, Breakdown: clamped}
}

// Route maps an overall score to the review tier. Pure and total:
// >0.85 quick approval, 0.70..0.85 balanced review, <0.70 manual edit.
func Route(overall float64) domain.ReviewRouting {
	switch {
	case overall > quickApprovalAbove:
		return domain.RoutingQuickApproval
	case overall >= balancedReviewFrom:
		return domain.RoutingBalancedReview
	default:
		return domain.RoutingManualEdit
	}
}
