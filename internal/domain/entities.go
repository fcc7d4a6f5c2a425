package domain

import "time"

// Business limits for product intake and generated content.
const (
	MaxProductImages = 8
	PromptMinLen     = 10
	PromptMaxLen     = 500
	TitleMinLen      = 10
	TitleMaxLen      = 60
	DescriptionMin   = 50
)

// ProductImage is one uploaded photo attached to a product. ObjectKey points
// into the image store; exactly one image is primary once the list is non-empty.
type ProductImage struct {
	ID        string
	ObjectKey string
	IsPrimary bool
	Position  int
}

// Product is the aggregate root of the listing lifecycle. Status is mutated
// only through the transition table in status.go.
type Product struct {
	ID                    string
	Status                Status
	PromptText            string
	Images                []ProductImage
	Content               *GeneratedContent
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ProcessingError       string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PrimaryImage returns the image flagged as primary, or the first one.
func (p Product) PrimaryImage() (ProductImage, bool) {
	if len(p.Images) == 0 {
		return ProductImage{}, false
	}
	for _, img := range p.Images {
		if img.IsPrimary {
			return img, true
		}
	}
	return p.Images[0], true
}

// GeneratedContent is the immutable result of one generation attempt.
// A regeneration inserts a new row with Version = previous + 1.
type GeneratedContent struct {
	ID                  string
	ProductID           string
	Title               string
	Description         string
	CategoryID          string
	CategoryName        string
	Price               float64
	Currency            string
	Condition           string
	Attributes          map[string]string
	ConfidenceOverall   float64
	ConfidenceBreakdown map[string]float64
	AIProvider          string
	AIModelVersion      string
	GenerationTimeMS    int64
	Version             int
	CreatedAt           time.Time
}

// ConfidenceScore is the aggregated trust measure for generated content.
type ConfidenceScore struct {
	Overall   float64
	Breakdown map[string]float64
}

// ReviewRouting is the UX tier derived from the overall confidence.
type ReviewRouting string

const (
	// RoutingQuickApproval lets the user publish immediately.
	RoutingQuickApproval ReviewRouting = "quick_approval"
	// RoutingBalancedReview requires an edit/confirm pass.
	RoutingBalancedReview ReviewRouting = "balanced_review"
	// RoutingManualEdit treats the content as a draft only.
	RoutingManualEdit ReviewRouting = "manual_edit"
)

// Listing is the marketplace-side identity of a published product.
type Listing struct {
	ProductID   string
	ListingID   string
	Permalink   string
	PublishedAt time.Time
}
