package domain

import "context"

// GenerateRequest carries everything a provider needs for one attempt.
// ImageURLs are already resolved through the ImageStore.
type GenerateRequest struct {
	ImageURLs    []string
	Prompt       string
	CategoryHint string
}

// AIProvider is the uniform capability contract over one multimodal vendor
// backend. Implementations raise AIProviderError for every failure mode and
// never leak vendor-specific errors.
type AIProvider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (GeneratedContent, error)
	Score(ctx context.Context, content GeneratedContent) (ConfidenceScore, error)
}

// MarketplacePublisher turns ready content into a live listing.
type MarketplacePublisher interface {
	Publish(ctx context.Context, content GeneratedContent, images []ProductImage) (Listing, error)
}

// ImageStore resolves stored image references into fetchable URLs.
// Read-only from the core's perspective.
type ImageStore interface {
	URL(ctx context.Context, objectKey string) (string, error)
}

// ProductFilter narrows a product listing query.
type ProductFilter struct {
	Status Status
	Limit  int
	Offset int
}

// ProductRepo persists products. TransitionStatus is the mutual-exclusion
// gate: it updates status and timestamps only when the current status is in
// from, atomically, and reports how many rows changed.
type ProductRepo interface {
	Create(ctx context.Context, product Product) (Product, error)
	Get(ctx context.Context, id string) (Product, error)
	List(ctx context.Context, filter ProductFilter) ([]Product, error)
	TransitionStatus(ctx context.Context, id string, from []Status, to Status, procErr string) (Product, bool, error)
}

// ContentRepo persists generated content versions. SaveNext assigns
// Version = latest + 1 within the insert.
type ContentRepo interface {
	SaveNext(ctx context.Context, content GeneratedContent) (GeneratedContent, error)
	Latest(ctx context.Context, productID string) (GeneratedContent, error)
}

// ListingRepo stores the marketplace identity of published products.
// Kept outside the Product shape on purpose.
type ListingRepo interface {
	Save(ctx context.Context, listing Listing) error
	ByProduct(ctx context.Context, productID string) (Listing, error)
}

// ProgressSubscription yields ordered events for one product until closed.
// Closing one subscription never affects other subscribers or publishers.
type ProgressSubscription interface {
	Events() <-chan ProcessingEvent
	Close()
}

// ProgressBus fans ProcessingEvents out to live subscribers of a product id.
// Publish with no subscribers is a no-op; missed events are never replayed.
type ProgressBus interface {
	Publish(ctx context.Context, event ProcessingEvent) error
	Subscribe(productID string) ProgressSubscription
}
