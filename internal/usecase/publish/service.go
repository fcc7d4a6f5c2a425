package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"intellipost/internal/domain"
	"intellipost/internal/infra/metrics"
)

// Service takes a ready product through publishing to published or failed,
// delegating the marketplace call to the MarketplacePublisher collaborator.
type Service struct {
	products  domain.ProductRepo
	listings  domain.ListingRepo
	publisher domain.MarketplacePublisher
	bus       domain.ProgressBus
	log       zerolog.Logger
}

// NewService creates the publish orchestrator.
func NewService(products domain.ProductRepo, listings domain.ListingRepo, publisher domain.MarketplacePublisher, bus domain.ProgressBus, logger zerolog.Logger) *Service {
	return &Service{products: products, listings: listings, publisher: publisher, bus: bus, log: logger}
}

// Trigger publishes the product's latest generated content. Validation and
// conflict errors are returned synchronously; marketplace failures are
// recorded on the product and observed through the progress stream. The
// prior content is left untouched on failure so a retry can reuse it.
func (s *Service) Trigger(ctx context.Context, productID string) error {
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}
	if product.Content == nil {
		return &domain.ValidationError{Field: "generated_content", Reason: "product has no generated content to publish"}
	}
	if !product.Status.CanTransitionTo(domain.StatusPublishing) {
		if product.Status == domain.StatusPublishing {
			return &domain.ConflictError{ProductID: productID, Status: product.Status}
		}
		return &domain.InvalidTransitionError{From: product.Status, To: domain.StatusPublishing}
	}

	_, ok, err := s.products.TransitionStatus(ctx, productID, domain.AllowedFrom(domain.StatusPublishing), domain.StatusPublishing, "")
	if err != nil {
		return fmt.Errorf("enter publishing: %w", err)
	}
	if !ok {
		return &domain.ConflictError{ProductID: productID, Status: domain.StatusPublishing}
	}

	s.emit(domain.ProcessingEvent{
		ProductID: productID,
		Status:    domain.StatusPublishing,
		Progress:  0,
	})

	listing, err := s.publisher.Publish(ctx, *product.Content, product.Images)
	if err != nil {
		detail := publishErrorDetail(err)
		if _, _, terr := s.products.TransitionStatus(ctx, productID, []domain.Status{domain.StatusPublishing}, domain.StatusFailed, detail); terr != nil {
			s.log.Error().Err(terr).Str("product_id", productID).Msg("publish: failed transition error")
		}
		s.emit(domain.ProcessingEvent{
			ProductID: productID,
			Status:    domain.StatusFailed,
			Progress:  100,
			Error:     detail,
			Terminal:  true,
		})
		metrics.PublishTotal.WithLabelValues("failed").Inc()
		s.log.Error().Err(err).Str("product_id", productID).Msg("publish: marketplace rejected listing")
		return nil
	}

	listing.ProductID = productID
	if listing.PublishedAt.IsZero() {
		listing.PublishedAt = time.Now().UTC()
	}
	if err := s.listings.Save(ctx, listing); err != nil {
		// The listing is live; losing its identity would strand it.
		return fmt.Errorf("save listing: %w", err)
	}

	if _, _, err := s.products.TransitionStatus(ctx, productID, []domain.Status{domain.StatusPublishing}, domain.StatusPublished, ""); err != nil {
		return fmt.Errorf("enter published: %w", err)
	}
	s.emit(domain.ProcessingEvent{
		ProductID: productID,
		Status:    domain.StatusPublished,
		Progress:  100,
		Terminal:  true,
	})
	metrics.PublishTotal.WithLabelValues("published").Inc()
	s.log.Info().Str("product_id", productID).Str("listing_id", listing.ListingID).Msg("publish: listing live")
	return nil
}

// Listing returns the marketplace identity of a published product.
func (s *Service) Listing(ctx context.Context, productID string) (domain.Listing, error) {
	return s.listings.ByProduct(ctx, productID)
}

func (s *Service) emit(event domain.ProcessingEvent) {
	event.At = time.Now().UTC()
	if err := s.bus.Publish(context.Background(), event); err != nil {
		s.log.Warn().Err(err).Str("product_id", event.ProductID).Msg("publish: progress publish failed")
	}
}

func publishErrorDetail(err error) string {
	var pubErr *domain.PublishError
	if errors.As(err, &pubErr) {
		if pubErr.Code != "" {
			return fmt.Sprintf("marketplace rejected the listing (%s): %s", pubErr.Code, pubErr.Message)
		}
		return fmt.Sprintf("marketplace rejected the listing: %s", pubErr.Message)
	}
	return "marketplace publish failed"
}
