package product

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"intellipost/internal/domain"
)

// Service handles product intake and queries. Every status mutation after
// intake goes through the generation and publish orchestrators.
type Service struct {
	products domain.ProductRepo
}

// NewService creates the product service.
func NewService(products domain.ProductRepo) *Service {
	return &Service{products: products}
}

// ImageInput describes one uploaded photo at intake.
type ImageInput struct {
	ObjectKey string
	IsPrimary bool
}

// CreateParams carries the intake payload.
type CreateParams struct {
	PromptText string
	Images     []ImageInput
}

// Create validates the intake payload and persists a product in uploading
// state. The image list is normalized so exactly one image is primary once
// the list is non-empty.
func (s *Service) Create(ctx context.Context, params CreateParams) (domain.Product, error) {
	prompt := strings.TrimSpace(params.PromptText)
	if promptLen := utf8.RuneCountInString(prompt); promptLen < domain.PromptMinLen {
		return domain.Product{}, &domain.ValidationError{Field: "prompt_text", Reason: fmt.Sprintf("must be at least %d characters", domain.PromptMinLen)}
	} else if promptLen > domain.PromptMaxLen {
		return domain.Product{}, &domain.ValidationError{Field: "prompt_text", Reason: fmt.Sprintf("must be at most %d characters", domain.PromptMaxLen)}
	}
	if len(params.Images) > domain.MaxProductImages {
		return domain.Product{}, &domain.ValidationError{Field: "images", Reason: fmt.Sprintf("at most %d images allowed", domain.MaxProductImages)}
	}

	images := make([]domain.ProductImage, 0, len(params.Images))
	primarySeen := false
	for i, in := range params.Images {
		key := strings.TrimSpace(in.ObjectKey)
		if key == "" {
			return domain.Product{}, &domain.ValidationError{Field: "images", Reason: "image reference is empty"}
		}
		primary := in.IsPrimary && !primarySeen
		if primary {
			primarySeen = true
		}
		images = append(images, domain.ProductImage{
			ID:        uuid.NewString(),
			ObjectKey: key,
			IsPrimary: primary,
			Position:  i,
		})
	}
	if len(images) > 0 && !primarySeen {
		images[0].IsPrimary = true
	}

	now := time.Now().UTC()
	product := domain.Product{
		ID:         uuid.NewString(),
		Status:     domain.StatusUploading,
		PromptText: prompt,
		Images:     images,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := s.products.Create(ctx, product)
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}
	return created, nil
}

// Get returns the product with its latest generated content, if any.
func (s *Service) Get(ctx context.Context, id string) (domain.Product, error) {
	return s.products.Get(ctx, id)
}

// List returns products matching the filter.
func (s *Service) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	return s.products.List(ctx, filter)
}
