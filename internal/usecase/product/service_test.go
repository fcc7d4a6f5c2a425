package product

import (
	"context"
	"errors"
	"strings"
	"testing"

	"intellipost/internal/domain"
)

type stubRepo struct {
	created []domain.Product
}

func (s *stubRepo) Create(_ context.Context, p domain.Product) (domain.Product, error) {
	s.created = append(s.created, p)
	return p, nil
}

func (s *stubRepo) Get(_ context.Context, id string) (domain.Product, error) {
	for _, p := range s.created {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Product{}, domain.ErrProductNotFound
}

func (s *stubRepo) List(_ context.Context, _ domain.ProductFilter) ([]domain.Product, error) {
	return s.created, nil
}

func (s *stubRepo) TransitionStatus(_ context.Context, _ string, _ []domain.Status, _ domain.Status, _ string) (domain.Product, bool, error) {
	return domain.Product{}, false, errors.New("not implemented")
}

func validParams() CreateParams {
	return CreateParams{
		PromptText: "iPhone 13 Pro usado, excelente estado, 128GB",
		Images: []ImageInput{
			{ObjectKey: "a.jpg"},
			{ObjectKey: "b.jpg", IsPrimary: true},
			{ObjectKey: "c.jpg"},
		},
	}
}

func TestCreateStartsInUploading(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Status != domain.StatusUploading {
		t.Fatalf("expected uploading, got %s", created.Status)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if len(created.Images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(created.Images))
	}
	for i, img := range created.Images {
		if img.Position != i {
			t.Fatalf("expected positions to follow declaration order, got %d at %d", img.Position, i)
		}
		if img.ID == "" {
			t.Fatalf("expected image ids assigned")
		}
	}
}

func TestCreateHonorsDeclaredPrimary(t *testing.T) {
	svc := NewService(&stubRepo{})

	created, err := svc.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	primaries := 0
	for _, img := range created.Images {
		if img.IsPrimary {
			primaries++
			if img.ObjectKey != "b.jpg" {
				t.Fatalf("expected declared primary b.jpg, got %s", img.ObjectKey)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("expected exactly one primary, got %d", primaries)
	}
	primary, ok := created.PrimaryImage()
	if !ok || primary.ObjectKey != "b.jpg" {
		t.Fatalf("PrimaryImage must return the declared primary")
	}
}

func TestCreateDefaultsFirstImageAsPrimary(t *testing.T) {
	svc := NewService(&stubRepo{})
	params := validParams()
	for i := range params.Images {
		params.Images[i].IsPrimary = false
	}

	created, err := svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created.Images[0].IsPrimary {
		t.Fatalf("first image must become primary when none is declared")
	}
}

func TestCreateKeepsFirstOfDuplicatePrimaries(t *testing.T) {
	svc := NewService(&stubRepo{})
	params := validParams()
	params.Images[0].IsPrimary = true
	params.Images[2].IsPrimary = true

	created, err := svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	primaries := 0
	for _, img := range created.Images {
		if img.IsPrimary {
			primaries++
			if img.ObjectKey != "a.jpg" {
				t.Fatalf("first declared primary wins, got %s", img.ObjectKey)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("expected exactly one primary, got %d", primaries)
	}
}

func TestCreateValidatesPrompt(t *testing.T) {
	svc := NewService(&stubRepo{})

	cases := map[string]string{
		"too short":       "corto",
		"whitespace only": "          ",
		"too long":        strings.Repeat("x", domain.PromptMaxLen+1),
	}
	for name, prompt := range cases {
		params := validParams()
		params.PromptText = prompt
		_, err := svc.Create(context.Background(), params)
		var validationErr *domain.ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
		if validationErr.Field != "prompt_text" {
			t.Fatalf("%s: expected prompt_text field, got %s", name, validationErr.Field)
		}
	}
}

func TestCreatePromptBoundsCountRunes(t *testing.T) {
	svc := NewService(&stubRepo{})

	// 500 runes but well over 500 bytes.
	params := validParams()
	params.PromptText = strings.Repeat("ñ", domain.PromptMaxLen)
	if _, err := svc.Create(context.Background(), params); err != nil {
		t.Fatalf("accented prompt at the limit must be accepted: %v", err)
	}

	params.PromptText = strings.Repeat("ñ", domain.PromptMaxLen+1)
	_, err := svc.Create(context.Background(), params)
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError past the limit, got %v", err)
	}

	params.PromptText = strings.Repeat("á", domain.PromptMinLen)
	if _, err := svc.Create(context.Background(), params); err != nil {
		t.Fatalf("accented prompt at the minimum must be accepted: %v", err)
	}
}

func TestCreateRejectsTooManyImages(t *testing.T) {
	svc := NewService(&stubRepo{})
	params := validParams()
	params.Images = nil
	for i := 0; i <= domain.MaxProductImages; i++ {
		params.Images = append(params.Images, ImageInput{ObjectKey: "img.jpg"})
	}

	_, err := svc.Create(context.Background(), params)
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Field != "images" {
		t.Fatalf("expected images field, got %s", validationErr.Field)
	}
}

func TestCreateRejectsEmptyImageReference(t *testing.T) {
	svc := NewService(&stubRepo{})
	params := validParams()
	params.Images[1].ObjectKey = "   "

	_, err := svc.Create(context.Background(), params)
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateAllowsZeroImages(t *testing.T) {
	svc := NewService(&stubRepo{})
	params := validParams()
	params.Images = nil

	created, err := svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created.Images) != 0 {
		t.Fatalf("expected no images, got %d", len(created.Images))
	}
	if _, ok := created.PrimaryImage(); ok {
		t.Fatalf("no primary without images")
	}
}
