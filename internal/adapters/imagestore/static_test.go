package imagestore

import (
	"context"
	"testing"
)

func TestURLJoinsBase(t *testing.T) {
	s := NewStatic("https://cdn.example.com/")

	got, err := s.URL(context.Background(), "/products/a.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://cdn.example.com/products/a.jpg" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestURLPassesThroughAbsolute(t *testing.T) {
	s := NewStatic("")

	got, err := s.URL(context.Background(), "https://other.example.com/a.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://other.example.com/a.jpg" {
		t.Fatalf("absolute keys must pass through, got %q", got)
	}
}

func TestURLRejectsEmptyKey(t *testing.T) {
	s := NewStatic("https://cdn.example.com")
	if _, err := s.URL(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestURLRequiresBaseForRelativeKeys(t *testing.T) {
	s := NewStatic("")
	if _, err := s.URL(context.Background(), "a.jpg"); err == nil {
		t.Fatalf("expected error without configured base")
	}
}
