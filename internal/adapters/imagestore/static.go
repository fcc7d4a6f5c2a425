package imagestore

import (
	"context"
	"errors"
	"strings"
)

// Static resolves object keys against a fixed public base URL. Stands in for
// the blob-store collaborator that owns upload and lifecycle.
type Static struct {
	baseURL string
}

// NewStatic creates the resolver.
func NewStatic(baseURL string) *Static {
	return &Static{baseURL: strings.TrimRight(baseURL, "/")}
}

// URL returns the fetchable URL for a stored object.
func (s *Static) URL(_ context.Context, objectKey string) (string, error) {
	key := strings.TrimSpace(objectKey)
	if key == "" {
		return "", errors.New("image store: object key is empty")
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key, nil
	}
	if s.baseURL == "" {
		return "", errors.New("image store: base url is not configured")
	}
	return s.baseURL + "/" + strings.TrimLeft(key, "/"), nil
}
