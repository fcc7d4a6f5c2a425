package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"intellipost/internal/domain"
	"intellipost/internal/infra/metrics"
)

const defaultMeliBaseURL = "https://api.mercadolibre.com"

// Meli publishes listings through the MercadoLibre items API.
type Meli struct {
	http        *http.Client
	baseURL     string
	accessToken string
	siteID      string
	images      domain.ImageStore
}

var _ domain.MarketplacePublisher = (*Meli)(nil)

// Config holds the MercadoLibre client settings.
type Config struct {
	BaseURL     string
	AccessToken string
	SiteID      string
	Timeout     time.Duration
}

// NewMeli creates the publisher client.
func NewMeli(cfg Config, images domain.ImageStore) *Meli {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultMeliBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	siteID := cfg.SiteID
	if siteID == "" {
		siteID = "MLA"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Meli{
		http:        &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		accessToken: cfg.AccessToken,
		siteID:      siteID,
		images:      images,
	}
}

type itemPicture struct {
	Source string `json:"source"`
}

type itemAttribute struct {
	ID        string `json:"id"`
	ValueName string `json:"value_name"`
}

type itemRequest struct {
	Title             string          `json:"title"`
	SiteID            string          `json:"site_id"`
	CategoryID        string          `json:"category_id"`
	Price             float64         `json:"price"`
	CurrencyID        string          `json:"currency_id"`
	AvailableQuantity int             `json:"available_quantity"`
	BuyingMode        string          `json:"buying_mode"`
	Condition         string          `json:"condition"`
	ListingTypeID     string          `json:"listing_type_id"`
	Description       itemDescription `json:"description"`
	Pictures          []itemPicture   `json:"pictures"`
	Attributes        []itemAttribute `json:"attributes,omitempty"`
}

type itemDescription struct {
	PlainText string `json:"plain_text"`
}

type itemResponse struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink"`
}

type apiErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

// Publish creates a live listing from generated content. Every failure is
// surfaced as a PublishError; the caller records it on the product.
func (m *Meli) Publish(ctx context.Context, content domain.GeneratedContent, images []domain.ProductImage) (domain.Listing, error) {
	if m.accessToken == "" {
		return domain.Listing{}, &domain.PublishError{Message: "marketplace access token is not configured"}
	}

	pictures := make([]itemPicture, 0, len(images))
	for _, img := range images {
		url, err := m.images.URL(ctx, img.ObjectKey)
		if err != nil {
			return domain.Listing{}, &domain.PublishError{Message: fmt.Sprintf("resolve image %s", img.ObjectKey), Err: err}
		}
		pictures = append(pictures, itemPicture{Source: url})
	}

	attributes := make([]itemAttribute, 0, len(content.Attributes))
	for id, value := range content.Attributes {
		attributes = append(attributes, itemAttribute{ID: id, ValueName: value})
	}

	body, err := json.Marshal(itemRequest{
		Title:             content.Title,
		SiteID:            m.siteID,
		CategoryID:        content.CategoryID,
		Price:             content.Price,
		CurrencyID:        content.Currency,
		AvailableQuantity: 1,
		BuyingMode:        "buy_it_now",
		Condition:         content.Condition,
		ListingTypeID:     "gold_special",
		Description:       itemDescription{PlainText: content.Description},
		Pictures:          pictures,
		Attributes:        attributes,
	})
	if err != nil {
		return domain.Listing{}, &domain.PublishError{Message: "marshal item request", Err: err}
	}

	endpoint := m.baseURL + "/items"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Listing{}, &domain.PublishError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	start := time.Now()
	resp, err := m.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("mercadolibre", "create_item", m.siteID, start, err)
		return domain.Listing{}, &domain.PublishError{Message: "marketplace request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("mercadolibre", "create_item", m.siteID, start, err)
		return domain.Listing{}, &domain.PublishError{Message: "read marketplace response", Err: err}
	}
	if resp.StatusCode >= 400 {
		pubErr := &domain.PublishError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: "item rejected"}
		var envelope apiErrorResponse
		if err := json.Unmarshal(respBody, &envelope); err == nil {
			if envelope.Error != "" {
				pubErr.Code = envelope.Error
			}
			if envelope.Message != "" {
				pubErr.Message = envelope.Message
			}
		}
		metrics.ObserveNetworkRequest("mercadolibre", "create_item", m.siteID, start, pubErr)
		return domain.Listing{}, pubErr
	}
	metrics.ObserveNetworkRequest("mercadolibre", "create_item", m.siteID, start, nil)

	var item itemResponse
	if err := json.Unmarshal(respBody, &item); err != nil {
		return domain.Listing{}, &domain.PublishError{Message: "decode marketplace response", Err: err}
	}
	if item.ID == "" {
		return domain.Listing{}, &domain.PublishError{Message: "marketplace returned no listing id"}
	}
	return domain.Listing{
		ListingID:   item.ID,
		Permalink:   item.Permalink,
		PublishedAt: time.Now().UTC(),
	}, nil
}
