package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"intellipost/internal/domain"
	"intellipost/internal/infra/metrics"
)

// Postgres implements the product, content and listing repositories on
// pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ProductRepo = (*Postgres)(nil)
	_ domain.ContentRepo = (*Postgres)(nil)
	_ domain.ListingRepo = (*Postgres)(nil)
)

// NewPostgres creates the database adapter.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const productColumns = `id, status, prompt_text, processing_started_at, processing_completed_at, processing_error, created_at, updated_at`

// Create inserts the product and its images in one transaction.
func (p *Postgres) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "products", start, err)
	if err != nil {
		return domain.Product{}, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO products (id, status, prompt_text, processing_error, created_at, updated_at)
VALUES ($1, $2, $3, '', $4, $5)
`, product.ID, string(product.Status), product.PromptText, product.CreatedAt, product.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "products_insert", "products", start, err)
	if err != nil {
		return domain.Product{}, err
	}

	for _, img := range product.Images {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO product_images (id, product_id, object_key, is_primary, position)
VALUES ($1, $2, $3, $4, $5)
`, img.ID, product.ID, img.ObjectKey, img.IsPrimary, img.Position)
		metrics.ObserveNetworkRequest("postgres", "product_images_insert", "product_images", start, err)
		if err != nil {
			return domain.Product{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

// Get returns the product with its images and latest generated content.
func (p *Postgres) Get(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	product, err := scanProduct(row)
	metrics.ObserveNetworkRequest("postgres", "products_select", "products", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, err
	}
	return p.hydrate(ctx, product)
}

// List returns products matching the filter, newest first. Images and
// content are not loaded; callers needing them use Get.
func (p *Postgres) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	builder := psql.Select(
		"id", "status", "prompt_text", "processing_started_at",
		"processing_completed_at", "processing_error", "created_at", "updated_at",
	).From("products").OrderBy("created_at DESC")
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "products_list", "products", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

// TransitionStatus atomically moves the product to the target status when
// its current status is one of from. Timestamp bookkeeping mirrors
// Product.TransitionTo. Returns ok=false when the gate did not match.
func (p *Postgres) TransitionStatus(ctx context.Context, id string, from []domain.Status, to domain.Status, procErr string) (domain.Product, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	fromValues := make([]string, 0, len(from))
	for _, s := range from {
		fromValues = append(fromValues, string(s))
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
UPDATE products SET
  status = $2,
  updated_at = now(),
  processing_started_at = CASE WHEN $2 = 'processing' THEN now() ELSE processing_started_at END,
  processing_completed_at = CASE
    WHEN $2 = 'processing' THEN NULL
    WHEN $2 = 'ready' THEN now()
    WHEN $2 = 'failed' AND status = 'processing' THEN now()
    ELSE processing_completed_at END,
  processing_error = CASE WHEN $2 = 'failed' THEN $3 ELSE '' END
WHERE id = $1 AND status = ANY($4)
RETURNING `+productColumns, id, string(to), procErr, fromValues)
	product, err := scanProduct(row)
	metrics.ObserveNetworkRequest("postgres", "products_transition", "products", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing product from a lost race.
			if _, getErr := p.Get(ctx, id); getErr != nil {
				return domain.Product{}, false, getErr
			}
			return domain.Product{}, false, nil
		}
		return domain.Product{}, false, err
	}
	hydrated, err := p.hydrate(ctx, product)
	if err != nil {
		return domain.Product{}, false, err
	}
	return hydrated, true, nil
}

// SaveNext inserts the content as the next version for its product.
func (p *Postgres) SaveNext(ctx context.Context, content domain.GeneratedContent) (domain.GeneratedContent, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	attributes, err := json.Marshal(content.Attributes)
	if err != nil {
		return domain.GeneratedContent{}, fmt.Errorf("marshal attributes: %w", err)
	}
	breakdown, err := json.Marshal(content.ConfidenceBreakdown)
	if err != nil {
		return domain.GeneratedContent{}, fmt.Errorf("marshal confidence breakdown: %w", err)
	}

	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO generated_content (
  id, product_id, title, description, category_id, category_name,
  price, currency, condition, attributes, confidence_overall,
  confidence_breakdown, ai_provider, ai_model_version, generation_time_ms,
  version, created_at
)
VALUES (
  $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
  COALESCE((SELECT MAX(version) FROM generated_content WHERE product_id = $2), 0) + 1,
  $16
)
RETURNING version
`, content.ID, content.ProductID, content.Title, content.Description,
		content.CategoryID, content.CategoryName, content.Price, content.Currency,
		content.Condition, attributes, content.ConfidenceOverall, breakdown,
		content.AIProvider, content.AIModelVersion, content.GenerationTimeMS,
		content.CreatedAt).Scan(&content.Version)
	metrics.ObserveNetworkRequest("postgres", "generated_content_insert", "generated_content", start, err)
	if err != nil {
		return domain.GeneratedContent{}, err
	}
	return content, nil
}

// Latest returns the newest content version for the product.
func (p *Postgres) Latest(ctx context.Context, productID string) (domain.GeneratedContent, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, product_id, title, description, category_id, category_name,
       price, currency, condition, attributes, confidence_overall,
       confidence_breakdown, ai_provider, ai_model_version,
       generation_time_ms, version, created_at
FROM generated_content
WHERE product_id = $1
ORDER BY version DESC
LIMIT 1
`, productID)
	content, err := scanContent(row)
	metrics.ObserveNetworkRequest("postgres", "generated_content_latest", "generated_content", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.GeneratedContent{}, domain.ErrContentNotFound
		}
		return domain.GeneratedContent{}, err
	}
	return content, nil
}

// Save upserts the marketplace identity of a published product.
func (p *Postgres) Save(ctx context.Context, listing domain.Listing) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO marketplace_listings (product_id, listing_id, permalink, published_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (product_id) DO UPDATE SET
  listing_id = EXCLUDED.listing_id,
  permalink = EXCLUDED.permalink,
  published_at = EXCLUDED.published_at
`, listing.ProductID, listing.ListingID, listing.Permalink, listing.PublishedAt)
	metrics.ObserveNetworkRequest("postgres", "listings_upsert", "marketplace_listings", start, err)
	return err
}

// ByProduct returns the marketplace identity of a published product.
func (p *Postgres) ByProduct(ctx context.Context, productID string) (domain.Listing, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var listing domain.Listing
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT product_id, listing_id, permalink, published_at
FROM marketplace_listings
WHERE product_id = $1
`, productID).Scan(&listing.ProductID, &listing.ListingID, &listing.Permalink, &listing.PublishedAt)
	metrics.ObserveNetworkRequest("postgres", "listings_select", "marketplace_listings", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrListingNotFound
		}
		return domain.Listing{}, err
	}
	return listing, nil
}

func (p *Postgres) hydrate(ctx context.Context, product domain.Product) (domain.Product, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, object_key, is_primary, position
FROM product_images
WHERE product_id = $1
ORDER BY position
`, product.ID)
	metrics.ObserveNetworkRequest("postgres", "product_images_select", "product_images", start, err)
	if err != nil {
		return domain.Product{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var img domain.ProductImage
		if err := rows.Scan(&img.ID, &img.ObjectKey, &img.IsPrimary, &img.Position); err != nil {
			return domain.Product{}, err
		}
		product.Images = append(product.Images, img)
	}
	if err := rows.Err(); err != nil {
		return domain.Product{}, err
	}

	content, err := p.Latest(ctx, product.ID)
	if err != nil {
		if errors.Is(err, domain.ErrContentNotFound) {
			return product, nil
		}
		return domain.Product{}, err
	}
	product.Content = &content
	return product, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		product     domain.Product
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&product.ID, &status, &product.PromptText, &startedAt, &completedAt, &product.ProcessingError, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	product.Status = domain.Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		product.ProcessingStartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		product.ProcessingCompletedAt = &t
	}
	return product, nil
}

func scanContent(row rowScanner) (domain.GeneratedContent, error) {
	var (
		content    domain.GeneratedContent
		attributes []byte
		breakdown  []byte
	)
	err := row.Scan(&content.ID, &content.ProductID, &content.Title, &content.Description,
		&content.CategoryID, &content.CategoryName, &content.Price, &content.Currency,
		&content.Condition, &attributes, &content.ConfidenceOverall, &breakdown,
		&content.AIProvider, &content.AIModelVersion, &content.GenerationTimeMS,
		&content.Version, &content.CreatedAt)
	if err != nil {
		return domain.GeneratedContent{}, err
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &content.Attributes); err != nil {
			return domain.GeneratedContent{}, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &content.ConfidenceBreakdown); err != nil {
			return domain.GeneratedContent{}, fmt.Errorf("decode confidence breakdown: %w", err)
		}
	}
	return content, nil
}
