package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intellipost/internal/domain"
	"intellipost/internal/infra/metrics"
	"intellipost/internal/usecase/confidence"
)

// Config tunes the resilience policy of the orchestrator.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Service drives one generation attempt end to end: trigger gate, queue
// submission, provider calls with retry and fallback, confidence evaluation,
// content persistence and progress events.
type Service struct {
	products domain.ProductRepo
	contents domain.ContentRepo
	images   domain.ImageStore
	queue    domain.GenerationQueue
	bus      domain.ProgressBus
	primary  domain.AIProvider
	fallback domain.AIProvider
	cfg      Config
	log      zerolog.Logger
}

// NewService creates the generation orchestrator. fallback may be nil when
// no secondary provider is configured.
func NewService(products domain.ProductRepo, contents domain.ContentRepo, images domain.ImageStore, queue domain.GenerationQueue, bus domain.ProgressBus, primary, fallback domain.AIProvider, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		products: products,
		contents: contents,
		images:   images,
		queue:    queue,
		bus:      bus,
		primary:  primary,
		fallback: fallback,
		cfg:      cfg.withDefaults(),
		log:      logger,
	}
}

// Trigger validates the product, enters processing through the atomic status
// gate and enqueues a generation job. A product that is already processing is
// rejected with ConflictError; the gate guarantees at most one attempt in
// flight per product.
func (s *Service) Trigger(ctx context.Context, productID string, cause domain.GenerationCause) error {
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}
	if len(product.Images) == 0 {
		return &domain.ValidationError{Field: "images", Reason: "at least one image is required"}
	}
	if !product.Status.CanTransitionTo(domain.StatusProcessing) {
		if product.Status == domain.StatusProcessing {
			metrics.GenerationConflictsTotal.Inc()
			return &domain.ConflictError{ProductID: productID, Status: product.Status}
		}
		return &domain.InvalidTransitionError{From: product.Status, To: domain.StatusProcessing}
	}

	_, ok, err := s.products.TransitionStatus(ctx, productID, domain.AllowedFrom(domain.StatusProcessing), domain.StatusProcessing, "")
	if err != nil {
		return fmt.Errorf("enter processing: %w", err)
	}
	if !ok {
		// Lost the race against a concurrent trigger.
		metrics.GenerationConflictsTotal.Inc()
		return &domain.ConflictError{ProductID: productID, Status: domain.StatusProcessing}
	}

	s.emit(domain.ProcessingEvent{
		ProductID: productID,
		Status:    domain.StatusProcessing,
		Stage:     domain.StageQueued,
		Progress:  0,
	})

	job := domain.GenerationJob{
		ID:         uuid.NewString(),
		ProductID:  productID,
		Cause:      cause,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.failAttempt(ctx, productID, "generation queue unavailable")
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Process executes one generation attempt for a queued job. Terminal
// failures are absorbed into the product's failed state; the returned error
// is reserved for infrastructure faults where redelivery makes sense.
func (s *Service) Process(ctx context.Context, job domain.GenerationJob) error {
	product, err := s.products.Get(ctx, job.ProductID)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			s.log.Warn().Str("job_id", job.ID).Str("product_id", job.ProductID).Msg("generation: job for unknown product dropped")
			return nil
		}
		return fmt.Errorf("load product: %w", err)
	}
	if product.Status != domain.StatusProcessing {
		s.log.Warn().Str("product_id", product.ID).Str("status", string(product.Status)).Msg("generation: stale job dropped")
		return nil
	}

	start := time.Now()
	req, err := s.buildRequest(ctx, product)
	if err != nil {
		s.failAttempt(ctx, product.ID, fmt.Sprintf("prepare request: %v", err))
		metrics.GenerationDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		return nil
	}

	s.emit(domain.ProcessingEvent{
		ProductID: product.ID,
		Status:    domain.StatusProcessing,
		Stage:     domain.StageImageAnalysis,
		Progress:  15,
	})

	content, provider, genErr := s.generateWithResilience(ctx, product.ID, req)
	if genErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-attempt. Leave the product processing so the
			// redelivered job picks it up; the reaper covers lost workers.
			return fmt.Errorf("generation interrupted: %w", genErr)
		}
		s.failAttempt(ctx, product.ID, generationErrorDetail(genErr))
		metrics.GenerationDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		return nil
	}

	s.emit(domain.ProcessingEvent{
		ProductID: product.ID,
		Status:    domain.StatusProcessing,
		Stage:     domain.StageDescriptionSynthesis,
		Progress:  80,
	})

	score := confidence.Evaluate(content.ConfidenceBreakdown)
	now := time.Now().UTC()
	content.ID = uuid.NewString()
	content.ProductID = product.ID
	content.ConfidenceOverall = score.Overall
	content.ConfidenceBreakdown = score.Breakdown
	content.AIProvider = provider.Name()
	content.GenerationTimeMS = time.Since(start).Milliseconds()
	content.CreatedAt = now

	saved, err := s.contents.SaveNext(ctx, content)
	if err != nil {
		s.failAttempt(ctx, product.ID, "failed to persist generated content")
		metrics.GenerationDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		return fmt.Errorf("save content: %w", err)
	}

	_, ok, err := s.products.TransitionStatus(ctx, product.ID, []domain.Status{domain.StatusProcessing}, domain.StatusReady, "")
	if err != nil {
		return fmt.Errorf("enter ready: %w", err)
	}
	if !ok {
		// Only the watchdog can move a processing product from under us.
		s.log.Error().Str("product_id", product.ID).Msg("generation: ready transition lost, product no longer processing")
		return nil
	}

	overall := saved.ConfidenceOverall
	s.emit(domain.ProcessingEvent{
		ProductID:  product.ID,
		Status:     domain.StatusReady,
		Progress:   100,
		Confidence: &overall,
		Terminal:   true,
	})
	metrics.GenerationDuration.WithLabelValues("ready").Observe(time.Since(start).Seconds())
	s.log.Info().
		Str("product_id", product.ID).
		Str("provider", saved.AIProvider).
		Int("version", saved.Version).
		Float64("confidence", overall).
		Str("routing", string(confidence.Route(overall))).
		Msg("generation: content ready")
	return nil
}

// ReapStale force-fails products stuck in processing beyond maxAge. Run
// periodically by the worker as the watchdog of last resort.
func (s *Service) ReapStale(ctx context.Context, maxAge time.Duration) error {
	stuck, err := s.products.List(ctx, domain.ProductFilter{Status: domain.StatusProcessing})
	if err != nil {
		return fmt.Errorf("list processing products: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	for _, product := range stuck {
		if product.ProcessingStartedAt == nil || product.ProcessingStartedAt.After(cutoff) {
			continue
		}
		_, ok, err := s.products.TransitionStatus(ctx, product.ID, []domain.Status{domain.StatusProcessing}, domain.StatusFailed, "processing timed out")
		if err != nil {
			return fmt.Errorf("reap product %s: %w", product.ID, err)
		}
		if !ok {
			continue
		}
		metrics.StaleProcessingReaped.Inc()
		s.emit(domain.ProcessingEvent{
			ProductID: product.ID,
			Status:    domain.StatusFailed,
			Progress:  100,
			Error:     "processing timed out",
			Terminal:  true,
		})
		s.log.Warn().Str("product_id", product.ID).Msg("generation: stale processing product reaped")
	}
	return nil
}

func (s *Service) buildRequest(ctx context.Context, product domain.Product) (domain.GenerateRequest, error) {
	if len(product.Images) == 0 {
		return domain.GenerateRequest{}, &domain.ValidationError{Field: "images", Reason: "at least one image is required"}
	}
	urls := make([]string, 0, len(product.Images))
	if primary, ok := product.PrimaryImage(); ok {
		url, err := s.images.URL(ctx, primary.ObjectKey)
		if err != nil {
			return domain.GenerateRequest{}, fmt.Errorf("resolve image %s: %w", primary.ObjectKey, err)
		}
		urls = append(urls, url)
	}
	for _, img := range product.Images {
		if img.IsPrimary {
			continue
		}
		url, err := s.images.URL(ctx, img.ObjectKey)
		if err != nil {
			return domain.GenerateRequest{}, fmt.Errorf("resolve image %s: %w", img.ObjectKey, err)
		}
		urls = append(urls, url)
	}
	return domain.GenerateRequest{ImageURLs: urls, Prompt: product.PromptText}, nil
}

// generateWithResilience runs up to MaxAttempts calls against the primary
// provider with doubling backoff, retrying only retryable provider errors,
// then exactly one fallback call when the primary was exhausted by retryable
// failures. Non-retryable errors abort immediately without fallback.
func (s *Service) generateWithResilience(ctx context.Context, productID string, req domain.GenerateRequest) (domain.GeneratedContent, domain.AIProvider, error) {
	var lastErr error
	retryableExhausted := false
	backoff := s.cfg.BackoffBase

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		content, err := s.callProvider(ctx, s.primary, req)
		if err == nil {
			return content, s.primary, nil
		}
		lastErr = err

		var provErr *domain.AIProviderError
		if !errors.As(err, &provErr) || !provErr.Retryable {
			return domain.GeneratedContent{}, nil, lastErr
		}
		s.log.Warn().Err(err).Str("product_id", productID).Int("attempt", attempt).Msg("generation: retryable provider failure")
		if attempt == s.cfg.MaxAttempts {
			retryableExhausted = true
			break
		}
		select {
		case <-ctx.Done():
			return domain.GeneratedContent{}, nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if retryableExhausted && s.fallback != nil {
		s.emit(domain.ProcessingEvent{
			ProductID: productID,
			Status:    domain.StatusProcessing,
			Stage:     domain.StageCategoryDetection,
			Progress:  50,
		})
		s.log.Warn().Str("product_id", productID).Str("provider", s.fallback.Name()).Msg("generation: primary exhausted, trying fallback")
		content, err := s.callProvider(ctx, s.fallback, req)
		if err == nil {
			return content, s.fallback, nil
		}
		lastErr = err
	}

	return domain.GeneratedContent{}, nil, lastErr
}

// callProvider runs one provider call under the per-attempt deadline. A hit
// deadline is reported as a non-retryable provider error carrying
// ErrAttemptTimeout, overriding whatever the adapter classified.
func (s *Service) callProvider(ctx context.Context, provider domain.AIProvider, req domain.GenerateRequest) (domain.GeneratedContent, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	content, err := provider.Generate(attemptCtx, req)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &domain.AIProviderError{Provider: provider.Name(), Retryable: false, Err: domain.ErrAttemptTimeout}
		}
		metrics.GenerationAttemptsTotal.WithLabelValues(provider.Name(), "error").Inc()
		return domain.GeneratedContent{}, err
	}
	metrics.GenerationAttemptsTotal.WithLabelValues(provider.Name(), "success").Inc()
	return content, nil
}

// failAttempt records the terminal failure on the product and emits the
// terminal event. Losing the transition race means the watchdog got there
// first; the product is failed either way.
func (s *Service) failAttempt(ctx context.Context, productID, detail string) {
	_, ok, err := s.products.TransitionStatus(ctx, productID, []domain.Status{domain.StatusProcessing}, domain.StatusFailed, detail)
	if err != nil {
		s.log.Error().Err(err).Str("product_id", productID).Msg("generation: failed transition error")
		return
	}
	if !ok {
		s.log.Error().Str("product_id", productID).Msg("generation: failed transition lost, product no longer processing")
		return
	}
	s.emit(domain.ProcessingEvent{
		ProductID: productID,
		Status:    domain.StatusFailed,
		Progress:  100,
		Error:     detail,
		Terminal:  true,
	})
}

func (s *Service) emit(event domain.ProcessingEvent) {
	event.At = time.Now().UTC()
	if err := s.bus.Publish(context.Background(), event); err != nil {
		s.log.Warn().Err(err).Str("product_id", event.ProductID).Msg("generation: progress publish failed")
	}
}

// generationErrorDetail produces the message stored on the product. Raw
// vendor errors stay in logs; the stored detail is user-facing.
func generationErrorDetail(err error) string {
	var provErr *domain.AIProviderError
	if errors.As(err, &provErr) {
		if errors.Is(provErr.Err, domain.ErrAttemptTimeout) {
			return "generation timed out"
		}
		if provErr.Retryable {
			return "AI provider unavailable"
		}
		return "AI provider returned an unusable response"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "generation timed out"
	}
	return "generation failed"
}
