package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"intellipost/internal/adapters/aiprovider"
	"intellipost/internal/adapters/imagestore"
	"intellipost/internal/adapters/marketplace"
	"intellipost/internal/adapters/repo"
	"intellipost/internal/domain"
	"intellipost/internal/infra/config"
	"intellipost/internal/infra/db"
	httpinfra "intellipost/internal/infra/http"
	applog "intellipost/internal/infra/log"
	"intellipost/internal/infra/metrics"
	openaiinfra "intellipost/internal/infra/openai"
	"intellipost/internal/infra/progress"
	"intellipost/internal/infra/prompts"
	"intellipost/internal/infra/queue"
	"intellipost/internal/usecase/confidence"
	"intellipost/internal/usecase/generation"
	productusecase "intellipost/internal/usecase/product"
	publishusecase "intellipost/internal/usecase/publish"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: no database connection")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	promptCfg, err := prompts.Load(cfg.PromptsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: invalid prompts file")
	}

	repoAdapter := repo.NewPostgres(pool)
	images := imagestore.NewStatic(cfg.ImageBaseURL)

	hub := progress.NewHub(logger.With().Str("component", "progress").Logger())
	bus := progress.NewRedisBus(hub, rdb, cfg.Progress.Channel, logger.With().Str("component", "progress").Logger())
	if err := bus.StartForwarder(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api: progress forwarder failed")
	}

	genQueue, err := newGenerationQueue(cfg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: generation queue unavailable")
	}

	primary := aiprovider.NewOpenAI(
		openaiinfra.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout),
		cfg.OpenAI.Model,
		promptCfg,
	)
	var fallback domain.AIProvider
	if cfg.Gemini.APIKey != "" {
		fallback = aiprovider.NewGemini(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Gemini.Model, cfg.Gemini.Timeout, promptCfg)
	}

	productService := productusecase.NewService(repoAdapter)
	generationService := generation.NewService(repoAdapter, repoAdapter, images, genQueue, bus, primary, fallback, generation.Config{
		MaxAttempts:    cfg.Generation.MaxAttempts,
		BackoffBase:    cfg.Generation.BackoffBase,
		AttemptTimeout: cfg.Generation.AttemptTimeout,
	}, logger.With().Str("component", "generation").Logger())
	publisher := marketplace.NewMeli(marketplace.Config{
		BaseURL:     cfg.Meli.BaseURL,
		AccessToken: cfg.Meli.AccessToken,
		SiteID:      cfg.Meli.SiteID,
		Timeout:     cfg.Meli.Timeout,
	}, images)
	publishService := publishusecase.NewService(repoAdapter, repoAdapter, publisher, bus, logger.With().Str("component", "publish").Logger())

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	registerRoutes(srv.Router, productService, generationService, publishService, bus, logger)

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	go func() {
		if err := srv.Start(addr(cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func addr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return fmt.Sprintf(":%d", port)
}

func newGenerationQueue(cfg config.AppConfig, rdb *redis.Client) (domain.GenerationQueue, error) {
	if cfg.Queues.Backend == "rabbitmq" {
		return queue.NewRabbitGenerationQueue(cfg.Queues.AMQPURL, cfg.Queues.Generation)
	}
	return queue.NewRedisGenerationQueue(rdb, cfg.Queues.Generation), nil
}

type createProductRequest struct {
	PromptText string `json:"prompt_text"`
	Images     []struct {
		ObjectKey string `json:"object_key"`
		IsPrimary bool   `json:"is_primary"`
	} `json:"images"`
}

type generateRequest struct {
	Cause string `json:"cause"`
}

func registerRoutes(r chi.Router, products *productusecase.Service, generations *generation.Service, publishes *publishusecase.Service, bus domain.ProgressBus, logger zerolog.Logger) {
	r.Route("/api/v1/products", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			defer req.Body.Close()
			var body createProductRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			params := productusecase.CreateParams{PromptText: body.PromptText}
			for _, img := range body.Images {
				params.Images = append(params.Images, productusecase.ImageInput{ObjectKey: img.ObjectKey, IsPrimary: img.IsPrimary})
			}
			product, err := products.Create(req.Context(), params)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			writeJSONStatus(w, http.StatusCreated, productResponse(product))
		})

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			filter := domain.ProductFilter{Status: domain.Status(req.URL.Query().Get("status")), Limit: 50}
			list, err := products.List(req.Context(), filter)
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			out := make([]map[string]any, 0, len(list))
			for _, p := range list {
				out = append(out, productResponse(p))
			}
			writeJSON(w, map[string]any{"products": out})
		})

		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			product, err := products.Get(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			writeJSON(w, productResponse(product))
		})

		r.Post("/{id}/generate", func(w http.ResponseWriter, req *http.Request) {
			defer req.Body.Close()
			var body generateRequest
			_ = json.NewDecoder(req.Body).Decode(&body)
			cause := domain.GenerationCause(body.Cause)
			if cause == "" {
				cause = domain.CauseInitial
			}
			if err := generations.Trigger(req.Context(), chi.URLParam(req, "id"), cause); err != nil {
				writeDomainError(w, logger, err)
				return
			}
			writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "processing"})
		})

		r.Post("/{id}/publish", func(w http.ResponseWriter, req *http.Request) {
			if err := publishes.Trigger(req.Context(), chi.URLParam(req, "id")); err != nil {
				writeDomainError(w, logger, err)
				return
			}
			writeJSON(w, map[string]string{"status": "accepted"})
		})

		r.Get("/{id}/listing", func(w http.ResponseWriter, req *http.Request) {
			listing, err := publishes.Listing(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeDomainError(w, logger, err)
				return
			}
			writeJSON(w, map[string]any{
				"product_id":   listing.ProductID,
				"listing_id":   listing.ListingID,
				"permalink":    listing.Permalink,
				"published_at": listing.PublishedAt,
			})
		})

		r.Get("/{id}/events", func(w http.ResponseWriter, req *http.Request) {
			streamEvents(w, req, bus, chi.URLParam(req, "id"), logger)
		})
	})
}

// streamEvents serves the progress stream over SSE. A client that connects
// after the terminal event gets nothing here; current state comes from the
// product query instead.
func streamEvents(w http.ResponseWriter, req *http.Request, bus domain.ProgressBus, productID string, logger zerolog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sub := bus.Subscribe(productID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				logger.Warn().Err(err).Msg("api: marshal progress event")
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func productResponse(p domain.Product) map[string]any {
	resp := map[string]any{
		"id":          p.ID,
		"status":      p.Status,
		"prompt_text": p.PromptText,
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
	}
	if p.ProcessingStartedAt != nil {
		resp["processing_started_at"] = p.ProcessingStartedAt
	}
	if p.ProcessingCompletedAt != nil {
		resp["processing_completed_at"] = p.ProcessingCompletedAt
	}
	if p.ProcessingError != "" {
		resp["processing_error"] = p.ProcessingError
	}
	images := make([]map[string]any, 0, len(p.Images))
	for _, img := range p.Images {
		images = append(images, map[string]any{
			"id":         img.ID,
			"object_key": img.ObjectKey,
			"is_primary": img.IsPrimary,
			"position":   img.Position,
		})
	}
	resp["images"] = images
	if p.Content != nil {
		resp["generated_content"] = map[string]any{
			"title":                p.Content.Title,
			"description":          p.Content.Description,
			"category_id":          p.Content.CategoryID,
			"category_name":        p.Content.CategoryName,
			"price":                p.Content.Price,
			"currency":             p.Content.Currency,
			"condition":            p.Content.Condition,
			"attributes":           p.Content.Attributes,
			"confidence_overall":   p.Content.ConfidenceOverall,
			"confidence_breakdown": p.Content.ConfidenceBreakdown,
			"ai_provider":          p.Content.AIProvider,
			"ai_model_version":     p.Content.AIModelVersion,
			"generation_time_ms":   p.Content.GenerationTimeMS,
			"version":              p.Content.Version,
			"routing":              confidence.Route(p.Content.ConfidenceOverall),
		}
	}
	return resp
}

func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var (
		validationErr *domain.ValidationError
		conflictErr   *domain.ConflictError
		invalidErr    *domain.InvalidTransitionError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &conflictErr):
		writeError(w, http.StatusConflict, conflictErr.Error())
	case errors.As(err, &invalidErr):
		writeError(w, http.StatusConflict, invalidErr.Error())
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrContentNotFound), errors.Is(err, domain.ErrListingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error().Err(err).Msg("api: internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
