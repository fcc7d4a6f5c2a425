package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"intellipost/internal/adapters/aiprovider"
	"intellipost/internal/adapters/imagestore"
	"intellipost/internal/adapters/repo"
	"intellipost/internal/domain"
	"intellipost/internal/infra/config"
	"intellipost/internal/infra/db"
	applog "intellipost/internal/infra/log"
	"intellipost/internal/infra/metrics"
	openaiinfra "intellipost/internal/infra/openai"
	"intellipost/internal/infra/progress"
	"intellipost/internal/infra/prompts"
	"intellipost/internal/infra/queue"
	"intellipost/internal/usecase/generation"
)

const reapInterval = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: no database connection")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	promptCfg, err := prompts.Load(cfg.PromptsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid prompts file")
	}

	repoAdapter := repo.NewPostgres(pool)
	images := imagestore.NewStatic(cfg.ImageBaseURL)

	hub := progress.NewHub(logger.With().Str("component", "progress").Logger())
	bus := progress.NewRedisBus(hub, rdb, cfg.Progress.Channel, logger.With().Str("component", "progress").Logger())

	genQueue, err := newGenerationQueue(cfg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: generation queue unavailable")
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

	generationService := generation.NewService(repoAdapter, repoAdapter, images, genQueue, bus, primary, fallback, generation.Config{
		MaxAttempts:    cfg.Generation.MaxAttempts,
		BackoffBase:    cfg.Generation.BackoffBase,
		AttemptTimeout: cfg.Generation.AttemptTimeout,
	}, logger.With().Str("component", "generation").Logger())

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	// Processing watchdog: force-fail products stuck past the stale window.
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := generationService.ReapStale(ctx, cfg.Generation.StaleAfter); err != nil {
					logger.Error().Err(err).Msg("worker: reap stale products")
				}
			}
		}
	}()

	logger.Info().Str("queue", cfg.Queues.Generation).Msg("worker: started")
	for {
		job, ack, err := genQueue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error().Err(err).Msg("worker: receive job")
			continue
		}
		logger.Info().Str("job_id", job.ID).Str("product_id", job.ProductID).Str("cause", string(job.Cause)).Msg("worker: job received")
		err = generationService.Process(ctx, job)
		if ackErr := ack(err == nil); ackErr != nil {
			logger.Error().Err(ackErr).Str("job_id", job.ID).Msg("worker: ack failed")
		}
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: job failed")
		}
	}
	logger.Info().Msg("worker: stopped")
}

func newGenerationQueue(cfg config.AppConfig, rdb *redis.Client) (domain.GenerationQueue, error) {
	if cfg.Queues.Backend == "rabbitmq" {
		return queue.NewRabbitGenerationQueue(cfg.Queues.AMQPURL, cfg.Queues.Generation)
	}
	return queue.NewRedisGenerationQueue(rdb, cfg.Queues.Generation), nil
}
