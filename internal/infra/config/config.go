package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig describes configuration for the api and worker binaries.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`

	ImageBaseURL string `envconfig:"IMAGE_BASE_URL"`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Gemini struct {
		APIKey  string        `envconfig:"GEMINI_API_KEY"`
		BaseURL string        `envconfig:"GEMINI_BASE_URL"`
		Model   string        `envconfig:"GEMINI_MODEL" default:"gemini-1.5-pro"`
		Timeout time.Duration `envconfig:"GEMINI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Meli struct {
		BaseURL     string        `envconfig:"MELI_BASE_URL"`
		AccessToken string        `envconfig:"MELI_ACCESS_TOKEN"`
		SiteID      string        `envconfig:"MELI_SITE_ID" default:"MLA"`
		Timeout     time.Duration `envconfig:"MELI_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Generation struct {
		MaxAttempts    int           `envconfig:"GENERATION_MAX_ATTEMPTS" default:"3"`
		BackoffBase    time.Duration `envconfig:"GENERATION_BACKOFF_BASE" default:"1s"`
		AttemptTimeout time.Duration `envconfig:"GENERATION_ATTEMPT_TIMEOUT" default:"30s"`
		StaleAfter     time.Duration `envconfig:"GENERATION_STALE_AFTER" default:"2m"`
	} `envconfig:""`

	Queues struct {
		Backend    string `envconfig:"QUEUE_BACKEND" default:"redis"`
		Generation string `envconfig:"GENERATION_QUEUE_KEY" default:"generation_jobs"`
		AMQPURL    string `envconfig:"AMQP_URL"`
	} `envconfig:""`

	Progress struct {
		Channel string `envconfig:"PROGRESS_CHANNEL" default:"product_progress"`
	} `envconfig:""`

	PromptsFile string `envconfig:"PROMPTS_FILE"`
}

// Load reads the config from the environment.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
