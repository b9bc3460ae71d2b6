package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration sourced from environment variables.
type Config struct {
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	DBPath        string `envconfig:"DB_PATH" default:"./dev.db"`
	Port          string `envconfig:"PORT" default:"8080"`
	AdminEmail    string `envconfig:"ADMIN_EMAIL"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD"`
	SessionSecret string `envconfig:"SESSION_SECRET"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	StorageDir     string        `envconfig:"STORAGE_DIR" default:"./data"`
	StorageBaseURL string        `envconfig:"STORAGE_BASE_URL" default:"http://localhost:8080/files"`
	StorageSecret  string        `envconfig:"STORAGE_SECRET"`
	DownloadTTL    time.Duration `envconfig:"DOWNLOAD_TTL" default:"15m"`

	SlicerURL     string        `envconfig:"SLICER_URL" default:"http://localhost:9090"`
	SlicerToken   string        `envconfig:"SLICER_TOKEN"`
	SlicerTimeout time.Duration `envconfig:"SLICER_TIMEOUT" default:"10m"`

	PaymentWebhookSecret string `envconfig:"PAYMENT_WEBHOOK_SECRET"`
	InternalToken        string `envconfig:"INTERNAL_TOKEN"`

	JobWorkers      int           `envconfig:"JOB_WORKERS" default:"2"`
	JobQueueSize    int           `envconfig:"JOB_QUEUE_SIZE" default:"128"`
	JobMaxRetries   uint64        `envconfig:"JOB_MAX_RETRIES" default:"3"`
	JobBackoff      time.Duration `envconfig:"JOB_BACKOFF" default:"2s"`
	JobDrainTimeout time.Duration `envconfig:"JOB_DRAIN_TIMEOUT" default:"30s"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"printflow.order-events"`

	RedisAddr   string        `envconfig:"REDIS_ADDR"`
	DeliveryTTL time.Duration `envconfig:"DELIVERY_TTL" default:"72h"`

	PricingDefaultCostPerHour float64 `envconfig:"PRICING_DEFAULT_COST_PER_HOUR" default:"0"`
	PricingDefaultOverhead    float64 `envconfig:"PRICING_DEFAULT_OVERHEAD" default:"0"`
	PricingDefaultMargin      float64 `envconfig:"PRICING_DEFAULT_MARGIN" default:"1.0"`
}

// Load reads .env (if present) and the environment and returns a populated Config.
func Load() (Config, error) {
	// Best-effort: load local dev environment variables.
	// We don't fail if the file is missing; production should use real env injection.
	_ = loadDotEnv(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsDev reports whether the process runs in a local development environment.
func (c Config) IsDev() bool {
	return c.AppEnv == "" || c.AppEnv == "development" || c.AppEnv == "dev" || c.AppEnv == "local"
}

// Warnings lists settings that are missing but not fatal.
func (c Config) Warnings() []string {
	var out []string
	if c.AdminEmail == "" {
		out = append(out, "ADMIN_EMAIL is not set")
	}
	if c.AdminPassword == "" {
		out = append(out, "ADMIN_PASSWORD is not set")
	}
	if c.SessionSecret == "" {
		out = append(out, "SESSION_SECRET is not set")
	}
	if c.StorageSecret == "" {
		out = append(out, "STORAGE_SECRET is not set; download links are signed with an empty key")
	}
	if c.PaymentWebhookSecret == "" {
		out = append(out, "PAYMENT_WEBHOOK_SECRET is not set; payment webhooks are rejected")
	}
	if c.InternalToken == "" {
		out = append(out, "INTERNAL_TOKEN is not set; internal slicing trigger is disabled")
	}
	return out
}

func (c Config) validate() error {
	switch {
	case c.SlicerTimeout <= 0:
		return fmt.Errorf("SLICER_TIMEOUT must be positive")
	case c.DownloadTTL <= 0:
		return fmt.Errorf("DOWNLOAD_TTL must be positive")
	case c.JobWorkers < 1:
		return fmt.Errorf("JOB_WORKERS must be at least 1")
	case c.JobQueueSize < 1:
		return fmt.Errorf("JOB_QUEUE_SIZE must be at least 1")
	case c.JobDrainTimeout <= 0:
		return fmt.Errorf("JOB_DRAIN_TIMEOUT must be positive")
	case !c.IsDev() && c.SessionSecret == "":
		return fmt.Errorf("SESSION_SECRET is required when APP_ENV is %s", c.AppEnv)
	case !c.IsDev() && c.StorageSecret == "":
		return fmt.Errorf("STORAGE_SECRET is required when APP_ENV is %s", c.AppEnv)
	case c.PricingDefaultCostPerHour < 0 || c.PricingDefaultOverhead < 0:
		return fmt.Errorf("PRICING_DEFAULT_* values must not be negative")
	case c.PricingDefaultMargin < 1:
		return fmt.Errorf("PRICING_DEFAULT_MARGIN must be at least 1.0")
	}
	return nil
}
