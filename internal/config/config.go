package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN string

	CatalogPath string

	OfferTTL      time.Duration
	WaveSize      int
	SweepInterval time.Duration
	SweepLockTTL  time.Duration
	Ranking       string

	JWTSecret   string
	CORSOrigins []string

	OSRMEndpoint string
	PushEndpoint string
	PushKey      string
	StripeAPIKey string

	NotifyQueueSize int
	NotifyWorkers   int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "driver-locations",
		KafkaEventsTopic: "dispatch-events",
		OfferTTL:         2 * time.Minute,
		WaveSize:         3,
		SweepInterval:    5 * time.Second,
		SweepLockTTL:     30 * time.Second,
		Ranking:          "source",
		NotifyQueueSize:  1024,
		NotifyWorkers:    4,
		LogLevel:         "info",
	}
}

// LoadServerConfig reads an optional .env file and then the process environment.
// Real environment variables win over .env entries.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.CatalogPath = strings.TrimSpace(os.Getenv("CATALOG_PATH"))

	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setIntFromEnv(&cfg.WaveSize, "DISPATCH_WAVE_SIZE", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SweepLockTTL, "DISPATCH_SWEEP_LOCK_TTL", &errs)
	if v := os.Getenv("DISPATCH_RANKING"); v != "" {
		cfg.Ranking = strings.ToLower(strings.TrimSpace(v))
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TTL must be > 0"))
	}
	if cfg.WaveSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WAVE_SIZE must be > 0"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SWEEP_INTERVAL must be > 0"))
	}
	if cfg.NotifyQueueSize <= 0 || cfg.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be > 0"))
	}
	if cfg.Ranking != "source" && cfg.Ranking != "proximity" {
		errs = append(errs, fmt.Errorf("DISPATCH_RANKING must be source or proximity, got %q", cfg.Ranking))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
