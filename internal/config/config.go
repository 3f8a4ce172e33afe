package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName             = "Autopool"
	defaultAppEnv              = "development"
	defaultPort                = "8080"
	defaultLogLevel            = "info"
	defaultShutdownDelay       = 10 * time.Second
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultDailyPlacements     = 3
	defaultPlacementRetries    = 3
	defaultSettlementTimeout   = 30 * time.Second
	defaultSettlementInterval  = 15 * time.Second
	defaultSettlementPerSecond = 2.0
	defaultKafkaTopic          = "autopool.events"
	defaultTokenTTL            = 24 * time.Hour
	defaultWriteRatePerMinute  = 10
	devJWTSecret               = "dev-only-insecure-secret"
	idemTTLSecondsEnvVar       = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar           = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar      = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar     = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFile        string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret          string
	TokenTTL           time.Duration
	AdminToken         string
	WriteRatePerMinute int

	PlanFile            string
	DailyPlacementLimit int
	PlacementMaxRetries int

	SettlementURL       string
	SettlementTimeout   time.Duration
	SettlementInterval  time.Duration
	SettlementPerSecond float64
	StaticRate          string

	KafkaBrokers []string
	KafkaTopic   string
	OTLPEndpoint string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:             getEnv("APP_NAME", defaultAppName),
		AppEnv:              getEnv("APP_ENV", defaultAppEnv),
		Port:                getEnv("PORT", defaultPort),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFile:             os.Getenv("LOG_FILE"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		ShutdownPeriod:      defaultShutdownDelay,
		IdempotencyTTL:      defaultIdempotencyTTL,
		JWTSecret:           os.Getenv("JWT_SECRET"),
		TokenTTL:            defaultTokenTTL,
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		WriteRatePerMinute:  defaultWriteRatePerMinute,
		PlanFile:            os.Getenv("PLAN_FILE"),
		DailyPlacementLimit: defaultDailyPlacements,
		PlacementMaxRetries: defaultPlacementRetries,
		SettlementURL:       os.Getenv("SETTLEMENT_URL"),
		SettlementTimeout:   defaultSettlementTimeout,
		SettlementInterval:  defaultSettlementInterval,
		SettlementPerSecond: defaultSettlementPerSecond,
		StaticRate:          os.Getenv("STATIC_RATE"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.SettlementTimeout, err = durationEnv("", "SETTLEMENT_TIMEOUT", cfg.SettlementTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SettlementInterval, err = durationEnv("", "SETTLEMENT_INTERVAL", cfg.SettlementInterval); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = durationEnv("", "TOKEN_TTL", cfg.TokenTTL); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("DAILY_PLACEMENT_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid DAILY_PLACEMENT_LIMIT: %q", v)
		}
		cfg.DailyPlacementLimit = n
	}
	if v := os.Getenv("PLACEMENT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid PLACEMENT_MAX_RETRIES: %q", v)
		}
		cfg.PlacementMaxRetries = n
	}
	if v := os.Getenv("WRITE_RATE_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid WRITE_RATE_PER_MINUTE: %q", v)
		}
		cfg.WriteRatePerMinute = n
	}
	if v := os.Getenv("SETTLEMENT_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return Config{}, fmt.Errorf("invalid SETTLEMENT_RATE_PER_SEC: %q", v)
		}
		cfg.SettlementPerSecond = f
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if cfg.IsDev() && cfg.JWTSecret == "" {
		cfg.JWTSecret = devJWTSecret
	}
	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether the service runs in a local development environment,
// where Postgres and Redis are optional.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
