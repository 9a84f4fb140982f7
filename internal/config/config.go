package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
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
	KafkaNotifyTopic string

	AMQPURL      string
	AMQPExchange string

	NotificationServiceURL string

	PGDSN string

	OSRMEndpoint  string
	RouteCacheTTL time.Duration

	Dispatch DispatchConfig
	Pricing  pricing.Rates
	Surge    float64

	GeoCellDegrees      float64
	CollaboratorTimeout time.Duration
	PersistAttempts     int
	PersistBackoff      time.Duration

	LogLevel      string
	RunMigrations bool
}

type DispatchConfig struct {
	Candidates   int
	RadiusMeters float64
	OfferTimeout time.Duration
}

// ConsumerConfig configures the location mirror process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	Timeout       time.Duration
	Attempts      int
	Backoff       time.Duration
	LogLevel      string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		AMQPExchange:    "notifications",
		RouteCacheTTL:   10 * time.Minute,
		Dispatch: DispatchConfig{
			Candidates:   5,
			RadiusMeters: 5000,
			OfferTimeout: 30 * time.Second,
		},
		Pricing:             pricing.DefaultRates(),
		Surge:               1.0,
		GeoCellDegrees:      0.05,
		CollaboratorTimeout: 2 * time.Second,
		PersistAttempts:     3,
		PersistBackoff:      100 * time.Millisecond,
		LogLevel:            "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		Timeout:      2 * time.Second,
		Attempts:     3,
		Backoff:      200 * time.Millisecond,
		LogLevel:     "info",
	}
}

// loadDotEnv reads .env if present. Variables already set win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

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
	setStringFromEnv(&cfg.KafkaNotifyTopic, "KAFKA_NOTIFY_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	setStringFromEnv(&cfg.NotificationServiceURL, "NOTIFICATION_SERVICE_URL")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setIntFromEnv(&cfg.Dispatch.Candidates, "DISPATCH_CANDIDATES", &errs)
	setFloatFromEnv(&cfg.Dispatch.RadiusMeters, "DISPATCH_RADIUS_METERS", &errs)
	setDurationFromEnv(&cfg.Dispatch.OfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.GeoCellDegrees, "GEO_CELL_DEGREES", &errs)
	setDurationFromEnv(&cfg.CollaboratorTimeout, "COLLABORATOR_TIMEOUT", &errs)
	setIntFromEnv(&cfg.PersistAttempts, "PERSIST_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.PersistBackoff, "PERSIST_BACKOFF", &errs)

	setFloatFromEnv(&cfg.Pricing.BaseFare, "BASE_FARE", &errs)
	for _, vt := range models.VehicleTypes {
		suffix := strings.ToUpper(string(vt))
		perKm, minimum := cfg.Pricing.PerKm[vt], cfg.Pricing.Minimum[vt]
		setFloatFromEnv(&perKm, "PRICE_PER_KM_"+suffix, &errs)
		setFloatFromEnv(&minimum, "MIN_FARE_"+suffix, &errs)
		cfg.Pricing.PerKm[vt], cfg.Pricing.Minimum[vt] = perKm, minimum
	}
	setStringFromEnv(&cfg.Pricing.Currency, "FARE_CURRENCY")
	setFloatFromEnv(&cfg.Surge, "SURGE_MULTIPLIER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Dispatch.Candidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATES must be > 0"))
	}
	if cfg.Dispatch.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_METERS must be > 0"))
	}
	if cfg.Dispatch.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.GeoCellDegrees <= 0 {
		errs = append(errs, fmt.Errorf("GEO_CELL_DEGREES must be > 0"))
	}
	if cfg.PersistAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PERSIST_ATTEMPTS must be > 0"))
	}
	if cfg.Surge <= 0 {
		errs = append(errs, fmt.Errorf("SURGE_MULTIPLIER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.Timeout, "COLLABORATOR_TIMEOUT", &errs)
	setIntFromEnv(&cfg.Attempts, "PERSIST_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Backoff, "PERSIST_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("PERSIST_ATTEMPTS must be > 0"))
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
