package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/provider-matching/internal/events"
	"github.com/example/provider-matching/internal/matcher"
)

const (
	GeoMemory   = "memory"
	GeoRedis    = "redis"
	GeoPostgres = "postgres"
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
	RequestTimeout  time.Duration

	GeoBackend    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers    []string
	KafkaTopic      string
	CatalogSyncCron string
	SeedFile        string

	PGDSN       string
	LockTimeout time.Duration

	Weights            matcher.Weights
	MatchAlgorithm     matcher.Algorithm
	MatcherTopN        int
	MatchRadiusKm      float64
	DominationCap      int
	WorkloadMaxAllowed int
	MatchRetryBackoff  time.Duration

	BookingRateLimit float64 // requests per second per client on POST /bookings
	BookingRateBurst int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RequestTimeout:     10 * time.Second,
		RedisGeoKey:        "listings_geo",
		KafkaTopic:         events.BookingEventsTopic,
		CatalogSyncCron:    "*/5 * * * *",
		LockTimeout:        3 * time.Second,
		Weights:            matcher.DefaultWeights(),
		MatchAlgorithm:     matcher.TrustHybrid,
		MatcherTopN:        matcher.DefaultTopN,
		MatchRadiusKm:      matcher.DefaultRadiusKm,
		DominationCap:      matcher.DefaultDominationCap,
		WorkloadMaxAllowed: 20,
		MatchRetryBackoff:  100 * time.Millisecond,
		BookingRateLimit:   5,
		BookingRateBurst:   10,
		LogLevel:           "info",
	}
}

// LoadDotEnv reads .env into the process environment when the file exists.
// Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RequestTimeout, "REQUEST_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.CatalogSyncCron, "CATALOG_SYNC_CRON")
	setStringFromEnv(&cfg.SeedFile, "SEED_FILE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setDurationFromEnv(&cfg.LockTimeout, "LOCK_TIMEOUT", &errs)

	switch {
	case os.Getenv("GEO_BACKEND") != "":
		cfg.GeoBackend = strings.ToLower(strings.TrimSpace(os.Getenv("GEO_BACKEND")))
	case cfg.RedisAddr != "":
		cfg.GeoBackend = GeoRedis
	case cfg.PGDSN != "":
		cfg.GeoBackend = GeoPostgres
	default:
		cfg.GeoBackend = GeoMemory
	}

	setFloatFromEnv(&cfg.Weights.Distance, "MATCH_WEIGHT_DISTANCE", &errs)
	setFloatFromEnv(&cfg.Weights.Trust, "MATCH_WEIGHT_TRUST", &errs)
	setFloatFromEnv(&cfg.Weights.Workload, "MATCH_WEIGHT_WORKLOAD", &errs)
	setFloatFromEnv(&cfg.Weights.Availability, "MATCH_WEIGHT_AVAILABILITY", &errs)
	if v := os.Getenv("MATCH_ALGORITHM"); v != "" {
		a, err := matcher.ParseAlgorithm(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid MATCH_ALGORITHM: %w", err))
		}
		cfg.MatchAlgorithm = a
	}
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DominationCap, "MATCH_DOMINATION_CAP", &errs)
	setIntFromEnv(&cfg.WorkloadMaxAllowed, "WORKLOAD_MAX_ALLOWED", &errs)
	setDurationFromEnv(&cfg.MatchRetryBackoff, "MATCH_RETRY_BACKOFF", &errs)

	setFloatFromEnv(&cfg.BookingRateLimit, "BOOKING_RATE_LIMIT", &errs)
	setIntFromEnv(&cfg.BookingRateBurst, "BOOKING_RATE_BURST", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if err := c.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MatcherTopN <= 0 || c.MatcherTopN > matcher.MaxTopN {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be in 1..%d", matcher.MaxTopN))
	}
	if c.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if c.DominationCap <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_DOMINATION_CAP must be > 0"))
	}
	if c.WorkloadMaxAllowed <= 0 {
		errs = append(errs, fmt.Errorf("WORKLOAD_MAX_ALLOWED must be > 0"))
	}
	if c.LockTimeout < 0 || c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TIMEOUT must be >= 0 and REQUEST_TIMEOUT > 0"))
	}
	switch c.GeoBackend {
	case GeoMemory:
		if c.PGDSN != "" {
			errs = append(errs, fmt.Errorf("GEO_BACKEND=memory is only built once at startup and cannot follow PG_DSN; use postgres or redis"))
		}
	case GeoRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("GEO_BACKEND=redis requires REDIS_ADDR"))
		}
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("GEO_BACKEND=redis requires PG_DSN to resync the catalog"))
		}
	case GeoPostgres:
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("GEO_BACKEND=postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GEO_BACKEND %q", c.GeoBackend))
	}
	return errs
}

// ConsumerConfig drives cmd/consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   events.ListingUpdatesTopic,
		KafkaGroup:   "provider-matching-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "listings_geo",
		LogLevel:     "info",
	}
	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	if brokersEnv != "" {
		cfg.KafkaBrokers = splitAndTrim(brokersEnv)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LISTING_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
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
