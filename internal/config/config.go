package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrMissingKafkaGroup  = errors.New("KAFKA_GROUP_ID is required when KAFKA_COMMAND_TOPICS is set")
	ErrInvalidTuning      = errors.New("invalid tuning")
	ErrInvalidRateLimit   = errors.New("invalid rate limit")
)

// Defaults.
const (
	DefaultPort                     = "5050"
	DefaultDBMaxConns               = 20
	DefaultCircleSearchRadiusMeters = 10000
	DefaultMaxBoundsResults         = 1000
	DefaultMaxPageSize              = 1000
	DefaultRateLimitRPS             = 50
	DefaultRateLimitBurst           = 100
)

// Config is the process configuration. Everything comes from the
// environment; Tuning and RateLimit may additionally be overridden by the
// YAML file named in CONFIG_FILE (see Loader).
type Config struct {
	Port        string
	DatabaseURL string
	DBMaxConns  int
	LogLevel    string
	LogFile     string
	ConfigFile  string

	RedisURL    string
	CORSOrigins []string

	KafkaBrokers       []string
	KafkaGroupID       string
	KafkaCommandTopics []string
	KafkaTopicPrefix   string

	RateLimit RateLimit
	Tuning    Tuning
}

// RateLimit bounds requests per tenant on the HTTP surface.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Tuning holds the query knobs that may change while the process runs.
type Tuning struct {
	// CircleSearchRadiusMeters is the pre-filter radius around a breadcrumb
	// used to pick circular candidates before the exact radius check.
	CircleSearchRadiusMeters float64 `yaml:"circle_search_radius_meters"`
	MaxBoundsResults         int     `yaml:"max_bounds_results"`
	MaxPageSize              int     `yaml:"max_page_size"`
}

func DefaultTuning() Tuning {
	return Tuning{
		CircleSearchRadiusMeters: DefaultCircleSearchRadiusMeters,
		MaxBoundsResults:         DefaultMaxBoundsResults,
		MaxPageSize:              DefaultMaxPageSize,
	}
}

func (t Tuning) Validate() error {
	if t.CircleSearchRadiusMeters <= 0 {
		return fmt.Errorf("%w: circle_search_radius_meters must be positive", ErrInvalidTuning)
	}
	if t.MaxBoundsResults <= 0 {
		return fmt.Errorf("%w: max_bounds_results must be positive", ErrInvalidTuning)
	}
	if t.MaxPageSize <= 0 {
		return fmt.Errorf("%w: max_page_size must be positive", ErrInvalidTuning)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
//
// Environment variables:
//   - PORT (default 5050)
//   - DATABASE_URL (required)
//   - DB_MAX_CONNS (default 20)
//   - LOG_LEVEL: debug, info, warn, error (default info)
//   - LOG_FILE: when set, logs are also written to this rotated file
//   - CONFIG_FILE: optional YAML overlay for tuning and rate_limit
//   - REDIS_URL: subscription limit store; empty disables limit checks
//   - CORS_ORIGINS: comma separated browser origins allowed to call the API
//   - KAFKA_BROKERS: comma separated; empty disables the message bus
//   - KAFKA_GROUP_ID, KAFKA_COMMAND_TOPICS, KAFKA_TOPIC_PREFIX
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST
//   - CIRCLE_SEARCH_RADIUS_METERS, MAX_BOUNDS_RESULTS, MAX_PAGE_SIZE
func LoadFromEnv() Config {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = DefaultPort
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  envInt("DB_MAX_CONNS", DefaultDBMaxConns),
		LogLevel:    strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		LogFile:     strings.TrimSpace(os.Getenv("LOG_FILE")),
		ConfigFile:  strings.TrimSpace(os.Getenv("CONFIG_FILE")),

		RedisURL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		CORSOrigins: envList("CORS_ORIGINS"),

		KafkaBrokers:       envList("KAFKA_BROKERS"),
		KafkaGroupID:       strings.TrimSpace(os.Getenv("KAFKA_GROUP_ID")),
		KafkaCommandTopics: envList("KAFKA_COMMAND_TOPICS"),
		KafkaTopicPrefix:   strings.TrimSpace(os.Getenv("KAFKA_TOPIC_PREFIX")),

		RateLimit: RateLimit{
			RPS:   envFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
			Burst: envInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		},
		Tuning: Tuning{
			CircleSearchRadiusMeters: envFloat("CIRCLE_SEARCH_RADIUS_METERS", DefaultCircleSearchRadiusMeters),
			MaxBoundsResults:         envInt("MAX_BOUNDS_RESULTS", DefaultMaxBoundsResults),
			MaxPageSize:              envInt("MAX_PAGE_SIZE", DefaultMaxPageSize),
		},
	}
}

// Validate checks that the configuration can start the service.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if len(c.KafkaBrokers) > 0 && len(c.KafkaCommandTopics) > 0 && c.KafkaGroupID == "" {
		return ErrMissingKafkaGroup
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return ErrInvalidRateLimit
	}
	return c.Tuning.Validate()
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
