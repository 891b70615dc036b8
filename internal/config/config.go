package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from environment variables, optionally seeded by a config.yaml
// in the working directory, with defaults that run locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"http_read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"http_write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"http_idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"http_shutdown_timeout"`

	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisGeoKey   string `mapstructure:"redis_geo_key"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`

	PGDSN string `mapstructure:"pg_dsn"`

	IndexBackend      string        `mapstructure:"index_backend"`
	IndexTimeout      time.Duration `mapstructure:"index_timeout"`
	IndexCandidateCap int           `mapstructure:"index_candidate_cap"`
	GeoCacheTTL       time.Duration `mapstructure:"geo_cache_ttl"`
	GeoCacheSize      int           `mapstructure:"geo_cache_size"`

	MatcherResultCap    int  `mapstructure:"matcher_result_cap"`
	MatcherFallbackPool int  `mapstructure:"matcher_fallback_pool"`
	MatcherSpeculative  bool `mapstructure:"matcher_speculative"`

	AlertRadiusKm   float64       `mapstructure:"alert_radius_km"`
	AlertTimeout    time.Duration `mapstructure:"alert_timeout"`
	AlertWebhookURL string        `mapstructure:"alert_webhook_url"`

	LogLevel      string `mapstructure:"log_level"`
	RunMigrations bool   `mapstructure:"migrate"`
}

// ConsumerConfig configures the location event consumer.
type ConsumerConfig struct {
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisGeoKey   string `mapstructure:"redis_geo_key"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroup   string   `mapstructure:"kafka_group"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// newViper registers every key with a default so AutomaticEnv can resolve it
// during Unmarshal. Keys map to upper case environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_read_timeout", 5*time.Second)
	v.SetDefault("http_write_timeout", 10*time.Second)
	v.SetDefault("http_idle_timeout", 120*time.Second)
	v.SetDefault("http_shutdown_timeout", 15*time.Second)
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_database", "blood-donor")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_geo_key", "donors_geo")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "donor-locations")
	v.SetDefault("kafka_group", "donor-location-consumer")
	v.SetDefault("pg_dsn", "")
	v.SetDefault("index_backend", BackendMemory)
	v.SetDefault("index_timeout", 2*time.Second)
	v.SetDefault("index_candidate_cap", 50)
	v.SetDefault("geo_cache_ttl", 30*time.Second)
	v.SetDefault("geo_cache_size", 1024)
	v.SetDefault("matcher_result_cap", 50)
	v.SetDefault("matcher_fallback_pool", 200)
	v.SetDefault("matcher_speculative", false)
	v.SetDefault("alert_radius_km", 10.0)
	v.SetDefault("alert_timeout", 15*time.Second)
	v.SetDefault("alert_webhook_url", "")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("migrate", false)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional
	v.AutomaticEnv()
	return v
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := newViper().Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	cfg.IndexBackend = strings.ToLower(strings.TrimSpace(cfg.IndexBackend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return cfg, cfg.Validate()
}

// Validate reports every unusable value at once.
func (c ServerConfig) Validate() error {
	var errs []error
	switch c.IndexBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("INDEX_BACKEND=redis requires REDIS_ADDR"))
		}
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, fmt.Errorf("INDEX_BACKEND=mongo requires MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("INDEX_BACKEND must be one of memory, redis, mongo"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("HTTP_ADDR is required"))
	}
	if c.IndexTimeout <= 0 {
		errs = append(errs, fmt.Errorf("INDEX_TIMEOUT must be > 0"))
	}
	if c.IndexCandidateCap <= 0 {
		errs = append(errs, fmt.Errorf("INDEX_CANDIDATE_CAP must be > 0"))
	}
	if c.MatcherResultCap <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RESULT_CAP must be > 0"))
	}
	if c.MatcherFallbackPool <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_FALLBACK_POOL must be > 0"))
	}
	if c.AlertRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_RADIUS_KM must be > 0"))
	}
	if c.AlertTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_TIMEOUT must be > 0"))
	}
	if c.GeoCacheSize < 0 {
		errs = append(errs, fmt.Errorf("GEO_CACHE_SIZE must be >= 0"))
	}
	return errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := newViper().Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return cfg, cfg.Validate()
}

func (c ConsumerConfig) Validate() error {
	var errs []error
	if len(c.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if c.RedisAddr == "" && c.MongoURI == "" {
		errs = append(errs, fmt.Errorf("one of REDIS_ADDR or MONGO_URI is required"))
	}
	return errors.Join(errs...)
}

// compact trims list entries and drops empty ones, so "a, b," yields [a b].
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
