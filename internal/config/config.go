package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	APIKeySourceStatic = "static"
	APIKeySourceStore  = "store"
)

type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	// Static backends "name:host:port,..." and discovery servers "host:port,...".
	Backends          string        `yaml:"backends"`
	DiscoveryServers  string        `yaml:"vllm_servers"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout"`
	ProxyTimeout      time.Duration `yaml:"proxy_timeout"`

	APIKeySource string        `yaml:"api_key_source"`
	APIKeys      []string      `yaml:"api_keys"`
	KeyCacheTTL  time.Duration `yaml:"key_cache_ttl"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	JWTSecret     string        `yaml:"jwt_secret"`
	JWTSecretName string        `yaml:"jwt_secret_name"`
	JWTTTL        time.Duration `yaml:"jwt_ttl"`

	AWSRegion     string `yaml:"aws_region"`
	SNSTopicARN   string `yaml:"sns_topic_arn"`
	UsageQueueURL string `yaml:"usage_queue_url"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`

	LogRetentionDays   int    `yaml:"log_retention_days"`
	LogCleanupSchedule string `yaml:"log_cleanup_schedule"`

	CircuitBreakerEnabled bool          `yaml:"circuit_breaker_enabled"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

func defaults() *Config {
	return &Config{
		Addr:                  ":8080",
		LogLevel:              "info",
		DiscoveryInterval:     30 * time.Second,
		DiscoveryTimeout:      5 * time.Second,
		ProxyTimeout:          120 * time.Second,
		APIKeySource:          APIKeySourceStore,
		KeyCacheTTL:           30 * time.Second,
		JWTTTL:                24 * time.Hour,
		LogRetentionDays:      90,
		LogCleanupSchedule:    "0 3 * * *",
		CircuitBreakerEnabled: true,
		ShutdownTimeout:       30 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// LLMMUX_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("LLMMUX_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Addr = getEnv("ADDR", cfg.Addr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Backends = getEnv("BACKENDS", cfg.Backends)
	cfg.DiscoveryServers = getEnv("VLLM_SERVERS", cfg.DiscoveryServers)
	cfg.DiscoveryInterval = getMillisEnv("DISCOVERY_INTERVAL_MS", cfg.DiscoveryInterval)
	cfg.DiscoveryTimeout = getMillisEnv("DISCOVERY_TIMEOUT_MS", cfg.DiscoveryTimeout)
	cfg.ProxyTimeout = getMillisEnv("PROXY_TIMEOUT_MS", cfg.ProxyTimeout)
	cfg.APIKeySource = getEnv("API_KEY_SOURCE", cfg.APIKeySource)
	cfg.APIKeys = getListEnv("API_KEYS", cfg.APIKeys)
	cfg.KeyCacheTTL = getDurationEnv("KEY_CACHE_TTL_SECONDS", cfg.KeyCacheTTL)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTSecretName = getEnv("JWT_SECRET_NAME", cfg.JWTSecretName)
	cfg.JWTTTL = getDurationEnv("JWT_TTL", cfg.JWTTTL)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.SNSTopicARN = getEnv("SNS_TOPIC_ARN", cfg.SNSTopicARN)
	cfg.UsageQueueURL = getEnv("USAGE_QUEUE_URL", cfg.UsageQueueURL)
	cfg.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.LogRetentionDays = getIntEnv("LOG_RETENTION_DAYS", cfg.LogRetentionDays)
	cfg.LogCleanupSchedule = getEnv("LOG_CLEANUP_SCHEDULE", cfg.LogCleanupSchedule)
	cfg.CircuitBreakerEnabled = getBoolEnv("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerEnabled)
	cfg.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.APIKeySource {
	case APIKeySourceStatic, APIKeySourceStore:
	default:
		return fmt.Errorf("API_KEY_SOURCE must be %q or %q, got %q", APIKeySourceStatic, APIKeySourceStore, c.APIKeySource)
	}
	if c.DiscoveryInterval <= 0 {
		return fmt.Errorf("discovery interval must be positive")
	}
	if c.LogRetentionDays < 1 {
		return fmt.Errorf("LOG_RETENTION_DAYS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
