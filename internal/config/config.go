// Package config loads gateway configuration from an optional YAML file
// with environment variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Addr     string `koanf:"addr"`
	LogLevel string `koanf:"log_level"`

	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	OTLPEndpoint string `koanf:"otlp_endpoint"`

	AWSRegion     string `koanf:"aws_region"`
	SNSTopicARN   string `koanf:"sns_topic_arn"`
	SQSAuditQueue string `koanf:"sqs_audit_queue"`
	SecretBackend string `koanf:"secret_backend"` // "env" or "aws"

	PricingServiceURL string `koanf:"pricing_service_url"`

	AdminBypassToken string `koanf:"admin_bypass_token"`
	CredentialKey    string `koanf:"credential_key"`

	RateLimitRPM      int                `koanf:"rate_limit_rpm"`
	DefaultDepartment string             `koanf:"default_department"`
	Departments       map[string]string  `koanf:"departments"`
	QuotaLimits       map[string]float64 `koanf:"quota_limits"`

	ModelCacheTTL   time.Duration `koanf:"model_cache_ttl"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

func defaults() *Config {
	return &Config{
		Addr:              ":8080",
		LogLevel:          "info",
		SecretBackend:     "env",
		RateLimitRPM:      60,
		DefaultDepartment: "general",
		ModelCacheTTL:     10 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then overlays any GATEWAY_* environment variables:
// GATEWAY_DATABASE_URL -> database_url.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "GATEWAY_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.SecretBackend != "env" && cfg.SecretBackend != "aws" {
		return fmt.Errorf("invalid secret_backend %q", cfg.SecretBackend)
	}
	if cfg.SecretBackend == "aws" && cfg.AWSRegion == "" {
		return fmt.Errorf("secret_backend %q requires aws_region", cfg.SecretBackend)
	}
	return nil
}
