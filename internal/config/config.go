// internal/config/config.go
// Centralized configuration management
// Loads from environment variables with sensible defaults

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all client configuration
type Config struct {
	Environment string

	// Shared state store
	RedisURL    string
	StorePrefix string

	// Matchmaking
	PollInterval time.Duration

	// Session
	TypingExpiry   time.Duration
	UploadErrorTTL time.Duration
	MaxImageBytes  int64

	// Image hosting (S3)
	UseS3              bool
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	S3Bucket           string
	CDNBaseURL         string

	// Observability
	MetricsAddr string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StorePrefix: getEnv("STORE_PREFIX", "ghostlink"),

		PollInterval: getEnvDuration("MATCH_POLL_INTERVAL", "2s"),

		TypingExpiry:   getEnvDuration("TYPING_EXPIRY", "3s"),
		UploadErrorTTL: getEnvDuration("UPLOAD_ERROR_TTL", "5s"),
		MaxImageBytes:  int64(getEnvInt("MAX_IMAGE_BYTES", 5*1024*1024)),

		UseS3:              getEnvBool("USE_S3", false),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Bucket:           getEnv("S3_BUCKET_NAME", "ghostlink-chat-images"),
		CDNBaseURL:         getEnv("CDN_BASE_URL", ""),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.PollInterval < 500*time.Millisecond {
		return fmt.Errorf("match poll interval must be at least 500ms")
	}
	if c.TypingExpiry <= 0 {
		return fmt.Errorf("typing expiry must be positive")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("max image size must be positive")
	}
	if c.UseS3 {
		if c.AWSAccessKeyID == "" || c.AWSSecretAccessKey == "" || c.S3Bucket == "" {
			return fmt.Errorf("S3 configuration incomplete")
		}
		if c.CDNBaseURL == "" {
			c.CDNBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", c.S3Bucket, c.AWSRegion)
		}
	}
	return nil
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions

// getEnv gets a string value from environment with a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment with a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration value from environment with a default
func getEnvDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}

// getEnvBool gets a boolean value from environment with a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
