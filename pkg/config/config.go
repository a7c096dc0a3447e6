package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, sourced from environment
// variables with an optional .env file for local development.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Stripe   StripeConfig
	Receipts ReceiptsConfig
	Sweep    SweepConfig
}

type ServerConfig struct {
	Port               string
	RateLimitPerSecond int
	RateLimitBurst     int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type ReceiptsConfig struct {
	AppleVerifyURL        string
	AppleSandboxVerifyURL string
	AppleSharedSecret     string
	GoogleVerifyURL       string
	GoogleAPIKey          string
	RequestTimeout        time.Duration
}

type SweepConfig struct {
	Interval time.Duration
}

// Load reads configuration from the environment. A missing .env file is not
// an error; real deployments inject variables directly.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("SERVER_PORT", "8080"),
			RateLimitPerSecond: getEnvInt("RATE_LIMIT_PER_SECOND", 50),
			RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 100),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "forkful_billing"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		},
		Receipts: ReceiptsConfig{
			AppleVerifyURL:        getEnv("APPLE_VERIFY_URL", "https://buy.itunes.apple.com/verifyReceipt"),
			AppleSandboxVerifyURL: getEnv("APPLE_SANDBOX_VERIFY_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
			AppleSharedSecret:     os.Getenv("APPLE_SHARED_SECRET"),
			GoogleVerifyURL:       getEnv("GOOGLE_VERIFY_URL", "https://androidpublisher.googleapis.com/androidpublisher/v3/applications"),
			GoogleAPIKey:          os.Getenv("GOOGLE_API_KEY"),
			RequestTimeout:        getEnvDuration("RECEIPT_REQUEST_TIMEOUT", 10*time.Second),
		},
		Sweep: SweepConfig{
			Interval: getEnvDuration("PERIOD_END_SWEEP_INTERVAL", time.Hour),
		},
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
