// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `validate:"required,numeric"`
	Env       string `validate:"oneof=development staging production test"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	// Storage. Postgres is primary; the others swap individual stores.
	// Everything falls back to in-memory when unset.
	DatabaseURL   string
	MongoURL      string
	MongoDatabase string
	RedisURL      string

	// Security
	AdminSecret         string
	StripeWebhookSecret string
	RateLimitRPM        int `validate:"gte=0"`
	CORSOrigins         []string

	// Process-default messaging credentials. Each field overrides the
	// tenant and platform stored values but not the request's own.
	TwilioAccountSID          string
	TwilioAuthToken           string
	TwilioFromNumber          string
	TwilioMessagingServiceSID string
	TwilioWhatsAppFrom        string
	TwilioAPIBaseURL          string `validate:"omitempty,url"`
	TwilioTimeout             time.Duration

	// Metering behaviour
	FeedbackLinkFragment string `validate:"required"`
	UnmeteredPolicy      string `validate:"oneof=allow deny"`
	ReserveBeforeSend    bool
	StrictPlans          bool

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultMongoDatabase        = "creditmeter"
	DefaultRateLimitRPM         = 120
	DefaultTwilioAPIBaseURL     = "https://api.twilio.com"
	DefaultTwilioTimeout        = 15 * time.Second
	DefaultFeedbackLinkFragment = "/feedback/"
	DefaultUnmeteredPolicy      = "allow"
)

var validate = validator.New()

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       getEnv("ENV", DefaultEnv),
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                 getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		MongoURL:                  os.Getenv("MONGO_URL"),
		MongoDatabase:             getEnv("MONGO_DATABASE", DefaultMongoDatabase),
		RedisURL:                  os.Getenv("REDIS_URL"),
		AdminSecret:               os.Getenv("ADMIN_SECRET"),
		StripeWebhookSecret:       os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RateLimitRPM:              getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		CORSOrigins:               getEnvList("CORS_ALLOWED_ORIGINS"),
		TwilioAccountSID:          os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:           os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:          os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioMessagingServiceSID: os.Getenv("TWILIO_MESSAGING_SERVICE_SID"),
		TwilioWhatsAppFrom:        os.Getenv("TWILIO_WHATSAPP_FROM"),
		TwilioAPIBaseURL:          getEnv("TWILIO_API_BASE_URL", DefaultTwilioAPIBaseURL),
		TwilioTimeout:             getEnvDuration("TWILIO_TIMEOUT", DefaultTwilioTimeout),
		FeedbackLinkFragment:      getEnv("FEEDBACK_LINK_FRAGMENT", DefaultFeedbackLinkFragment),
		UnmeteredPolicy:           strings.ToLower(getEnv("UNMETERED_POLICY", DefaultUnmeteredPolicy)),
		ReserveBeforeSend:         getEnvBool("RESERVE_BEFORE_SEND", false),
		StrictPlans:               getEnvBool("STRICT_PLANS", false),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks field constraints and the cross-field rules the struct
// tags can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q (value %q)", fe.Field(), fe.Tag(), fmt.Sprint(fe.Value()))
		}
		return err
	}

	if (c.TwilioAccountSID == "") != (c.TwilioAuthToken == "") {
		return fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
