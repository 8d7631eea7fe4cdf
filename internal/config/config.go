// Package config loads process configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageBolt     = "bolt"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StorageDriver string
	DatabaseURL   string
	BoltPath      string

	JWTSecret string

	ChapaSecretKey string
	ChapaBaseURL   string
	ChapaTimeout   time.Duration
	WebhookSecret  string
	PayoutSecret   string
	PublicBaseURL  string

	PaymentsEnabled      bool
	SubscriptionsEnabled bool
	PayoutsEnabled       bool

	PayoutRetryInterval    time.Duration
	PayoutRetryMaxAttempts int
	PayoutRetryMaxAge      time.Duration

	AuditFlushInterval time.Duration
	AuditBatchSize     int

	ResendAPIKey   string
	AlertEmailTo   []string
	AlertEmailFrom string
}

// Load reads path (if it exists) into the environment and builds a Config.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		Port:     e.str("PORT", "8080"),
		Env:      e.str("APP_ENV", "production"),
		LogLevel: e.str("LOG_LEVEL", "info"),

		StorageDriver: strings.ToLower(e.str("STORAGE_DRIVER", StoragePostgres)),
		DatabaseURL:   e.str("DATABASE_URL", ""),
		BoltPath:      e.str("BOLT_PATH", "payments.db"),

		JWTSecret: e.str("JWT_SECRET", ""),

		ChapaSecretKey: e.str("CHAPA_SECRET_KEY", ""),
		ChapaBaseURL:   e.str("CHAPA_BASE_URL", "https://api.chapa.co/v1"),
		ChapaTimeout:   e.duration("CHAPA_TIMEOUT", 15*time.Second),
		PublicBaseURL:  strings.TrimRight(e.str("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		PaymentsEnabled:      e.boolean("PAYMENTS_ENABLED", false),
		SubscriptionsEnabled: e.boolean("SUBSCRIPTIONS_ENABLED", false),
		PayoutsEnabled:       e.boolean("PAYOUTS_ENABLED", false),

		PayoutRetryInterval:    e.duration("PAYOUT_RETRY_INTERVAL", 15*time.Minute),
		PayoutRetryMaxAttempts: e.integer("PAYOUT_RETRY_MAX_ATTEMPTS", 5),
		PayoutRetryMaxAge:      e.duration("PAYOUT_RETRY_MAX_AGE", 72*time.Hour),

		AuditFlushInterval: e.duration("AUDIT_FLUSH_INTERVAL", 5*time.Second),
		AuditBatchSize:     e.integer("AUDIT_BATCH_SIZE", 100),

		ResendAPIKey:   e.str("RESEND_API_KEY", ""),
		AlertEmailTo:   e.list("ALERT_EMAIL_TO"),
		AlertEmailFrom: e.str("ALERT_EMAIL_FROM", "Payments <alerts@resend.dev>"),
	}

	sharedKey := e.str("ENCRYPTION_KEY", "")
	cfg.WebhookSecret = firstNonEmpty(e.str("CHAPA_WEBHOOK_SECRET", ""), sharedKey)
	cfg.PayoutSecret = firstNonEmpty(e.str("CHAPA_PAYOUT_SECRET", ""), e.str("CHAPA_WEBHOOK_SECRET", ""), sharedKey)

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(e.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for storage driver %q", c.StorageDriver)
		}
	case StorageBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required for storage driver %q", c.StorageDriver)
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.PayoutRetryMaxAttempts < 1 {
		return fmt.Errorf("PAYOUT_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *Config) Development() bool {
	return c.Env == "development"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
