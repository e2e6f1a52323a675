// Package config provides configuration loading and validation for the payment service.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the payment service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"` // optional; enables the distributed sweep lock

	// Gateway
	StripeAPIKey   string        `koanf:"stripe_api_key"`
	WebhookSecret  string        `koanf:"webhook_secret"`
	GatewayTimeout time.Duration `koanf:"gateway_timeout"`

	// Operator authentication
	OperatorJWTSecret         string `koanf:"operator_jwt_secret"`
	OperatorJWTPreviousSecret string `koanf:"operator_jwt_previous_secret"`

	// Payment retries
	PaymentMaxAttempts int           `koanf:"payment_max_attempts"`
	PaymentBackoffBase time.Duration `koanf:"payment_backoff_base"`

	// Circuit breaker
	BreakerFailureThreshold int           `koanf:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `koanf:"breaker_recovery_timeout"`

	// Reconciliation
	ReconcileInterval       time.Duration `koanf:"reconcile_interval"`
	ReconcileStuckThreshold time.Duration `koanf:"reconcile_stuck_threshold"`
	ReconcileMaxAttempts    int           `koanf:"reconcile_max_attempts"`
	ReconcileBatchSize      int           `koanf:"reconcile_batch_size"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL       = errors.New("DATABASE_URL is required")
	ErrMissingStripeAPIKey      = errors.New("STRIPE_API_KEY is required")
	ErrMissingWebhookSecret     = errors.New("WEBHOOK_SECRET is required")
	ErrMissingOperatorJWTSecret = errors.New("OPERATOR_JWT_SECRET is required")
	ErrInvalidPort              = errors.New("PORT must be a valid integer")
	ErrInvalidInteger           = errors.New("value must be a valid integer")
	ErrInvalidDuration          = errors.New("value must be a valid duration")
	ErrInvalidFloat             = errors.New("value must be a valid float")
	ErrInvalidRange             = errors.New("value out of range")
	ErrInvalidExporter          = errors.New("TRACING_EXPORTER must be otlp-grpc or otlp-http")
)

// Default values for non-secret configuration.
const (
	DefaultPort                    = 8080
	DefaultEnv                     = "development"
	DefaultPaymentMaxAttempts      = 3
	DefaultPaymentBackoffBase      = time.Second
	DefaultGatewayTimeout          = 30 * time.Second
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerRecoveryTimeout  = 60 * time.Second
	DefaultReconcileInterval       = 5 * time.Minute
	DefaultReconcileStuckThreshold = 10 * time.Minute
	DefaultReconcileMaxAttempts    = 6
	DefaultReconcileBatchSize      = 100
	DefaultTracingExporter         = "otlp-http"
	DefaultTracingSampleRate       = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	l := &loader{k: k}

	// Try PAYCAPTURE_PORT first, then PORT
	port, portErr := getEnvIntOrDefaultMulti([]string{"PAYCAPTURE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		l.errs = append(l.errs, portErr)
	}

	cfg := &Config{
		Port:                      port,
		Env:                       getEnvOrDefaultMulti([]string{"PAYCAPTURE_ENV", "ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:               getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                  getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		StripeAPIKey:              getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		WebhookSecret:             getEnvOrKoanf("WEBHOOK_SECRET", k, "webhook_secret"),
		GatewayTimeout:            l.duration("GATEWAY_TIMEOUT", "gateway_timeout", DefaultGatewayTimeout),
		OperatorJWTSecret:         getEnvOrKoanf("OPERATOR_JWT_SECRET", k, "operator_jwt_secret"),
		OperatorJWTPreviousSecret: getEnvOrKoanf("OPERATOR_JWT_PREVIOUS_SECRET", k, "operator_jwt_previous_secret"),
		PaymentMaxAttempts:        l.integer("PAYMENT_MAX_ATTEMPTS", "payment_max_attempts", DefaultPaymentMaxAttempts),
		PaymentBackoffBase:        l.duration("PAYMENT_BACKOFF_BASE", "payment_backoff_base", DefaultPaymentBackoffBase),
		BreakerFailureThreshold:   l.integer("BREAKER_FAILURE_THRESHOLD", "breaker_failure_threshold", DefaultBreakerFailureThreshold),
		BreakerRecoveryTimeout:    l.duration("BREAKER_RECOVERY_TIMEOUT", "breaker_recovery_timeout", DefaultBreakerRecoveryTimeout),
		ReconcileInterval:         l.duration("RECONCILE_INTERVAL", "reconcile_interval", DefaultReconcileInterval),
		ReconcileStuckThreshold:   l.duration("RECONCILE_STUCK_THRESHOLD", "reconcile_stuck_threshold", DefaultReconcileStuckThreshold),
		ReconcileMaxAttempts:      l.integer("RECONCILE_MAX_ATTEMPTS", "reconcile_max_attempts", DefaultReconcileMaxAttempts),
		ReconcileBatchSize:        l.integer("RECONCILE_BATCH_SIZE", "reconcile_batch_size", DefaultReconcileBatchSize),
		TracingEnabled:            l.boolean("TRACING_ENABLED", "tracing_enabled", false),
		TracingExporter:           getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:           getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:         l.float("TRACING_SAMPLE_RATE", "tracing_sample_rate", DefaultTracingSampleRate),
		TracingInsecure:           l.boolean("TRACING_INSECURE", "tracing_insecure", false),
	}

	// Validate and collect errors
	errs := append(l.errs, cfg.Validate()...)
	return cfg, errs
}

// loader resolves typed values from env, then file, then default,
// collecting parse errors instead of stopping at the first one.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

func (l *loader) integer(envKey, key string, def int) int {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %w", envKey, ErrInvalidInteger))
			return def
		}
		return i
	}
	if l.k.Exists(key) {
		return l.k.Int(key)
	}
	return def
}

func (l *loader) duration(envKey, key string, def time.Duration) time.Duration {
	val := os.Getenv(envKey)
	if val == "" && l.k.Exists(key) {
		val = l.k.String(key)
	}
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration))
		return def
	}
	return d
}

func (l *loader) float(envKey, key string, def float64) float64 {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %w", envKey, ErrInvalidFloat))
			return def
		}
		return f
	}
	if l.k.Exists(key) {
		return l.k.Float64(key)
	}
	return def
}

func (l *loader) boolean(envKey, key string, def bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	if l.k.Exists(key) {
		return l.k.Bool(key)
	}
	return def
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present and
// that tunables are in range. Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.WebhookSecret == "" {
		errs = append(errs, ErrMissingWebhookSecret)
	}
	if c.OperatorJWTSecret == "" {
		errs = append(errs, ErrMissingOperatorJWTSecret)
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"PAYMENT_MAX_ATTEMPTS", c.PaymentMaxAttempts > 0},
		{"PAYMENT_BACKOFF_BASE", c.PaymentBackoffBase > 0},
		{"GATEWAY_TIMEOUT", c.GatewayTimeout > 0},
		{"BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold > 0},
		{"BREAKER_RECOVERY_TIMEOUT", c.BreakerRecoveryTimeout > 0},
		{"RECONCILE_INTERVAL", c.ReconcileInterval > 0},
		{"RECONCILE_STUCK_THRESHOLD", c.ReconcileStuckThreshold > 0},
		{"RECONCILE_MAX_ATTEMPTS", c.ReconcileMaxAttempts > 0},
		{"RECONCILE_BATCH_SIZE", c.ReconcileBatchSize > 0},
	}
	for _, p := range positive {
		if !p.ok {
			errs = append(errs, fmt.Errorf("%s must be positive: %w", p.name, ErrInvalidRange))
		}
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1: %w", ErrInvalidRange))
	}
	if c.TracingEnabled && c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
		errs = append(errs, ErrInvalidExporter)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                         strconv.Itoa(c.Port),
		"env":                          c.Env,
		"database_url":                 maskDatabaseURL(c.DatabaseURL),
		"redis_url":                    maskDatabaseURL(c.RedisURL),
		"stripe_api_key":               maskStripeKey(c.StripeAPIKey),
		"webhook_secret":               maskSecret(c.WebhookSecret),
		"gateway_timeout":              c.GatewayTimeout.String(),
		"operator_jwt_secret":          maskSecret(c.OperatorJWTSecret),
		"operator_jwt_previous_secret": maskSecret(c.OperatorJWTPreviousSecret),
		"payment_max_attempts":         strconv.Itoa(c.PaymentMaxAttempts),
		"payment_backoff_base":         c.PaymentBackoffBase.String(),
		"breaker_failure_threshold":    strconv.Itoa(c.BreakerFailureThreshold),
		"breaker_recovery_timeout":     c.BreakerRecoveryTimeout.String(),
		"reconcile_interval":           c.ReconcileInterval.String(),
		"reconcile_stuck_threshold":    c.ReconcileStuckThreshold.String(),
		"reconcile_max_attempts":       strconv.Itoa(c.ReconcileMaxAttempts),
		"reconcile_batch_size":         strconv.Itoa(c.ReconcileBatchSize),
		"tracing_enabled":              strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":             c.TracingExporter,
		"tracing_endpoint":             c.TracingEndpoint,
		"tracing_sample_rate":          strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
