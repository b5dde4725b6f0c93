package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/scanledger/internal/credits"
	"github.com/MarkoPoloResearchLab/scanledger/internal/gateway/stripe"
)

// Store drivers accepted by Config.StoreDriver.
const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"
)

const (
	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite://scanledger.db"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultWebhookTolerance = 5 * time.Minute
	defaultRequestTimeout   = 10 * time.Second
	defaultShutdownTimeout  = 5 * time.Second
	maxWebhookBodyBytes     = 1 << 20
)

// Config aggregates runtime settings for the HTTP service.
type Config struct {
	ListenAddr          string
	DatabaseURL         string
	StoreDriver         string
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	AdminEmails         []string
	AdminDeltaCeiling   int64
	ReasonMaxLength     int
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBaseURL    string
	WebhookTolerance    time.Duration
	RequestTimeout      time.Duration
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.StripeAPIBaseURL = defaultIfEmpty(cfg.StripeAPIBaseURL, stripe.DefaultBaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.AdminDeltaCeiling <= 0 {
		cfg.AdminDeltaCeiling = credits.DefaultDeltaCeiling
	}
	if cfg.ReasonMaxLength <= 0 {
		cfg.ReasonMaxLength = credits.DefaultReasonMaxLength
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = defaultWebhookTolerance
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	if cfg.StoreDriver != StoreDriverGorm && cfg.StoreDriver != StoreDriverPgx {
		return fmt.Errorf("store driver must be %q or %q, got %q", StoreDriverGorm, StoreDriverPgx, cfg.StoreDriver)
	}
	if cfg.StoreDriver == StoreDriverPgx && !strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPgx)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if len(cfg.AdminEmails) == 0 {
		return fmt.Errorf("at least one admin email is required")
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits a comma-delimited setting such as allowed origins or
// admin emails into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
