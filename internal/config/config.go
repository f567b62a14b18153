package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"plant-treatment-planner/internal/diagnosis"
	"plant-treatment-planner/internal/session"
)

// Session backends.
const (
	BackendSQLite = "sqlite"
	BackendRemote = "remote"
)

// Config holds the configuration for the application.
type Config struct {
	DatabasePath string

	SessionBackend       string
	SessionServiceURL    string
	SessionServiceSecret string
	SessionTTL           time.Duration
	// SessionRetention is how long expired sessions are kept before cleanup removes them.
	SessionRetention time.Duration

	ConfidenceThreshold float64
	ConfirmSingleObject bool
	// CatalogRulesPath overrides the embedded stage rules when set.
	CatalogRulesPath string

	// Telegram Config
	TelegramBotToken       string
	TelegramWebhookURL     string
	TelegramAllowedUserIDs []int64
	AdminTelegramID        int64

	DiagnosisIntakeSecret string
	Port                  string
	SessionServicePort    string
}

// LoadDotEnv loads variables from a .env file when one exists. Already-set variables win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// NewFromEnv creates a new Config object from environment variables.
func NewFromEnv() (*Config, error) {
	cfg := &Config{
		DatabasePath:          getEnv("DATABASE_PATH", "data/db/plantplan.db"),
		SessionBackend:        strings.ToLower(getEnv("SESSION_BACKEND", BackendSQLite)),
		SessionServiceURL:     os.Getenv("SESSION_SERVICE_URL"),
		SessionServiceSecret:  os.Getenv("SESSION_SERVICE_SECRET"),
		SessionTTL:            session.DefaultTTL,
		SessionRetention:      session.DefaultRetention,
		ConfidenceThreshold:   diagnosis.DefaultConfidenceThreshold,
		CatalogRulesPath:      os.Getenv("CATALOG_RULES_PATH"),
		TelegramBotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramWebhookURL:    os.Getenv("TELEGRAM_WEBHOOK_URL"),
		DiagnosisIntakeSecret: os.Getenv("DIAGNOSIS_INTAKE_SECRET"),
		Port:                  getEnv("PORT", "8080"),
		SessionServicePort:    getEnv("SESSION_SERVICE_PORT", "8090"),
	}

	switch cfg.SessionBackend {
	case BackendSQLite:
	case BackendRemote:
		if cfg.SessionServiceURL == "" {
			return nil, fmt.Errorf("SESSION_SERVICE_URL environment variable not set")
		}
		if cfg.SessionServiceSecret == "" {
			return nil, fmt.Errorf("SESSION_SERVICE_SECRET environment variable not set")
		}
	default:
		return nil, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}

	if raw := os.Getenv("SESSION_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("invalid SESSION_TTL %q", raw)
		}
		cfg.SessionTTL = ttl
	}

	if raw := os.Getenv("SESSION_RETENTION"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid SESSION_RETENTION %q", raw)
		}
		cfg.SessionRetention = d
	}

	if raw := os.Getenv("CONFIDENCE_THRESHOLD"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return nil, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %q", raw)
		}
		cfg.ConfidenceThreshold = v
	}

	if raw := os.Getenv("CONFIRM_SINGLE_OBJECT"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CONFIRM_SINGLE_OBJECT %q", raw)
		}
		cfg.ConfirmSingleObject = v
	}

	for _, part := range strings.Split(os.Getenv("TELEGRAM_ALLOWED_USER_IDS"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USER_IDS entry %q", part)
		}
		cfg.TelegramAllowedUserIDs = append(cfg.TelegramAllowedUserIDs, id)
	}

	if raw := os.Getenv("ADMIN_TELEGRAM_ID"); raw != "" {
		fmt.Sscanf(raw, "%d", &cfg.AdminTelegramID)
	}

	return cfg, nil
}

// RequireBot checks the variables only the bot binary needs.
func (c *Config) RequireBot() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN environment variable not set")
	}
	if c.DiagnosisIntakeSecret == "" {
		return fmt.Errorf("DIAGNOSIS_INTAKE_SECRET environment variable not set")
	}
	return nil
}

// RequireSessionService checks the variables the session service binary needs.
func (c *Config) RequireSessionService() error {
	if c.SessionServiceSecret == "" {
		return fmt.Errorf("SESSION_SERVICE_SECRET environment variable not set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
