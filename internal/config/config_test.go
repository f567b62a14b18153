package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATABASE_PATH", "SESSION_BACKEND", "SESSION_SERVICE_URL", "SESSION_SERVICE_SECRET", "SESSION_TTL", "SESSION_RETENTION",
		"CONFIDENCE_THRESHOLD", "CONFIRM_SINGLE_OBJECT", "CATALOG_RULES_PATH", "TELEGRAM_BOT_TOKEN", "TELEGRAM_WEBHOOK_URL",
		"TELEGRAM_ALLOWED_USER_IDS", "ADMIN_TELEGRAM_ID", "DIAGNOSIS_INTAKE_SECRET", "PORT", "SESSION_SERVICE_PORT",
	} {
		t.Setenv(k, "")
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		clearEnv(t)

		cfg, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, BackendSQLite, cfg.SessionBackend)
		assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
		assert.Equal(t, 24*time.Hour, cfg.SessionRetention)
		assert.Equal(t, 0.6, cfg.ConfidenceThreshold)
		assert.False(t, cfg.ConfirmSingleObject)
		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, "data/db/plantplan.db", cfg.DatabasePath)
	})

	t.Run("Overrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SESSION_BACKEND", "REMOTE")
		t.Setenv("SESSION_SERVICE_URL", "http://sessions.test")
		t.Setenv("SESSION_SERVICE_SECRET", "s3cret")
		t.Setenv("SESSION_TTL", "10m")
		t.Setenv("SESSION_RETENTION", "2h")
		t.Setenv("CONFIDENCE_THRESHOLD", "0.75")
		t.Setenv("CONFIRM_SINGLE_OBJECT", "true")
		t.Setenv("TELEGRAM_ALLOWED_USER_IDS", "1, 2,3")
		t.Setenv("ADMIN_TELEGRAM_ID", "42")

		cfg, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, BackendRemote, cfg.SessionBackend)
		assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
		assert.Equal(t, 2*time.Hour, cfg.SessionRetention)
		assert.Equal(t, 0.75, cfg.ConfidenceThreshold)
		assert.True(t, cfg.ConfirmSingleObject)
		assert.Equal(t, []int64{1, 2, 3}, cfg.TelegramAllowedUserIDs)
		assert.Equal(t, int64(42), cfg.AdminTelegramID)
	})

	t.Run("MissingRemoteURL", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SESSION_BACKEND", "remote")

		_, err := NewFromEnv()
		require.Error(t, err)
		assert.Equal(t, "SESSION_SERVICE_URL environment variable not set", err.Error())
	})

	t.Run("InvalidValues", func(t *testing.T) {
		for key, value := range map[string]string{
			"SESSION_BACKEND":           "redis",
			"SESSION_TTL":               "soon",
			"SESSION_RETENTION":         "-1h",
			"CONFIDENCE_THRESHOLD":      "1.5",
			"CONFIRM_SINGLE_OBJECT":     "maybe",
			"TELEGRAM_ALLOWED_USER_IDS": "1,abc",
		} {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := NewFromEnv()
			assert.Error(t, err, key)
		}
	})
}

func TestRequireBot(t *testing.T) {
	cfg := &Config{}
	assert.EqualError(t, cfg.RequireBot(), "TELEGRAM_BOT_TOKEN environment variable not set")
	cfg.TelegramBotToken = "token"
	assert.EqualError(t, cfg.RequireBot(), "DIAGNOSIS_INTAKE_SECRET environment variable not set")
	cfg.DiagnosisIntakeSecret = "intake"
	assert.NoError(t, cfg.RequireBot())

	assert.Error(t, cfg.RequireSessionService())
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9999\n"), 0o644))
	os.Unsetenv("PORT")

	LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env"))
	assert.Equal(t, "9999", os.Getenv("PORT"))
}
