package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test from an empty directory so a developer's .env
// does not leak into Load.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./dev.db", cfg.DBPath)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.SlicerTimeout)
	assert.Equal(t, 15*time.Minute, cfg.DownloadTTL)
	assert.Equal(t, uint64(3), cfg.JobMaxRetries)
	assert.InDelta(t, 1.0, cfg.PricingDefaultMargin, 1e-9)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.True(t, cfg.IsDev())
}

func TestLoadReadsEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("SLICER_TIMEOUT", "90s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PRICING_DEFAULT_COST_PER_HOUR", "2.5")
	t.Setenv("JOB_WORKERS", "4")
	t.Setenv("SESSION_SECRET", "session")
	t.Setenv("STORAGE_SECRET", "storage")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.IsDev())
	assert.Equal(t, 90*time.Second, cfg.SlicerTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.InDelta(t, 2.5, cfg.PricingDefaultCostPerHour, 1e-9)
	assert.Equal(t, 4, cfg.JobWorkers)
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	chdirTemp(t)
	unsetEnv(t, "PORT")
	require.NoError(t, os.WriteFile(".env", []byte("PORT=9999\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"PRICING_DEFAULT_MARGIN": "0.5",
		"JOB_WORKERS":            "0",
		"SLICER_TIMEOUT":         "-1s",
		"DOWNLOAD_TTL":           "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv(key, value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresSecretsOutsideDevelopment(t *testing.T) {
	cases := map[string]string{
		"SESSION_SECRET": "STORAGE_SECRET",
		"STORAGE_SECRET": "SESSION_SECRET",
	}
	for missing, present := range cases {
		t.Run(missing, func(t *testing.T) {
			chdirTemp(t)
			t.Setenv("APP_ENV", "production")
			t.Setenv(present, "set")
			unsetEnv(t, missing)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), missing)
		})
	}

	t.Run("development allows empty secrets", func(t *testing.T) {
		chdirTemp(t)
		t.Setenv("APP_ENV", "development")
		unsetEnv(t, "SESSION_SECRET", "STORAGE_SECRET")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Contains(t, cfg.Warnings(), "SESSION_SECRET is not set")
	})
}

func TestWarningsForMissingSecrets(t *testing.T) {
	warnings := Config{}.Warnings()
	assert.Contains(t, warnings, "SESSION_SECRET is not set")
	assert.Len(t, warnings, 6)

	full := Config{
		AdminEmail: "a@b.c", AdminPassword: "pw", SessionSecret: "s",
		StorageSecret: "s", PaymentWebhookSecret: "s", InternalToken: "t",
	}
	assert.Empty(t, full.Warnings())
}
