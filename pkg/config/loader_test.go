package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskhub/pkg/config"
)

type billingConfig struct {
	WebhookSecret string        `env:"TEST_STRIPE_WEBHOOK_SECRET,required"`
	TrialGrace    time.Duration `env:"TEST_TRIAL_GRACE" envDefault:"1h"`
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_STRIPE_WEBHOOK_SECRET", "whsec_test")

	var cfg billingConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
	assert.Equal(t, time.Hour, cfg.TrialGrace)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.env")
	require.NoError(t, os.WriteFile(path, []byte("TEST_ENVFILE_SECRET=from_file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("TEST_ENVFILE_SECRET") })

	var cfg struct {
		Secret string `env:"TEST_ENVFILE_SECRET,required"`
	}
	require.NoError(t, config.Load(&cfg, path))
	assert.Equal(t, "from_file", cfg.Secret)
}

func TestLoad_Errors(t *testing.T) {
	var nilCfg *billingConfig
	assert.ErrorIs(t, config.Load(nilCfg), config.ErrNilPointer)

	var cfg struct {
		Missing string `env:"TEST_DEFINITELY_MISSING_VAR,required"`
	}
	assert.ErrorIs(t, config.Load(&cfg), config.ErrParsingConfig)
	assert.ErrorIs(t, config.Load(&cfg, "/nonexistent/.env"), config.ErrLoadingEnvFile)
	assert.Panics(t, func() { config.MustLoad(&cfg) })
}
