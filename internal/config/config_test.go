package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "autopath.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Extractor.MinSampleSize)
	assert.Equal(t, 720*time.Hour, cfg.Extractor.DecayHalfLife)
	assert.Equal(t, 48*time.Hour, cfg.Shadow.MatchWindow)
	assert.Equal(t, 720*time.Hour, cfg.Shadow.GraceWindow)
	assert.Equal(t, 20, cfg.Shadow.RollingWindow)
	assert.InDelta(t, 0.70, cfg.Promotion.Threshold, 1e-9)
	assert.Equal(t, 5, cfg.Promotion.MinSamples)
	assert.Equal(t, 168*time.Hour, cfg.Executor.CooldownWindow)
	assert.Equal(t, 10, cfg.Executor.DailyRateCap)
	assert.Equal(t, 10*time.Second, cfg.Executor.DispatchTimeout)
}

func TestLoad(t *testing.T) {
	t.Run("no file returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
	})

	t.Run("missing file is tolerated", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
	})

	t.Run("yaml file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
store:
  path: /var/lib/autopath/autopath.db
executor:
  daily_rate_cap: 3
promotion:
  threshold: 0.85
actions:
  - outreach.call
  - discount.apply
`), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, "/var/lib/autopath/autopath.db", cfg.Store.Path)
		assert.Equal(t, 3, cfg.Executor.DailyRateCap)
		assert.InDelta(t, 0.85, cfg.Promotion.Threshold, 1e-9)
		assert.Equal(t, []string{"outreach.call", "discount.apply"}, cfg.Actions)

		// Untouched sections keep their defaults.
		assert.Equal(t, 168*time.Hour, cfg.Executor.CooldownWindow)
		assert.Equal(t, 5, cfg.Promotion.MinSamples)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644))

		t.Setenv("AUTOPATH_SERVER_ADDR", ":7070")
		t.Setenv("AUTOPATH_EXECUTOR_DAILY_RATE_CAP", "4")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.Server.Addr)
		assert.Equal(t, 4, cfg.Executor.DailyRateCap)
	})

	t.Run("invalid yaml rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("promotion:\n  threshold: 1.5\n"), 0o644))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "threshold")
	})
}

func TestValidate(t *testing.T) {
	mutations := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server addr"},
		{"empty store path", func(c *Config) { c.Store.Path = "" }, "store"},
		{"zero sample size", func(c *Config) { c.Extractor.MinSampleSize = 0 }, "min_sample_size"},
		{"grace shorter than match", func(c *Config) { c.Shadow.GraceWindow = time.Hour }, "grace_window"},
		{"threshold above one", func(c *Config) { c.Promotion.Threshold = 1.2 }, "threshold"},
		{"zero rate cap", func(c *Config) { c.Executor.DailyRateCap = 0 }, "daily_rate_cap"},
		{"negative cooldown", func(c *Config) { c.Executor.CooldownWindow = -time.Hour }, "cooldown_window"},
		{"bad log level", func(c *Config) { c.Logging.Level = "shout" }, "logging"},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToDomainConfigs(t *testing.T) {
	cfg := Default()
	cfg.Extractor.SuccessLabels = map[string]string{"usage.drop": "retained"}

	ext := cfg.Extractor.ToExtractor()
	assert.Equal(t, 5, ext.MinSampleSize)
	assert.Equal(t, "retained", ext.SuccessLabels["usage.drop"])

	sh := cfg.Shadow.ToShadow()
	assert.Equal(t, 48*time.Hour, sh.MatchWindow)

	promo := cfg.Promotion.ToPromotion()
	assert.InDelta(t, 0.70, promo.Threshold, 1e-9)

	exec := cfg.Executor.ToExecutor()
	assert.Equal(t, 168*time.Hour, exec.CooldownWindow)
}
