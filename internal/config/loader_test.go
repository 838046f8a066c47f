package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 10*time.Minute, cfg.Server.ReadTimeout)
		assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.True(t, cfg.Health.Enabled)

		assert.Equal(t, int64(100<<20), cfg.Upload.ChunkSize.Int64())
		assert.Equal(t, int64(100<<20), cfg.Upload.Threshold.Int64())
		assert.Equal(t, int64(110<<20), cfg.Upload.MaxRequestSize.Int64())
		assert.Equal(t, int64(100<<20), cfg.Download.SliceSize.Int64())

		assert.Equal(t, 7*24*time.Hour, cfg.Share.DefaultExpiry)
		assert.Equal(t, 7*24*time.Hour, cfg.Share.MaxExpiry)

		assert.Empty(t, cfg.Credentials.Path)
		assert.Zero(t, cfg.RateLimit.RPS)
		assert.Equal(t, 20, cfg.RateLimit.Burst)
		assert.Empty(t, cfg.CORS.AllowedOrigins)

		assert.False(t, cfg.Janitor.Enabled)
		assert.Equal(t, "0 * * * *", cfg.Janitor.Schedule)
		assert.Equal(t, 24*time.Hour, cfg.Janitor.MaxAge)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"upload": map[string]any{
				"threshold": "5MiB",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, int64(5<<20), cfg.Upload.Threshold.Int64())

		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, int64(100<<20), cfg.Upload.ChunkSize.Int64())
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("NIMBUSGATE_PORT", "3000")
		t.Setenv("NIMBUSGATE_LOG_LEVEL", "warn")
		t.Setenv("NIMBUSGATE_METRICS_ENABLED", "false")
		t.Setenv("NIMBUSGATE_DOWNLOAD_SLICE_SIZE", "8MB")
		t.Setenv("NIMBUSGATE_CORS_ORIGINS", "https://a.example,https://b.example")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, int64(8_000_000), cfg.Download.SliceSize.Int64())
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	})

	t.Run("LongEnvNames", func(t *testing.T) {
		t.Setenv("NIMBUSGATE_SERVER_PORT", "3100")
		t.Setenv("NIMBUSGATE_JANITOR_ENABLED", "true")
		t.Setenv("NIMBUSGATE_JANITOR_MAX_AGE", "6h")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3100, cfg.Server.Port)
		assert.True(t, cfg.Janitor.Enabled)
		assert.Equal(t, 6*time.Hour, cfg.Janitor.MaxAge)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("NIMBUSGATE_PORT", "4000")

		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
share:
  default_expiry: 1h
  max_expiry: 24h
credentials:
  path: /var/lib/nimbusgate/provider.yaml
`), 0o600))

	SetConfigFile(path)
	defer SetConfigFile("")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Share.DefaultExpiry)
	assert.Equal(t, 24*time.Hour, cfg.Share.MaxExpiry)
	assert.Equal(t, "/var/lib/nimbusgate/provider.yaml", cfg.Credentials.Path)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetConfigFile("")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.yaml")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		want      string
	}{
		{"bad size", map[string]any{"upload": map[string]any{"chunk_size": "lots"}}, "decode config"},
		{"zero threshold", map[string]any{"upload": map[string]any{"threshold": 0}}, "upload.threshold"},
		{"port out of range", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
		{"max below default", map[string]any{"share": map[string]any{"max_expiry": "1m"}}, "share.max_expiry"},
		{"janitor without age", map[string]any{"janitor": map[string]any{"enabled": true, "max_age": "0s"}}, "janitor.max_age"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "NIMBUSGATE_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["NIMBUSGATE_LOG_LEVEL"])
	assert.True(t, names["NIMBUSGATE_PORT"])
	assert.True(t, names["NIMBUSGATE_HOST"])
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "NIMBUSGATE_SERVER_READ_TIMEOUT", envName("server.read_timeout"))
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8080", ServerConfig{Host: "0.0.0.0", Port: 8080}.Addr())
}

func TestByteSizeString(t *testing.T) {
	assert.NotEmpty(t, ByteSize(100<<20).String())
}
