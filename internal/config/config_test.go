package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.DownloadDir)
	assert.Equal(t, "cookies.txt", cfg.CookieFile)
	assert.Equal(t, 600*time.Second, cfg.Retention)
	assert.Equal(t, "best", cfg.FallbackFormat)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.True(t, cfg.ForceIPv4)
	assert.Equal(t, defaultUserAgent, cfg.UserAgent)
	assert.Equal(t, "0.0.0.0:8000", cfg.Web.BindAddress)
	assert.Equal(t, "/api", cfg.Web.APIPrefix)
	assert.Equal(t, int64(10*1024*1024), cfg.Proxy.MaxBytes)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/var/tmp/videos")
	t.Setenv("RETENTION", "90s")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:9000")
	t.Setenv("WEB_API_PREFIX", "/v1")
	t.Setenv("PROXY_TIMEOUT", "2s")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/tmp/videos", cfg.DownloadDir)
	assert.Equal(t, 90*time.Second, cfg.Retention)
	assert.Equal(t, "127.0.0.1:9000", cfg.Web.BindAddress)
	assert.Equal(t, "/v1", cfg.Web.APIPrefix)
	assert.Equal(t, 2*time.Second, cfg.Proxy.Timeout)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "zero retention", key: "RETENTION", value: "0s"},
		{name: "no workers", key: "MAX_PARALLEL", value: "0"},
		{name: "blank fallback", key: "FALLBACK_FORMAT", value: " "},
		{name: "relative prefix", key: "WEB_API_PREFIX", value: "api"},
		{name: "unparsable duration", key: "RETENTION", value: "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
