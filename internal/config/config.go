package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Config struct for environment variables.
type Config struct {
	DownloadDir    string        `envconfig:"DOWNLOAD_DIR" default:"."`
	CookieFile     string        `envconfig:"COOKIE_FILE" default:"cookies.txt"`
	Retention      time.Duration `envconfig:"RETENTION" default:"10m"`
	MaxParallel    int           `envconfig:"MAX_PARALLEL" default:"4"`
	FallbackFormat string        `envconfig:"FALLBACK_FORMAT" default:"best"`

	ForceIPv4            bool          `envconfig:"FORCE_IPV4" default:"true"`
	UserAgent            string        `envconfig:"USER_AGENT"`
	ExtractorAutoInstall bool          `envconfig:"EXTRACTOR_AUTO_INSTALL" default:"false"`
	MetadataTimeout      time.Duration `envconfig:"METADATA_TIMEOUT" default:"60s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Proxy struct {
		Timeout  time.Duration `split_words:"true" default:"15s"`
		MaxBytes int64         `split_words:"true" default:"10485760"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"video_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8000"`
		APIPrefix       string        `envconfig:"API_PREFIX" default:"/api"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30m"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Retention <= 0 {
		return fmt.Errorf("RETENTION must be positive, got %s", c.Retention)
	}

	if c.MaxParallel < 1 {
		return fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}

	if strings.TrimSpace(c.FallbackFormat) == "" {
		return fmt.Errorf("FALLBACK_FORMAT must not be empty")
	}

	if c.Web.APIPrefix != "" && !strings.HasPrefix(c.Web.APIPrefix, "/") {
		return fmt.Errorf("WEB_API_PREFIX must start with '/', got %q", c.Web.APIPrefix)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
