package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Data tree (projects/tasks/README.md)
	DataPath string `envconfig:"DATA_PATH" default:"./data"`

	// HTTP API
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":3000"`
	AuthMode       string `envconfig:"AUTH_MODE" default:"none"` // "none" or "api-key"
	APIKey         string `envconfig:"API_KEY"`
	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"200"`
	CORSOrigins    string `envconfig:"CORS_ORIGINS"` // Comma-separated; empty allows any origin
	BodyLimitMB    int    `envconfig:"BODY_LIMIT_MB" default:"64"`

	// Signed thumbnail/download links (img tags cannot send an API key)
	URLSigningKey string        `envconfig:"URL_SIGNING_KEY"`
	SignedURLTTL  time.Duration `envconfig:"SIGNED_URL_TTL" default:"1h"`

	// Ops server: /health, /ready, /metrics, /ws/changes
	OpsPort int `envconfig:"OPS_PORT" default:"8080"`

	// README consistency layer
	Debounce        time.Duration `envconfig:"DEBOUNCE" default:"200ms"`
	VerifyAttempts  int           `envconfig:"VERIFY_ATTEMPTS" default:"5"`
	VerifyDelay     time.Duration `envconfig:"VERIFY_DELAY" default:"20ms"`
	SubscriberQueue int           `envconfig:"SUBSCRIBER_QUEUE" default:"64"`
	RecordCacheSize int           `envconfig:"RECORD_CACHE_SIZE" default:"512"`
	WatchEnabled    bool          `envconfig:"WATCH_ENABLED" default:"true"`

	// Uploads
	UploadDBPath string        `envconfig:"UPLOAD_DB_PATH"` // defaults to <DATA_PATH>/.temp/uploads.db
	UploadTTL    time.Duration `envconfig:"UPLOAD_TTL" default:"24h"`

	// Thumbnails
	MagickBin        string        `envconfig:"MAGICK_BIN" default:"magick"`
	ThumbnailSize    int           `envconfig:"THUMBNAIL_SIZE" default:"300"`
	ThumbnailTimeout time.Duration `envconfig:"THUMBNAIL_TIMEOUT" default:"30s"`

	// Background jobs
	JobWorkers   int `envconfig:"JOB_WORKERS" default:"2"`
	JobQueueSize int `envconfig:"JOB_QUEUE_SIZE" default:"256"`
}

// CORSOriginList returns the parsed list of allowed origins.
// Returns nil if not configured.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// UploadDB returns the upload ledger location.
func (c *Config) UploadDB() string {
	if c.UploadDBPath != "" {
		return c.UploadDBPath
	}
	return filepath.Join(c.DataPath, ".temp", "uploads.db")
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case "none":
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("AUTH_MODE=api-key requires API_KEY")
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}
	if c.DataPath == "" {
		return fmt.Errorf("DATA_PATH must not be empty")
	}
	if c.VerifyAttempts < 1 {
		return fmt.Errorf("VERIFY_ATTEMPTS must be >= 1")
	}
	if c.RecordCacheSize < 1 {
		return fmt.Errorf("RECORD_CACHE_SIZE must be >= 1")
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("JOB_WORKERS must be >= 1")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
