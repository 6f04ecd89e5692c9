package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// Server
	APIEnabled         bool
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Redis (queue, progress, results, notifications)
	RedisURL string

	// Database (credit ledger and video assets)
	DatabaseDriver string // postgres or sqlite3
	DatabaseURL    string

	// Filesystem
	UploadsRoot string // Source videos and music must resolve inside this root
	WorkDir     string // Scratch space for overlays and encodes

	// Storage
	StorageProvider  string // local, supabase or gdrive
	StorageLocalRoot string
	PublicBaseURL    string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Google Drive
	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string

	// Render worker
	RenderConcurrency    int
	CompositorTimeout    time.Duration
	StaleOutputRetention time.Duration
	FontPath             string
	FontBoldPath         string
	EmojiFontPath        string

	// Video generation worker
	VideoGenConcurrency int
	GenUnitCost         float64
	GenProviderURL      string
	GenProviderKey      string
	GeminiKey           string // Enables the Veo provider for models prefixed "veo"
	XAIKey              string // Enables the xAI provider for models prefixed "grok"
	GenPollInterval     time.Duration
	GenPollTimeout      time.Duration
	GenMaxRetries       int
	GenRetryDelay       time.Duration

	// Runtime
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
}

var defaults = map[string]any{
	"API_ENABLED":             true,
	"API_PORT":                "8080",
	"BACKEND_API_KEY":         "",
	"CORS_ALLOWED_ORIGINS":    "",
	"REDIS_URL":               "redis://localhost:6379",
	"DATABASE_DRIVER":         "sqlite3",
	"DATABASE_URL":            "file:adreel.db?_journal_mode=WAL&_busy_timeout=5000",
	"UPLOADS_ROOT":            "./data/uploads",
	"WORK_DIR":                "./data/work",
	"STORAGE_PROVIDER":        "local",
	"STORAGE_LOCAL_ROOT":      "./data/outputs",
	"PUBLIC_BASE_URL":         "",
	"SUPABASE_URL":            "",
	"SUPABASE_SERVICE_KEY":    "",
	"SUPABASE_STORAGE_BUCKET": "ad-videos",
	"GDRIVE_CLIENT_ID":        "",
	"GDRIVE_CLIENT_SECRET":    "",
	"GDRIVE_REFRESH_TOKEN":    "",
	"GDRIVE_FOLDER_ID":        "",
	"RENDER_CONCURRENCY":      2,
	"VIDEOGEN_CONCURRENCY":    2,
	"COMPOSITOR_TIMEOUT":      "10m",
	"STALE_OUTPUT_RETENTION":  "30m",
	"FONT_PATH":               "",
	"FONT_BOLD_PATH":          "",
	"EMOJI_FONT_PATH":         "",
	"GEN_UNIT_COST":           10,
	"GEN_PROVIDER_URL":        "",
	"GEN_PROVIDER_KEY":        "",
	"GEMINI_API_KEY":          "",
	"XAI_API_KEY":             "",
	"GEN_POLL_INTERVAL":       "10s",
	"GEN_POLL_TIMEOUT":        "10m",
	"GEN_MAX_RETRIES":         3,
	"GEN_RETRY_DELAY":         "2s",
	"SHUTDOWN_TIMEOUT":        "30s",
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "json",
}

// Load reads .env (if present), the optional file named by WORKER_CONFIG,
// then the environment, which wins.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	if path := v.GetString("WORKER_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from v after applying defaults.
func FromViper(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &Config{
		APIEnabled:            v.GetBool("API_ENABLED"),
		APIPort:               v.GetString("API_PORT"),
		BackendAPIKey:         v.GetString("BACKEND_API_KEY"),
		CorsAllowedOrigins:    v.GetString("CORS_ALLOWED_ORIGINS"),
		RedisURL:              v.GetString("REDIS_URL"),
		DatabaseDriver:        strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		UploadsRoot:           v.GetString("UPLOADS_ROOT"),
		WorkDir:               v.GetString("WORK_DIR"),
		StorageProvider:       strings.ToLower(v.GetString("STORAGE_PROVIDER")),
		StorageLocalRoot:      v.GetString("STORAGE_LOCAL_ROOT"),
		PublicBaseURL:         v.GetString("PUBLIC_BASE_URL"),
		SupabaseURL:           v.GetString("SUPABASE_URL"),
		SupabaseServiceKey:    v.GetString("SUPABASE_SERVICE_KEY"),
		SupabaseStorageBucket: v.GetString("SUPABASE_STORAGE_BUCKET"),
		GDriveClientID:        v.GetString("GDRIVE_CLIENT_ID"),
		GDriveClientSecret:    v.GetString("GDRIVE_CLIENT_SECRET"),
		GDriveRefreshToken:    v.GetString("GDRIVE_REFRESH_TOKEN"),
		GDriveFolderID:        v.GetString("GDRIVE_FOLDER_ID"),
		RenderConcurrency:     v.GetInt("RENDER_CONCURRENCY"),
		CompositorTimeout:     v.GetDuration("COMPOSITOR_TIMEOUT"),
		StaleOutputRetention:  v.GetDuration("STALE_OUTPUT_RETENTION"),
		FontPath:              v.GetString("FONT_PATH"),
		FontBoldPath:          v.GetString("FONT_BOLD_PATH"),
		EmojiFontPath:         v.GetString("EMOJI_FONT_PATH"),
		VideoGenConcurrency:   v.GetInt("VIDEOGEN_CONCURRENCY"),
		GenUnitCost:           v.GetFloat64("GEN_UNIT_COST"),
		GenProviderURL:        v.GetString("GEN_PROVIDER_URL"),
		GenProviderKey:        v.GetString("GEN_PROVIDER_KEY"),
		GeminiKey:             v.GetString("GEMINI_API_KEY"),
		XAIKey:                v.GetString("XAI_API_KEY"),
		GenPollInterval:       v.GetDuration("GEN_POLL_INTERVAL"),
		GenPollTimeout:        v.GetDuration("GEN_POLL_TIMEOUT"),
		GenMaxRetries:         v.GetInt("GEN_MAX_RETRIES"),
		GenRetryDelay:         v.GetDuration("GEN_RETRY_DELAY"),
		ShutdownTimeout:       v.GetDuration("SHUTDOWN_TIMEOUT"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFormat:             v.GetString("LOG_FORMAT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	switch c.DatabaseDriver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite3, got %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.StorageProvider {
	case "local":
		if c.StorageLocalRoot == "" {
			return fmt.Errorf("STORAGE_LOCAL_ROOT is required for local storage")
		}
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for supabase storage")
		}
	case "gdrive":
		if c.GDriveClientID == "" || c.GDriveClientSecret == "" || c.GDriveRefreshToken == "" {
			return fmt.Errorf("GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN are required for gdrive storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q", c.StorageProvider)
	}

	// At least one generation provider must be configured when generation runs
	if c.VideoGenConcurrency > 0 && c.GenProviderURL == "" && c.GeminiKey == "" && c.XAIKey == "" {
		return fmt.Errorf("one of GEN_PROVIDER_URL, GEMINI_API_KEY or XAI_API_KEY is required for video generation (or set VIDEOGEN_CONCURRENCY=0)")
	}
	if c.GenProviderURL != "" && c.GenProviderKey == "" {
		return fmt.Errorf("GEN_PROVIDER_KEY is required when GEN_PROVIDER_URL is set")
	}

	if c.RenderConcurrency < 0 || c.VideoGenConcurrency < 0 {
		return fmt.Errorf("worker concurrency must not be negative")
	}
	if c.GenUnitCost < 0 || c.GenMaxRetries < 0 {
		return fmt.Errorf("GEN_UNIT_COST and GEN_MAX_RETRIES must not be negative")
	}
	if c.CompositorTimeout <= 0 || c.GenPollTimeout <= 0 || c.GenPollInterval <= 0 {
		return fmt.Errorf("COMPOSITOR_TIMEOUT, GEN_POLL_INTERVAL and GEN_POLL_TIMEOUT must be positive")
	}
	return nil
}
