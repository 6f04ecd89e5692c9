package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func baseViper(overrides map[string]any) *viper.Viper {
	v := viper.New()
	v.Set("GEN_PROVIDER_URL", "https://api.provider.test")
	v.Set("GEN_PROVIDER_KEY", "k")
	for key, value := range overrides {
		v.Set(key, value)
	}
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(baseViper(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RenderConcurrency != 2 || cfg.VideoGenConcurrency != 2 {
		t.Errorf("concurrency = %d/%d", cfg.RenderConcurrency, cfg.VideoGenConcurrency)
	}
	if cfg.CompositorTimeout != 10*time.Minute || cfg.StaleOutputRetention != 30*time.Minute {
		t.Errorf("timeouts = %s/%s", cfg.CompositorTimeout, cfg.StaleOutputRetention)
	}
	if cfg.GenUnitCost != 10 || cfg.GenMaxRetries != 3 {
		t.Errorf("gen = %v/%d", cfg.GenUnitCost, cfg.GenMaxRetries)
	}
	if cfg.StorageProvider != "local" || cfg.DatabaseDriver != "sqlite3" {
		t.Errorf("providers = %s/%s", cfg.StorageProvider, cfg.DatabaseDriver)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{"supabase without keys", map[string]any{"STORAGE_PROVIDER": "supabase"}, "SUPABASE_URL"},
		{"gdrive without token", map[string]any{"STORAGE_PROVIDER": "gdrive", "GDRIVE_CLIENT_ID": "id"}, "GDRIVE_CLIENT_ID"},
		{"unknown storage", map[string]any{"STORAGE_PROVIDER": "s3"}, "STORAGE_PROVIDER"},
		{"bad driver", map[string]any{"DATABASE_DRIVER": "mysql"}, "DATABASE_DRIVER"},
		{"no generation provider", map[string]any{"GEN_PROVIDER_URL": ""}, "GEMINI_API_KEY"},
		{"provider without key", map[string]any{"GEN_PROVIDER_KEY": ""}, "GEN_PROVIDER_KEY"},
		{"negative retries", map[string]any{"GEN_MAX_RETRIES": -1}, "GEN_MAX_RETRIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromViper(baseViper(tt.overrides))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestGenerationDisabled(t *testing.T) {
	cfg, err := FromViper(baseViper(map[string]any{"GEN_PROVIDER_URL": "", "VIDEOGEN_CONCURRENCY": 0}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VideoGenConcurrency != 0 {
		t.Errorf("concurrency = %d", cfg.VideoGenConcurrency)
	}
}

func TestLoadFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	content := "GEN_PROVIDER_URL: https://api.provider.test\nGEN_PROVIDER_KEY: k\nRENDER_CONCURRENCY: 4\nGEN_POLL_TIMEOUT: 90s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKER_CONFIG", path)
	t.Setenv("GEN_MAX_RETRIES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RenderConcurrency != 4 || cfg.GenPollTimeout != 90*time.Second {
		t.Errorf("file values = %d/%s", cfg.RenderConcurrency, cfg.GenPollTimeout)
	}
	if cfg.GenMaxRetries != 5 {
		t.Errorf("env should override file, got %d", cfg.GenMaxRetries)
	}
}
