package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.StoreBackend != "sqlite" {
		t.Errorf("StoreBackend = %q, want sqlite", cfg.StoreBackend)
	}
	if cfg.Verification.StartWindow != 2*time.Minute {
		t.Errorf("StartWindow = %v, want 2m", cfg.Verification.StartWindow)
	}
	if cfg.Verification.TaskTimeoutReset != 10*time.Minute {
		t.Errorf("TaskTimeoutReset = %v, want 10m", cfg.Verification.TaskTimeoutReset)
	}
	if cfg.Verification.MaxStartTimeouts != 0 {
		t.Errorf("MaxStartTimeouts = %d, want 0 (uncapped)", cfg.Verification.MaxStartTimeouts)
	}
	if cfg.Pipeline.ScoreTimeout != 10*time.Second {
		t.Errorf("ScoreTimeout = %v, want 10s", cfg.Pipeline.ScoreTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `log_level: debug
store_backend: json
verification:
  start_window: 3m
  max_start_timeouts: 5
  ending_warnings: [10m, 2m]
pipeline:
  uploader: ipfs
  score_timeout: 8s
  jpeg_quality: 70
notify:
  enabled: true
  webhook_url: http://localhost:9000/hook
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.StoreBackend != "json" {
		t.Errorf("StoreBackend = %q, want json", cfg.StoreBackend)
	}
	if cfg.Verification.StartWindow != 3*time.Minute {
		t.Errorf("StartWindow = %v, want 3m", cfg.Verification.StartWindow)
	}
	if cfg.Verification.StartTimeoutReset != 2*time.Minute {
		t.Errorf("StartTimeoutReset = %v, want default 2m", cfg.Verification.StartTimeoutReset)
	}
	if cfg.Verification.MaxStartTimeouts != 5 {
		t.Errorf("MaxStartTimeouts = %d, want 5", cfg.Verification.MaxStartTimeouts)
	}
	if len(cfg.Verification.EndingWarnings) != 2 || cfg.Verification.EndingWarnings[0] != 10*time.Minute {
		t.Errorf("EndingWarnings = %v, want [10m 2m]", cfg.Verification.EndingWarnings)
	}
	if cfg.Verification.FailureStrikeLimit != 3 {
		t.Errorf("FailureStrikeLimit = %d, want default 3", cfg.Verification.FailureStrikeLimit)
	}
	if cfg.Pipeline.Uploader != "ipfs" {
		t.Errorf("Uploader = %q, want ipfs", cfg.Pipeline.Uploader)
	}
	if cfg.Pipeline.ScoreTimeout != 8*time.Second {
		t.Errorf("ScoreTimeout = %v, want 8s", cfg.Pipeline.ScoreTimeout)
	}
	if cfg.Pipeline.CompressTimeout != 5*time.Second {
		t.Errorf("CompressTimeout = %v, want default 5s", cfg.Pipeline.CompressTimeout)
	}
	if !cfg.Notify.Enabled || cfg.Notify.WebhookURL != "http://localhost:9000/hook" {
		t.Errorf("Notify = %+v, want enabled webhook", cfg.Notify)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

// TestLoadConfigExplicitZero tests that an explicit zero overrides a default
func TestLoadConfigExplicitZero(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("verification:\n  start_threshold: 0\n  ending_warnings: []\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Verification.StartThreshold != 0 {
		t.Errorf("StartThreshold = %v, want 0", cfg.Verification.StartThreshold)
	}
	if len(cfg.Verification.EndingWarnings) != 0 {
		t.Errorf("EndingWarnings = %v, want none", cfg.Verification.EndingWarnings)
	}
}

// TestLoadConfigFileNotExists tests fallback to defaults when file doesn't exist
func TestLoadConfigFileNotExists(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() should not error on missing file, got: %v", err)
	}
	if cfg.ListenAddr != DefaultConfig().ListenAddr {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
}

// TestLoadConfigInvalid tests malformed files and bad durations
func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed yaml", "log_level: [unclosed", "failed to parse config file"},
		{"bad duration", "verification:\n  start_window: soon\n", "verification.start_window"},
		{"bad warning", "verification:\n  ending_warnings: [5m, later]\n", "ending_warnings"},
		{"bad notify timeout", "notify:\n  timeout: never\n", "notify.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}
			_, err := LoadConfig(configPath)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestValidate checks each rule
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"backend", func(c *Config) { c.StoreBackend = "postgres" }},
		{"threshold", func(c *Config) { c.Verification.CompletionThreshold = 1.5 }},
		{"strike limit", func(c *Config) { c.Verification.FailureStrikeLimit = 0 }},
		{"negative cap", func(c *Config) { c.Verification.MaxStartTimeouts = -1 }},
		{"zero window", func(c *Config) { c.Verification.StartWindow = 0 }},
		{"jpeg quality", func(c *Config) { c.Pipeline.JPEGQuality = 0 }},
		{"uploader", func(c *Config) { c.Pipeline.Uploader = "s3" }},
		{"webhook", func(c *Config) { c.Notify.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() should fail for %s", tt.name)
			}
		})
	}
}

// TestMergeWithFlags tests CLI overrides
func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	level := "warn"
	addr := ":9999"
	cfg.MergeWithFlags(&level, nil, nil, nil, &addr)

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.DataDir != DefaultConfig().DataDir {
		t.Errorf("DataDir changed without flag: %q", cfg.DataDir)
	}
}

// TestEnvOverlay tests .env loading and TASKPROOF_* overlays
func TestEnvOverlay(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("TASKPROOF_SCORER_API_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("TASKPROOF_SCORER_API_KEY", "")
	os.Unsetenv("TASKPROOF_SCORER_API_KEY")
	t.Setenv("TASKPROOF_WEBHOOK_URL", "http://hooks.local/x")

	if err := LoadEnv(envPath); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if cfg.Scorer.APIKey != "from-dotenv" {
		t.Errorf("APIKey = %q, want from-dotenv", cfg.Scorer.APIKey)
	}
	if !cfg.Notify.Enabled || cfg.Notify.WebhookURL != "http://hooks.local/x" {
		t.Errorf("Notify = %+v, want enabled from env", cfg.Notify)
	}
}

// TestGetHome tests TASKPROOF_HOME resolution
func TestGetHome(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "home")
	t.Setenv("TASKPROOF_HOME", dir)

	home, err := GetHome()
	if err != nil {
		t.Fatalf("GetHome() error = %v", err)
	}
	if home != dir {
		t.Errorf("GetHome() = %q, want %q", home, dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("home directory not created: %v", err)
	}
}
