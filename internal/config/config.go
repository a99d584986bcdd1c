package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// VerificationConfig tunes the verification state machine
type VerificationConfig struct {
	// StartWindow is the countdown opened at a task's scheduled start
	StartWindow time.Duration `yaml:"start_window"`

	// StartTimeoutReset is the fresh window granted after a missed start
	StartTimeoutReset time.Duration `yaml:"start_timeout_reset"`

	// TaskTimeoutReset is the grace period granted after a missed task deadline
	TaskTimeoutReset time.Duration `yaml:"task_timeout_reset"`

	// StartThreshold is the default keyword match fraction for start photos
	StartThreshold float64 `yaml:"start_threshold"`

	// CompletionThreshold is the default keyword match fraction for completion photos
	CompletionThreshold float64 `yaml:"completion_threshold"`

	// MaxStartTimeouts fails the task after this many missed starts (0 = uncapped)
	MaxStartTimeouts int `yaml:"max_start_timeouts"`

	// FailureStrikeLimit is the number of consecutive mismatches that trigger a penalty
	FailureStrikeLimit int `yaml:"failure_strike_limit"`

	// EndingWarnings are remaining-time thresholds for "task ending" notifications
	EndingWarnings []time.Duration `yaml:"ending_warnings"`

	// FallbackSweep is the interval of the safety sweep over all records
	FallbackSweep time.Duration `yaml:"fallback_sweep"`
}

// PipelineConfig configures photo compression, upload and scoring
type PipelineConfig struct {
	CompressTimeout   time.Duration `yaml:"compress_timeout"`
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
	ScoreTimeout      time.Duration `yaml:"score_timeout"`
	MaxImageDimension int           `yaml:"max_image_dimension"`
	JPEGQuality       int           `yaml:"jpeg_quality"`

	// Uploader selects photo storage: local or ipfs
	Uploader      string `yaml:"uploader"`
	UploadDir     string `yaml:"upload_dir"`
	PublicBaseURL string `yaml:"public_base_url"`
	IPFSAPI       string `yaml:"ipfs_api"`
	IPFSGateway   string `yaml:"ipfs_gateway"`
}

// ScorerConfig points at the image recognition service
type ScorerConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// NotifyConfig configures the webhook notifier
type NotifyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Config represents taskproof configuration options
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs will be written
	LogDir string `yaml:"log_dir"`

	// DataDir holds the database or JSON record files
	DataDir string `yaml:"data_dir"`

	// StoreBackend selects persistence: sqlite or json
	StoreBackend string `yaml:"store_backend"`

	// ListenAddr is the HTTP API address used by serve
	ListenAddr string `yaml:"listen_addr"`

	Verification VerificationConfig `yaml:"verification"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Scorer       ScorerConfig       `yaml:"scorer"`
	Notify       NotifyConfig       `yaml:"notify"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:     "info",
		LogDir:       ".taskproof/logs",
		DataDir:      ".taskproof/data",
		StoreBackend: "sqlite",
		ListenAddr:   "127.0.0.1:8787",
		Verification: VerificationConfig{
			StartWindow:         2 * time.Minute,
			StartTimeoutReset:   2 * time.Minute,
			TaskTimeoutReset:    10 * time.Minute,
			StartThreshold:      0.1,
			CompletionThreshold: 0.3,
			MaxStartTimeouts:    0, // Uncapped
			FailureStrikeLimit:  3,
			EndingWarnings:      []time.Duration{5 * time.Minute, time.Minute},
			FallbackSweep:       30 * time.Second,
		},
		Pipeline: PipelineConfig{
			CompressTimeout:   5 * time.Second,
			UploadTimeout:     15 * time.Second,
			ScoreTimeout:      10 * time.Second,
			MaxImageDimension: 1600,
			JPEGQuality:       80,
			Uploader:          "local",
			UploadDir:         ".taskproof/photos",
			IPFSAPI:           "localhost:5001",
			IPFSGateway:       "https://ipfs.io",
		},
		Notify: NotifyConfig{
			Enabled: false,
			Timeout: 5 * time.Second,
		},
	}
}

// yamlVerification mirrors VerificationConfig with durations as strings
type yamlVerification struct {
	StartWindow         string   `yaml:"start_window"`
	StartTimeoutReset   string   `yaml:"start_timeout_reset"`
	TaskTimeoutReset    string   `yaml:"task_timeout_reset"`
	StartThreshold      float64  `yaml:"start_threshold"`
	CompletionThreshold float64  `yaml:"completion_threshold"`
	MaxStartTimeouts    int      `yaml:"max_start_timeouts"`
	FailureStrikeLimit  int      `yaml:"failure_strike_limit"`
	EndingWarnings      []string `yaml:"ending_warnings"`
	FallbackSweep       string   `yaml:"fallback_sweep"`
}

type yamlPipeline struct {
	CompressTimeout   string `yaml:"compress_timeout"`
	UploadTimeout     string `yaml:"upload_timeout"`
	ScoreTimeout      string `yaml:"score_timeout"`
	MaxImageDimension int    `yaml:"max_image_dimension"`
	JPEGQuality       int    `yaml:"jpeg_quality"`
	Uploader          string `yaml:"uploader"`
	UploadDir         string `yaml:"upload_dir"`
	PublicBaseURL     string `yaml:"public_base_url"`
	IPFSAPI           string `yaml:"ipfs_api"`
	IPFSGateway       string `yaml:"ipfs_gateway"`
}

type yamlNotify struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Timeout    string `yaml:"timeout"`
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	type yamlConfig struct {
		LogLevel     string           `yaml:"log_level"`
		LogDir       string           `yaml:"log_dir"`
		DataDir      string           `yaml:"data_dir"`
		StoreBackend string           `yaml:"store_backend"`
		ListenAddr   string           `yaml:"listen_addr"`
		Verification yamlVerification `yaml:"verification"`
		Pipeline     yamlPipeline     `yaml:"pipeline"`
		Scorer       ScorerConfig     `yaml:"scorer"`
		Notify       yamlNotify       `yaml:"notify"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply non-zero values from file (merging with defaults)
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogDir != "" {
		cfg.LogDir = yamlCfg.LogDir
	}
	if yamlCfg.DataDir != "" {
		cfg.DataDir = yamlCfg.DataDir
	}
	if yamlCfg.StoreBackend != "" {
		cfg.StoreBackend = yamlCfg.StoreBackend
	}
	if yamlCfg.ListenAddr != "" {
		cfg.ListenAddr = yamlCfg.ListenAddr
	}
	if yamlCfg.Scorer.BaseURL != "" {
		cfg.Scorer.BaseURL = yamlCfg.Scorer.BaseURL
	}
	if yamlCfg.Scorer.APIKey != "" {
		cfg.Scorer.APIKey = yamlCfg.Scorer.APIKey
	}

	// Sections are merged key by key, so detect which keys were written
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if section := sectionKeys(rawMap, "verification"); section != nil {
		if err := mergeVerification(&cfg.Verification, yamlCfg.Verification, section); err != nil {
			return nil, err
		}
	}
	if section := sectionKeys(rawMap, "pipeline"); section != nil {
		if err := mergePipeline(&cfg.Pipeline, yamlCfg.Pipeline, section); err != nil {
			return nil, err
		}
	}
	if section := sectionKeys(rawMap, "notify"); section != nil {
		n := yamlCfg.Notify
		if _, exists := section["enabled"]; exists {
			cfg.Notify.Enabled = n.Enabled
		}
		if _, exists := section["webhook_url"]; exists {
			cfg.Notify.WebhookURL = n.WebhookURL
		}
		if err := mergeDuration(&cfg.Notify.Timeout, "notify.timeout", n.Timeout, section, "timeout"); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func sectionKeys(raw map[string]interface{}, name string) map[string]interface{} {
	section, exists := raw[name]
	if !exists || section == nil {
		return nil
	}
	m, _ := section.(map[string]interface{})
	return m
}

func mergeDuration(dst *time.Duration, name, value string, section map[string]interface{}, key string) error {
	if _, exists := section[key]; !exists {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s format %q: %w", name, value, err)
	}
	*dst = d
	return nil
}

func mergeVerification(dst *VerificationConfig, v yamlVerification, section map[string]interface{}) error {
	durations := []struct {
		key string
		dst *time.Duration
		val string
	}{
		{"start_window", &dst.StartWindow, v.StartWindow},
		{"start_timeout_reset", &dst.StartTimeoutReset, v.StartTimeoutReset},
		{"task_timeout_reset", &dst.TaskTimeoutReset, v.TaskTimeoutReset},
		{"fallback_sweep", &dst.FallbackSweep, v.FallbackSweep},
	}
	for _, d := range durations {
		if err := mergeDuration(d.dst, "verification."+d.key, d.val, section, d.key); err != nil {
			return err
		}
	}
	if _, exists := section["start_threshold"]; exists {
		dst.StartThreshold = v.StartThreshold
	}
	if _, exists := section["completion_threshold"]; exists {
		dst.CompletionThreshold = v.CompletionThreshold
	}
	if _, exists := section["max_start_timeouts"]; exists {
		dst.MaxStartTimeouts = v.MaxStartTimeouts
	}
	if _, exists := section["failure_strike_limit"]; exists {
		dst.FailureStrikeLimit = v.FailureStrikeLimit
	}
	if _, exists := section["ending_warnings"]; exists {
		warnings := make([]time.Duration, 0, len(v.EndingWarnings))
		for _, s := range v.EndingWarnings {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid verification.ending_warnings entry %q: %w", s, err)
			}
			warnings = append(warnings, d)
		}
		dst.EndingWarnings = warnings
	}
	return nil
}

func mergePipeline(dst *PipelineConfig, p yamlPipeline, section map[string]interface{}) error {
	if err := mergeDuration(&dst.CompressTimeout, "pipeline.compress_timeout", p.CompressTimeout, section, "compress_timeout"); err != nil {
		return err
	}
	if err := mergeDuration(&dst.UploadTimeout, "pipeline.upload_timeout", p.UploadTimeout, section, "upload_timeout"); err != nil {
		return err
	}
	if err := mergeDuration(&dst.ScoreTimeout, "pipeline.score_timeout", p.ScoreTimeout, section, "score_timeout"); err != nil {
		return err
	}
	if _, exists := section["max_image_dimension"]; exists {
		dst.MaxImageDimension = p.MaxImageDimension
	}
	if _, exists := section["jpeg_quality"]; exists {
		dst.JPEGQuality = p.JPEGQuality
	}
	strs := []struct {
		key string
		dst *string
		val string
	}{
		{"uploader", &dst.Uploader, p.Uploader},
		{"upload_dir", &dst.UploadDir, p.UploadDir},
		{"public_base_url", &dst.PublicBaseURL, p.PublicBaseURL},
		{"ipfs_api", &dst.IPFSAPI, p.IPFSAPI},
		{"ipfs_gateway", &dst.IPFSGateway, p.IPFSGateway},
	}
	for _, s := range strs {
		if _, exists := section[s.key]; exists {
			*s.dst = s.val
		}
	}
	return nil
}

// LoadConfigFromDir loads configuration from .taskproof/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".taskproof", "config.yaml"))
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(logLevel, logDir, dataDir, storeBackend, listenAddr *string) {
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if dataDir != nil {
		c.DataDir = *dataDir
	}
	if storeBackend != nil {
		c.StoreBackend = *storeBackend
	}
	if listenAddr != nil {
		c.ListenAddr = *listenAddr
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	switch c.StoreBackend {
	case "sqlite", "json", "memory":
	default:
		return fmt.Errorf("invalid store_backend %q, must be one of: sqlite, json, memory", c.StoreBackend)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	v := c.Verification
	for name, d := range map[string]time.Duration{
		"verification.start_window":        v.StartWindow,
		"verification.start_timeout_reset": v.StartTimeoutReset,
		"verification.task_timeout_reset":  v.TaskTimeoutReset,
		"verification.fallback_sweep":      v.FallbackSweep,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %v", name, d)
		}
	}
	if v.StartThreshold < 0 || v.StartThreshold > 1 {
		return fmt.Errorf("verification.start_threshold must be within [0,1], got %v", v.StartThreshold)
	}
	if v.CompletionThreshold < 0 || v.CompletionThreshold > 1 {
		return fmt.Errorf("verification.completion_threshold must be within [0,1], got %v", v.CompletionThreshold)
	}
	if v.MaxStartTimeouts < 0 {
		return fmt.Errorf("verification.max_start_timeouts must be >= 0, got %d", v.MaxStartTimeouts)
	}
	if v.FailureStrikeLimit <= 0 {
		return fmt.Errorf("verification.failure_strike_limit must be > 0, got %d", v.FailureStrikeLimit)
	}
	for _, w := range v.EndingWarnings {
		if w <= 0 {
			return fmt.Errorf("verification.ending_warnings entries must be > 0, got %v", w)
		}
	}

	p := c.Pipeline
	if p.CompressTimeout <= 0 || p.UploadTimeout <= 0 || p.ScoreTimeout <= 0 {
		return fmt.Errorf("pipeline timeouts must be > 0")
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return fmt.Errorf("pipeline.jpeg_quality must be within [1,100], got %d", p.JPEGQuality)
	}
	if p.MaxImageDimension < 0 {
		return fmt.Errorf("pipeline.max_image_dimension must be >= 0, got %d", p.MaxImageDimension)
	}
	switch p.Uploader {
	case "local":
		if p.UploadDir == "" {
			return fmt.Errorf("pipeline.upload_dir cannot be empty when uploader is local")
		}
	case "ipfs":
		if p.IPFSAPI == "" || p.IPFSGateway == "" {
			return fmt.Errorf("pipeline.ipfs_api and pipeline.ipfs_gateway are required when uploader is ipfs")
		}
	default:
		return fmt.Errorf("invalid pipeline.uploader %q, must be one of: local, ipfs", p.Uploader)
	}

	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url cannot be empty when notify is enabled")
	}
	if c.Notify.Timeout < 0 {
		return fmt.Errorf("notify.timeout must be >= 0, got %v", c.Notify.Timeout)
	}

	return nil
}
