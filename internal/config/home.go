package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// GetHome returns the taskproof home directory
// Priority order:
//  1. TASKPROOF_HOME environment variable (if set)
//  2. .taskproof under the current working directory
//
// The directory is created if it doesn't exist
func GetHome() (string, error) {
	home := os.Getenv("TASKPROOF_HOME")
	if home == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		home = filepath.Join(cwd, ".taskproof")
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create taskproof home directory: %w", err)
	}
	return home, nil
}

// LoadEnv loads a .env file if present. Existing environment variables win.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays TASKPROOF_* environment variables. Secrets such as the
// scorer key and webhook URL are expected to come from here.
func (c *Config) ApplyEnv() {
	overlays := []struct {
		name string
		dst  *string
	}{
		{"TASKPROOF_LOG_LEVEL", &c.LogLevel},
		{"TASKPROOF_DATA_DIR", &c.DataDir},
		{"TASKPROOF_STORE", &c.StoreBackend},
		{"TASKPROOF_LISTEN_ADDR", &c.ListenAddr},
		{"TASKPROOF_SCORER_URL", &c.Scorer.BaseURL},
		{"TASKPROOF_SCORER_API_KEY", &c.Scorer.APIKey},
		{"TASKPROOF_WEBHOOK_URL", &c.Notify.WebhookURL},
		{"TASKPROOF_IPFS_API", &c.Pipeline.IPFSAPI},
	}
	for _, o := range overlays {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.dst = v
		}
	}
	if c.Notify.WebhookURL != "" && os.Getenv("TASKPROOF_WEBHOOK_URL") != "" {
		c.Notify.Enabled = true
	}
}
