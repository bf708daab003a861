package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides are read from the process environment and win over the file.
type envOverrides struct {
	Token       string `envconfig:"TELEGRAM_BOT_TOKEN"`
	StoragePath string `envconfig:"WATCHBOT_STORAGE_PATH"`
	LogLevel    string `envconfig:"WATCHBOT_LOG_LEVEL"`
}

// ApplyEnv overlays environment overrides on cfg. Unset variables leave the
// file values untouched.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if v := strings.TrimSpace(env.Token); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(env.StoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(env.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}
