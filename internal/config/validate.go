package config

import (
	"errors"
	"fmt"
	"strings"

	logx "watchbot/pkg/logx"
)

// Validate checks everything that can be checked without touching the
// network or the filesystem. It reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or set TELEGRAM_BOT_TOKEN)"))
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "file", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}

	for path, raw := range map[string]string{
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
		"storage.busy_timeout":  cfg.Storage.BusyTimeout,
		"dispatch.send_timeout": cfg.Dispatch.SendTimeout,
		"http.notify_timeout":   cfg.HTTP.NotifyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	for path, v := range map[string]int{
		"dispatch.rate_per_sec":   cfg.Dispatch.RatePerSec,
		"dispatch.notify_workers": cfg.Dispatch.NotifyWorkers,
		"manager.workers":         cfg.Manager.Workers,
		"manager.queue_size":      cfg.Manager.QueueSize,
		"alerts.min_failures":     cfg.Alerts.MinFailures,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	if d := strings.TrimSpace(cfg.Dispatch.Dialect); d != "" && !strings.EqualFold(d, "markdownv2") && !strings.EqualFold(d, "html") {
		errs = append(errs, fmt.Errorf("dispatch.dialect: unknown dialect %q", d))
	}
	return errors.Join(errs...)
}
