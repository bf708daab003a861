package app

import (
	"strings"
	"time"

	"watchbot/internal/alerts"
	"watchbot/internal/api/httpapi"
	"watchbot/internal/config"
	"watchbot/internal/dispatch"
	"watchbot/internal/manager"
	"watchbot/internal/storage"
	"watchbot/internal/transport/telegram"
	logx "watchbot/pkg/logx"
)

// Durations below were already checked by config.Validate; the errors are
// still propagated in case a caller skipped it.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RatePerSec:  cfg.Dispatch.RatePerSec,
		SendTimeout: timeout,
		Dialect:     cfg.Dispatch.Dialect,
	}, nil
}

func mapManager(cfg *config.Config) manager.Config {
	return manager.Config{
		Workers:       cfg.Manager.Workers,
		QueueSize:     cfg.Manager.QueueSize,
		NotifyWorkers: cfg.Dispatch.NotifyWorkers,
	}
}

func mapAlerts(cfg *config.Config) alerts.Config {
	return alerts.Config{
		Enabled:     cfg.Alerts.Enabled,
		Schedule:    cfg.Alerts.Schedule,
		MinFailures: cfg.Alerts.MinFailures,
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	timeout, err := config.ParseDurationOrDefault("http.notify_timeout", cfg.HTTP.NotifyTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       cfg.HTTP.Enabled,
		Addr:          cfg.HTTP.Addr,
		Token:         cfg.HTTP.Token,
		AllowInsecure: cfg.HTTP.AllowInsecure,
		Pprof:         cfg.HTTP.Pprof,
		NotifyTimeout: timeout,
	}, nil
}
