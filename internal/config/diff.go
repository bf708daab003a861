package config

import (
	"reflect"
)

// Change describes what a reload touched.
//
// Live lists sections applied without a restart. Restart lists sections
// whose new values only take effect after the process restarts.
type Change struct {
	Live    []string
	Restart []string
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	var ch Change
	if oldCfg == nil || newCfg == nil {
		return ch
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Live = append(ch.Live, "logging")
	}
	if oldCfg.Dispatch.RatePerSec != newCfg.Dispatch.RatePerSec ||
		oldCfg.Dispatch.SendTimeout != newCfg.Dispatch.SendTimeout ||
		oldCfg.Dispatch.Dialect != newCfg.Dispatch.Dialect {
		ch.Live = append(ch.Live, "dispatch")
	}
	if oldCfg.Dispatch.NotifyWorkers != newCfg.Dispatch.NotifyWorkers {
		ch.Restart = append(ch.Restart, "dispatch.notify_workers")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		ch.Restart = append(ch.Restart, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		ch.Restart = append(ch.Restart, "storage")
	}
	if oldCfg.Manager != newCfg.Manager {
		ch.Restart = append(ch.Restart, "manager")
	}
	if oldCfg.Alerts != newCfg.Alerts {
		ch.Restart = append(ch.Restart, "alerts")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		ch.Restart = append(ch.Restart, "http")
	}
	return ch
}
