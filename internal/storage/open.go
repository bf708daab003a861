package storage

import (
	"fmt"
	"strings"

	logx "watchbot/pkg/logx"
)

// Open initializes the configured store.
func Open[ID comparable](cfg Config, log logx.Logger) (Store[ID], error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory[ID](), nil
	case "", "file":
		return openFile[ID](cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite[ID](cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
