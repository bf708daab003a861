package config

// Config is the on-disk configuration. JSON and YAML files share the same
// keys. All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Manager  ManagerConfig  `json:"manager"`
	Alerts   AlertsConfig   `json:"alerts"`
	HTTP     HTTPConfig     `json:"http"`
}

// TelegramConfig configures the Bot API connection.
//
// Token may be left empty in the file and supplied through
// TELEGRAM_BOT_TOKEN instead. AdminChatID receives delivery digests; 0
// disables them.
type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	AdminChatID int64  `json:"admin_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    FileLogging `json:"file"`
}

type FileLogging struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the subscriber store.
//
// Defaults:
//   - driver: "file"
//   - path: "./data/subscribers.json" (file), required for sqlite
//   - busy_timeout: "5s" (sqlite only)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls outbound delivery.
//
// Defaults: rate_per_sec 25, send_timeout "15s", notify_workers 8.
type DispatchConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	NotifyWorkers int    `json:"notify_workers,omitempty"`
	Dialect       string `json:"dialect,omitempty"`
}

// ManagerConfig controls inbound processing. Defaults: workers 8, queue_size 64.
type ManagerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// AlertsConfig controls the operator digest of failed deliveries.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	MinFailures int    `json:"min_failures,omitempty"`
}

// HTTPConfig controls the crawler-facing HTTP API.
//
// Security: binding a non-loopback addr requires token unless
// allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	NotifyTimeout string `json:"notify_timeout,omitempty"`
}
