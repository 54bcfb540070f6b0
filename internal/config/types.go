package config

import (
	"campusnotify/internal/policy"
)

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Omitted or zero
// values fall back to the component defaults.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Timezone is the default IANA zone for users without a preference.
	Timezone string `json:"timezone,omitempty"`

	// Categories replaces the built-in category catalog as a whole when non-empty.
	// It is the only domain section applied on hot reload.
	Categories []policy.CategoryPolicy `json:"categories,omitempty"`

	Dispatch     DispatchConfig     `json:"dispatch"`
	Offline      OfflineConfig      `json:"offline"`
	Subscription SubscriptionConfig `json:"subscription"`
	Adaptive     AdaptiveConfig     `json:"adaptive"`
	Network      NetworkConfig      `json:"network"`
	Sender       SenderConfig       `json:"sender"`
	Kafka        *KafkaConfig       `json:"kafka,omitempty"`
	Maintenance  MaintenanceConfig  `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	JSON    bool          `json:"json,omitempty"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts pushes warnings and errors to an operator endpoint (any sender
// scheme, e.g. "tg:-1001234" or an https webhook).
type LoggingAlerts struct {
	Endpoint   string `json:"endpoint,omitempty"` // may carry secrets (do not log)
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the REST surface.
//
// Security note:
//   - An empty jwt_secret disables authentication; every caller is treated as admin.
//     Only do this when the listener is bound to a trusted network.
type HTTPConfig struct {
	Addr            string   `json:"addr,omitempty"` // default ":8080"
	JWTSecret       string   `json:"jwt_secret,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	AdminRole       string   `json:"admin_role,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	// Pprof exposes /v1/debug/pprof to admins.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"` // redis, postgres (do not log)
	Prefix      string `json:"prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

type DispatchConfig struct {
	RateLimitMax       int     `json:"rate_limit_max,omitempty"`
	RateLimitWindow    string  `json:"rate_limit_window,omitempty"`
	BatchSize          int     `json:"batch_size,omitempty"`
	InterBatchDelay    string  `json:"inter_batch_delay,omitempty"`
	SendTimeout        string  `json:"send_timeout,omitempty"`
	OutboundRatePerSec float64 `json:"outbound_rate_per_sec,omitempty"`
}

// OfflineConfig controls the retry queue. A negative max_attempts retries forever.
type OfflineConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	MaxDrain      int    `json:"max_drain,omitempty"`
	// RetryEvery is a cron spec or "@every <duration>" for the backoff sweep.
	RetryEvery     string `json:"retry_every,omitempty"`
	FailureHistory int    `json:"failure_history,omitempty"`
}

type SubscriptionConfig struct {
	MaxRenewAttempts int `json:"max_renew_attempts,omitempty"`
	// ValidateEvery is a cron spec or "@every <duration>".
	ValidateEvery string `json:"validate_every,omitempty"`
}

type AdaptiveConfig struct {
	LowEngagementThreshold float64 `json:"low_engagement_threshold,omitempty"`
	UrgencyMarker          string  `json:"urgency_marker,omitempty"`
	// ActiveWindow is the number of recent events the active-hour histogram looks at.
	ActiveWindow int `json:"active_window,omitempty"`
}

// NetworkConfig enables the reachability probe. Without probe_url the daemon
// assumes it is always online.
type NetworkConfig struct {
	ProbeURL      string `json:"probe_url,omitempty"`
	ProbeEvery    string `json:"probe_every,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"`
	FailThreshold int    `json:"fail_threshold,omitempty"`
}

type SenderConfig struct {
	Telegram *TelegramSender `json:"telegram,omitempty"`
	Webhook  WebhookSender   `json:"webhook"`
}

type TelegramSender struct {
	Token   string `json:"token"` // do not log
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type WebhookSender struct {
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"` // values may carry secrets
}

// KafkaConfig enables forwarding of lifecycle events to a Kafka topic.
type KafkaConfig struct {
	Brokers []string          `json:"brokers"`
	Topic   string            `json:"topic,omitempty"`
	Types   []string          `json:"types,omitempty"`
	Topics  map[string]string `json:"topics,omitempty"` // event type -> topic override
}

type MaintenanceConfig struct {
	// LimiterCleanupEvery prunes idle rate-limit windows.
	LimiterCleanupEvery string `json:"limiter_cleanup_every,omitempty"`
}
