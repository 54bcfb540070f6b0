package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"campusnotify/internal/policy"
)

// Validate checks everything that can be checked without opening connections:
// durations, timezone, category catalog, storage driver requirements and bounds.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"dispatch.rate_limit_window", cfg.Dispatch.RateLimitWindow},
		{"dispatch.inter_batch_delay", cfg.Dispatch.InterBatchDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"offline.retry_base", cfg.Offline.RetryBase},
		{"offline.retry_max_delay", cfg.Offline.RetryMaxDelay},
		{"network.probe_every", cfg.Network.ProbeEvery},
		{"network.probe_timeout", cfg.Network.ProbeTimeout},
		{"sender.webhook.timeout", cfg.Sender.Webhook.Timeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	if cfg.Sender.Telegram != nil {
		durations = append(durations, struct{ path, raw string }{"sender.telegram.timeout", cfg.Sender.Telegram.Timeout})
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: invalid %q: %w", tz, err))
		}
	}

	if len(cfg.Categories) > 0 {
		if _, err := policy.NewCatalog(cfg.Categories); err != nil {
			add(fmt.Errorf("categories: %w", err))
		}
	}

	add(validateStorage(cfg.Storage))

	if cfg.Logging.Alerts.RatePerSec < 0 {
		add(errors.New("logging.alerts.rate_per_sec must be >= 0"))
	}

	if cfg.Dispatch.RateLimitMax < 0 {
		add(errors.New("dispatch.rate_limit_max must be >= 0"))
	}
	if cfg.Dispatch.BatchSize < 0 {
		add(errors.New("dispatch.batch_size must be >= 0"))
	}
	if cfg.Dispatch.OutboundRatePerSec < 0 {
		add(errors.New("dispatch.outbound_rate_per_sec must be >= 0"))
	}
	if cfg.Offline.MaxDrain < 0 {
		add(errors.New("offline.max_drain must be >= 0"))
	}
	if cfg.Offline.FailureHistory < 0 {
		add(errors.New("offline.failure_history must be >= 0"))
	}
	if cfg.Subscription.MaxRenewAttempts < 0 {
		add(errors.New("subscription.max_renew_attempts must be >= 0"))
	}
	if t := cfg.Adaptive.LowEngagementThreshold; t < 0 || t > 1 {
		add(errors.New("adaptive.low_engagement_threshold must be within [0,1]"))
	}
	if cfg.Kafka != nil && len(nonEmpty(cfg.Kafka.Brokers)) == 0 {
		add(errors.New("kafka.brokers is required when the kafka section is present"))
	}

	return errors.Join(errs...)
}

func validateStorage(sc *StorageConfig) error {
	if sc == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", "none", "memory", "file":
		return nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "redis", "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.URL) == "" {
			return fmt.Errorf("storage.url is required when storage.driver=%s", strings.TrimSpace(sc.Driver))
		}
		if sc.MaxConns < 0 {
			return errors.New("storage.max_conns must be >= 0")
		}
	default:
		return fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return nil
}
