package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "campusnotify/pkg/logx"
)

// Sections applied live on reload. Every other changed section needs a restart.
var liveSections = map[string]bool{
	"logging":    true,
	"categories": true,
}

// SummarizeChange returns the changed top-level sections and safe structured attrs
// for logging. Secrets (jwt secret, storage url, sender tokens, webhook headers)
// are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts", strings.TrimSpace(newCfg.Logging.Alerts.Endpoint) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.auth", strings.TrimSpace(newCfg.HTTP.JWTSecret) != ""),
			logx.Int("http.origins", len(newCfg.HTTP.AllowedOrigins)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		var urlSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			urlSet = strings.TrimSpace(newCfg.Storage.URL) != ""
		}
		attrs = append(attrs, logx.String("storage.driver", driver), logx.Bool("storage.url_set", urlSet))
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if !reflect.DeepEqual(oldCfg.Categories, newCfg.Categories) {
		changed = append(changed, "categories")
		attrs = append(attrs, logx.Int("categories.count", len(newCfg.Categories)))
	}

	plain := []struct {
		name     string
		old, new any
	}{
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch},
		{"offline", oldCfg.Offline, newCfg.Offline},
		{"subscription", oldCfg.Subscription, newCfg.Subscription},
		{"adaptive", oldCfg.Adaptive, newCfg.Adaptive},
		{"network", oldCfg.Network, newCfg.Network},
		{"maintenance", oldCfg.Maintenance, newCfg.Maintenance},
	}
	for _, p := range plain {
		if !reflect.DeepEqual(p.old, p.new) {
			changed = append(changed, p.name)
		}
	}

	if !reflect.DeepEqual(oldCfg.Sender, newCfg.Sender) {
		changed = append(changed, "sender")
		attrs = append(attrs,
			logx.Bool("sender.telegram", newCfg.Sender.Telegram != nil && strings.TrimSpace(newCfg.Sender.Telegram.Token) != ""),
			logx.Int("sender.webhook_headers", len(newCfg.Sender.Webhook.Headers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
		n := 0
		if newCfg.Kafka != nil {
			n = len(newCfg.Kafka.Brokers)
		}
		attrs = append(attrs, logx.Int("kafka.brokers", n))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections down to those that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
