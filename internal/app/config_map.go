package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campusnotify/internal/config"
	"campusnotify/internal/dispatch"
	"campusnotify/internal/eventsink"
	"campusnotify/internal/httpapi"
	"campusnotify/internal/maintenance"
	"campusnotify/internal/netstate"
	"campusnotify/internal/offline"
	"campusnotify/internal/policy"
	"campusnotify/internal/storage"
	kit "campusnotify/internal/transport"
	"campusnotify/internal/transport/telegram"
	"campusnotify/internal/transport/webhook"
	logx "campusnotify/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    strings.TrimSpace(cfg.Logging.Alerts.Endpoint) != "",
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// mapCatalog returns the configured catalog, or the built-in one when the config has none.
func mapCatalog(cfg *config.Config) (policy.Catalog, error) {
	if len(cfg.Categories) == 0 {
		return policy.DefaultCatalog(), nil
	}
	c, err := policy.NewCatalog(cfg.Categories)
	if err != nil {
		return policy.Catalog{}, fmt.Errorf("categories: %w", err)
	}
	return c, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		Prefix:      sc.Prefix,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	window, err := config.ParseDurationField("dispatch.rate_limit_window", dc.RateLimitWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	delay, err := config.ParseDurationOrDefault("dispatch.inter_batch_delay", dc.InterBatchDelay, dispatch.DefaultInterBatchDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	timeout, err := config.ParseDurationField("dispatch.send_timeout", dc.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RateLimitMax:       dc.RateLimitMax,
		RateLimitWindow:    window,
		BatchSize:          dc.BatchSize,
		InterBatchDelay:    delay,
		SendTimeout:        timeout,
		OutboundRatePerSec: dc.OutboundRatePerSec,
	}, nil
}

func mapOfflineConfig(cfg *config.Config, d dispatch.Config) (offline.Config, error) {
	oc := cfg.Offline
	base, err := config.ParseDurationField("offline.retry_base", oc.RetryBase)
	if err != nil {
		return offline.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("offline.retry_max_delay", oc.RetryMaxDelay)
	if err != nil {
		return offline.Config{}, err
	}
	return offline.Config{
		MaxAttempts:     oc.MaxAttempts,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		BatchSize:       d.BatchSize,
		InterBatchDelay: d.InterBatchDelay,
		MaxDrain:        oc.MaxDrain,
	}, nil
}

func mapNetworkConfig(cfg *config.Config) (netstate.Config, error) {
	nc := cfg.Network
	every, err := config.ParseDurationField("network.probe_every", nc.ProbeEvery)
	if err != nil {
		return netstate.Config{}, err
	}
	timeout, err := config.ParseDurationField("network.probe_timeout", nc.ProbeTimeout)
	if err != nil {
		return netstate.Config{}, err
	}
	return netstate.Config{
		ProbeURL:      strings.TrimSpace(nc.ProbeURL),
		Interval:      every,
		Timeout:       timeout,
		FailThreshold: nc.FailThreshold,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	shutdown, err := config.ParseDurationField("http.shutdown_timeout", hc.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            strings.TrimSpace(hc.Addr),
		JWTSecret:       strings.TrimSpace(hc.JWTSecret),
		AllowedOrigins:  hc.AllowedOrigins,
		AdminRole:       strings.TrimSpace(hc.AdminRole),
		ShutdownTimeout: shutdown,
		Pprof:           hc.Pprof,
	}, nil
}

func mapSchedules(cfg *config.Config) maintenance.Schedules {
	return maintenance.Schedules{
		ValidateEvery: strings.TrimSpace(cfg.Subscription.ValidateEvery),
		RetryEvery:    strings.TrimSpace(cfg.Offline.RetryEvery),
		CleanupEvery:  strings.TrimSpace(cfg.Maintenance.LimiterCleanupEvery),
	}
}

// mapKafka returns ok=false when forwarding is not configured.
func mapKafka(cfg *config.Config) (eventsink.Config, bool) {
	kc := cfg.Kafka
	if kc == nil || len(kc.Brokers) == 0 {
		return eventsink.Config{}, false
	}
	return eventsink.Config{
		Brokers: kc.Brokers,
		Topic:   strings.TrimSpace(kc.Topic),
		Types:   kc.Types,
		Topics:  kc.Topics,
	}, true
}

// buildRouter registers a Sender per endpoint scheme. "log:" endpoints are always
// available for dry runs; Telegram only with a token.
func buildRouter(cfg *config.Config, log logx.Logger) (*kit.Router, error) {
	r := kit.NewRouter()
	r.Handle(kit.PrefixLog, kit.LogSender{Log: log.With(logx.String("comp", "sender.log"))})

	whTimeout, err := config.ParseDurationField("sender.webhook.timeout", cfg.Sender.Webhook.Timeout)
	if err != nil {
		return nil, err
	}
	wh := webhook.New(webhook.Config{
		Timeout: whTimeout,
		Headers: cfg.Sender.Webhook.Headers,
	}, log.With(logx.String("comp", "sender.webhook")))
	r.Handle(webhook.PrefixHTTPS, wh)
	r.Handle(webhook.PrefixHTTP, wh)

	if tc := cfg.Sender.Telegram; tc != nil && strings.TrimSpace(tc.Token) != "" {
		timeout, err := config.ParseDurationField("sender.telegram.timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		tlog := log.With(logx.String("comp", "sender.telegram"))
		tcfg := telegram.Config{Token: strings.TrimSpace(tc.Token), URL: strings.TrimSpace(tc.URL), Timeout: timeout}
		tg, err := telegram.New(tcfg, tlog)
		if err != nil {
			// The handshake needs the Bot API; sends will surface failures through the offline queue.
			tlog.Warn("telegram handshake failed; starting without it", logx.Err(err))
			tcfg.Offline = true
			if tg, err = telegram.New(tcfg, tlog); err != nil {
				return nil, err
			}
		}
		r.Handle(telegram.Prefix, tg)
	}
	return r, nil
}

// opsAlerter pushes alert records to logging.alerts.endpoint through the sender router.
// The endpoint is read per alert so hot reload can retarget it.
func opsAlerter(cfgm *config.Manager, r *kit.Router) logx.Alerter {
	return func(ctx context.Context, text string) error {
		ep := strings.TrimSpace(cfgm.Get().Logging.Alerts.Endpoint)
		if ep == "" {
			return nil
		}
		now := time.Now()
		sub := kit.Subscription{ID: "ops-alerts", UserID: "ops", EndpointToken: ep, Status: kit.SubscriptionActive}
		return r.Send(ctx, sub, kit.Payload{
			NotificationID: kit.NewID(now),
			Category:       policy.CategorySystem,
			Title:          "notifyd alert",
			Body:           text,
			Priority:       kit.PriorityCritical,
			Tag:            "ops-alert",
			Timestamp:      now.UnixMilli(),
		})
	}
}
