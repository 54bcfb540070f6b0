// Package telemetry exports delivery counters and queue depths in Prometheus format.
// Counters are fed from the event bus, so no component depends on this package.
package telemetry

import (
	"context"
	"net/http"

	"campusnotify/internal/eventbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campusnotify"

type Metrics struct {
	reg *prometheus.Registry

	outcomes      *prometheus.CounterVec
	failures      prometheus.Counter
	subscriptions *prometheus.CounterVec
	online        prometheus.Gauge
	reloads       prometheus.Counter
}

// New registers the collectors on a private registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch outcomes by status.",
		}, []string{"status"}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permanent_failures_total",
			Help:      "Notifications that exhausted offline retries.",
		}),
		subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Subscriptions marked stale or revoked.",
		}, []string{"status"}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 when the push transport is reachable.",
		}),
		reloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_reloads_total",
			Help:      "Category catalog replacements.",
		}),
	}
	m.online.Set(1)
	return m
}

// Depth exposes fn as a gauge, e.g. the offline queue length.
func (m *Metrics) Depth(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Subscribe returns the bus subscription Run consumes. Call it before the producers
// start so early events are counted.
func (m *Metrics) Subscribe(bus eventbus.Bus) (<-chan eventbus.Event, func()) {
	return bus.Subscribe(256)
}

// Run counts events until ctx is done or the channel closes.
func (m *Metrics) Run(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeDelivered:
		m.outcomes.WithLabelValues("delivered").Inc()
	case eventbus.TypeScheduled:
		m.outcomes.WithLabelValues("scheduled").Inc()
	case eventbus.TypeQueuedOffline:
		m.outcomes.WithLabelValues("queued_offline").Inc()
	case eventbus.TypeRateLimited:
		m.outcomes.WithLabelValues("rate_limited").Inc()
	case eventbus.TypeDropped:
		m.outcomes.WithLabelValues("dropped").Inc()
	case eventbus.TypePermanentlyFailed:
		m.failures.Inc()
	case eventbus.TypeSubscriptionStale:
		m.subscriptions.WithLabelValues("stale").Inc()
	case eventbus.TypeSubscriptionRevoke:
		m.subscriptions.WithLabelValues("revoked").Inc()
	case eventbus.TypeNetworkOnline:
		m.online.Set(1)
	case eventbus.TypeNetworkOffline:
		m.online.Set(0)
	case eventbus.TypeCatalogReloaded:
		m.reloads.Inc()
	}
}
