// Package netstate tracks whether the push transport is reachable and announces
// transitions on the event bus.
package netstate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"campusnotify/internal/eventbus"
	logx "campusnotify/pkg/logx"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultTimeout       = 5 * time.Second
	DefaultFailThreshold = 2
)

type Config struct {
	// ProbeURL is polled with HEAD; empty disables probing (state changes only via SetOnline).
	ProbeURL string
	Interval time.Duration
	Timeout  time.Duration
	// FailThreshold is how many consecutive failed probes flip the state to offline.
	FailThreshold int
	Client        *http.Client
	Now           func() time.Time
}

// Status is a point-in-time view for health endpoints.
type Status struct {
	Online    bool      `json:"online"`
	ChangedAt time.Time `json:"changed_at"`
	LastProbe time.Time `json:"last_probe,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type Monitor struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger

	mu     sync.RWMutex
	status Status
	fails  int
}

// New starts in the online state.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultFailThreshold
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:    cfg,
		bus:    bus,
		log:    log.With(logx.String("comp", "netstate")),
		status: Status{Online: true, ChangedAt: cfg.Now()},
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetOnline records the new state. Only transitions are published.
func (m *Monitor) SetOnline(online bool) {
	now := m.cfg.Now()
	m.mu.Lock()
	changed := m.status.Online != online
	if changed {
		m.status.Online = online
		m.status.ChangedAt = now
	}
	if online {
		m.fails = 0
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	typ := eventbus.TypeNetworkOffline
	if online {
		typ = eventbus.TypeNetworkOnline
	}
	m.log.Info("network state changed", logx.Bool("online", online))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: m.Status()})
	}
}

// Run probes until ctx is done. Without a ProbeURL it just blocks.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.ProbeURL == "" {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Check runs one probe and updates the state.
func (m *Monitor) Check(ctx context.Context) {
	err := m.probe(ctx)
	if ctx.Err() != nil {
		return
	}
	now := m.cfg.Now()

	m.mu.Lock()
	m.status.LastProbe = now
	if err == nil {
		m.status.LastError = ""
		m.mu.Unlock()
		m.SetOnline(true)
		return
	}
	m.status.LastError = err.Error()
	m.fails++
	flip := m.fails >= m.cfg.FailThreshold
	m.mu.Unlock()

	m.log.Debug("network probe failed", logx.Err(err))
	if flip {
		m.SetOnline(false)
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
