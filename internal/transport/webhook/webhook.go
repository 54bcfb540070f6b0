// Package webhook delivers notifications as JSON POSTs to HTTPS endpoints. The endpoint
// token is the target URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"
)

const (
	PrefixHTTPS = "https://"
	PrefixHTTP  = "http://"

	// maxErrBody caps how much of a failed response body ends up in the error.
	maxErrBody = 512
)

type Config struct {
	Timeout time.Duration
	// Headers are added to every request (auth tokens, VAPID-style keys).
	Headers map[string]string
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

type Sender struct {
	client  *http.Client
	headers map[string]string
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Sender {
	c := cfg.Client
	if c == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c = &http.Client{Timeout: timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		h[k] = v
	}
	return &Sender{client: c, headers: h, log: log}
}

func (s *Sender) Send(ctx context.Context, sub kit.Subscription, p kit.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.EndpointToken, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: webhook: %v", kit.ErrEndpointGone, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Id", p.NotificationID)
	s.decorate(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook: %v", kit.ErrSendFailure, err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		s.log.Debug("webhook rejected",
			logx.String("subscription", sub.ID),
			logx.Int("status", resp.StatusCode),
			logx.Err(err),
		)
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Probe issues a HEAD against the endpoint. Servers that refuse HEAD (405) are
// treated as alive.
func (s *Sender) Probe(ctx context.Context, sub kit.Subscription) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sub.EndpointToken, nil)
	if err != nil {
		return fmt.Errorf("%w: webhook: %v", kit.ErrEndpointGone, err)
	}
	s.decorate(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook probe: %v", kit.ErrSendFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return nil
	}
	return classify(resp)
}

func (s *Sender) decorate(req *http.Request) {
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
}

func classify(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: webhook status %d", kit.ErrEndpointGone, resp.StatusCode)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return fmt.Errorf("%w: webhook status %d: %s", kit.ErrSendFailure, resp.StatusCode, bytes.TrimSpace(b))
	}
}
