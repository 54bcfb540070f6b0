package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	logx "campusnotify/pkg/logx"
)

// Router picks a Sender by the scheme prefix of the endpoint token ("tg:", "https://",
// "log:"). It is itself a Sender and a Prober.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Sender
}

func NewRouter() *Router { return &Router{routes: map[string]Sender{}} }

// Handle registers s for endpoint tokens starting with prefix. Longer prefixes win.
func (r *Router) Handle(prefix string, s Sender) {
	r.mu.Lock()
	r.routes[prefix] = s
	r.mu.Unlock()
}

// Prefixes lists the registered prefixes, sorted.
func (r *Router) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Router) route(token string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best    Sender
		bestLen = -1
	)
	for p, s := range r.routes {
		if strings.HasPrefix(token, p) && len(p) > bestLen {
			best, bestLen = s, len(p)
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no sender for endpoint %q", ErrEndpointGone, redact(token))
	}
	return best, nil
}

func (r *Router) Send(ctx context.Context, sub Subscription, p Payload) error {
	s, err := r.route(sub.EndpointToken)
	if err != nil {
		return err
	}
	return s.Send(ctx, sub, p)
}

// Probe delegates to the routed sender when it can probe; otherwise the endpoint is
// assumed valid.
func (r *Router) Probe(ctx context.Context, sub Subscription) error {
	s, err := r.route(sub.EndpointToken)
	if err != nil {
		return err
	}
	if pr, ok := s.(Prober); ok {
		return pr.Probe(ctx, sub)
	}
	return nil
}

func redact(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}

// PrefixLog is the endpoint scheme served by LogSender.
const PrefixLog = "log:"

// LogSender writes payloads to the log instead of pushing them. Used for "log:"
// endpoints (dry runs, development).
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(_ context.Context, sub Subscription, p Payload) error {
	s.Log.Info("notification",
		logx.NoAlert(),
		logx.String("user", sub.UserID),
		logx.String("endpoint", sub.EndpointToken),
		logx.String("id", p.NotificationID),
		logx.String("category", p.Category),
		logx.String("priority", p.Priority.String()),
		logx.String("title", p.Title),
	)
	return nil
}
