package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"campusnotify/internal/analytics"
	"campusnotify/internal/dispatch"
	"campusnotify/internal/netstate"
	"campusnotify/internal/notifications"
	"campusnotify/internal/policy"
	"campusnotify/internal/runtime/supervisor"
	"campusnotify/internal/subscription"
	kit "campusnotify/internal/transport"

	"github.com/go-chi/chi/v5"
)

type subscribeRequest struct {
	UserID            string `json:"user_id"`
	DeviceID          string `json:"device_id"`
	EndpointToken     string `json:"endpoint_token"`
	PermissionGranted bool   `json:"permission_granted"`
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	if req.UserID == "" {
		req.UserID = p.UserID
	}
	if !p.may(req.UserID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "not allowed for this user")
		return
	}
	sub, err := s.deps.Service.Subscribe(r.Context(), subscription.DeviceInfo{
		UserID:            req.UserID,
		DeviceID:          req.DeviceID,
		UserAgent:         r.UserAgent(),
		EndpointToken:     req.EndpointToken,
		PermissionGranted: req.PermissionGranted,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.deps.Service.Subscription(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !principalFrom(r.Context()).may(sub.UserID) {
		writeError(w, r, http.StatusForbidden, "forbidden", "not allowed for this subscription")
		return
	}
	if err := s.deps.Service.Unsubscribe(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Service.Subscriptions(r.Context(), chi.URLParam(r, "user")))
}

func (s *Server) unsubscribeUser(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.UnsubscribeUser(r.Context(), chi.URLParam(r, "user")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Service.Preferences(r.Context(), chi.URLParam(r, "user")))
}

func (s *Server) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var patch policy.Patch
	if !decode(w, r, &patch) {
		return
	}
	prefs, err := s.deps.Service.UpdatePreferences(r.Context(), chi.URLParam(r, "user"), patch)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// resultBody is kit.Result with the error rendered.
type resultBody struct {
	Status         kit.Status `json:"status"`
	NotificationID string     `json:"notification_id"`
	DeliverAt      *time.Time `json:"deliver_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func toResultBody(res kit.Result) resultBody {
	b := resultBody{Status: res.Status, NotificationID: res.NotificationID}
	if !res.DeliverAt.IsZero() {
		at := res.DeliverAt
		b.DeliverAt = &at
	}
	if res.Err != nil {
		b.Error = res.Err.Error()
	}
	return b
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var req notifications.Request
	if !decode(w, r, &req) {
		return
	}
	res := s.deps.Service.Notify(ctxDetached(r), chi.URLParam(r, "user"), req)
	if errors.Is(res.Err, notifications.ErrInvalidRequest) || errors.Is(res.Err, policy.ErrCategoryNotFound) {
		writeDomainError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResultBody(res))
}

type bulkRequest struct {
	Items           []notifications.BulkRequest `json:"items"`
	BatchSize       int                         `json:"batch_size,omitempty"`
	InterBatchDelay string                      `json:"inter_batch_delay,omitempty"`
}

type bulkBody struct {
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Batches    []int        `json:"batches"`
	Results    []resultBody `json:"results"`
}

func (s *Server) notifyBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decode(w, r, &req) {
		return
	}
	opts := dispatch.BulkOptions{BatchSize: req.BatchSize}
	if req.InterBatchDelay != "" {
		d, err := time.ParseDuration(req.InterBatchDelay)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "inter_batch_delay: "+err.Error())
			return
		}
		opts.InterBatchDelay = d
	}
	out := s.deps.Service.NotifyBulk(ctxDetached(r), req.Items, opts)
	body := bulkBody{Successful: out.Successful, Failed: out.Failed, Batches: out.Batches, Results: make([]resultBody, 0, len(out.Results))}
	for _, res := range out.Results {
		body.Results = append(body.Results, toResultBody(res))
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) recordInteraction(w http.ResponseWriter, r *http.Request) {
	var in notifications.Interaction
	if !decode(w, r, &in) {
		return
	}
	in.Action = analytics.Action(strings.ToLower(strings.TrimSpace(string(in.Action))))
	if err := s.deps.Service.RecordInteraction(r.Context(), chi.URLParam(r, "user"), in); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type metricsBody struct {
	analytics.Metrics
	CategoryAffinity map[string]float64 `json:"category_affinity"`
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	writeJSON(w, http.StatusOK, metricsBody{
		Metrics:          s.deps.Service.Metrics(r.Context(), user),
		CategoryAffinity: s.deps.Service.CategoryAffinity(r.Context(), user),
	})
}

type scheduledBody struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	DeliverAt time.Time `json:"deliver_at"`
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Service.Scheduled(r.Context())
	out := make([]scheduledBody, 0, len(entries))
	for _, e := range entries {
		n := e.Envelope.Notification
		out = append(out, scheduledBody{ID: e.ID(), UserID: e.Envelope.UserID, Category: n.Category, Title: n.Title, DeliverAt: e.DeliverAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Service.CancelScheduled(r.Context(), chi.URLParam(r, "id")) {
		writeError(w, r, http.StatusNotFound, "not_found", "no pending entry with this id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Service.Failures(r.URL.Query().Get("user")))
}

func (s *Server) userFailures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Service.Failures(chi.URLParam(r, "user")))
}

type healthBody struct {
	Status         string               `json:"status"`
	Network        *netstate.Status     `json:"network,omitempty"`
	OfflinePending int                  `json:"offline_pending"`
	Supervisor     *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok", OfflinePending: s.deps.Service.OfflinePending()}
	if s.deps.Network != nil {
		st := s.deps.Network.Status()
		body.Network = &st
		if !st.Online {
			body.Status = "degraded"
		}
	}
	if s.deps.Supervisor != nil {
		snap := s.deps.Supervisor.Snapshot()
		body.Supervisor = &snap
		if snap.FirstError != "" {
			body.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type networkRequest struct {
	Online *bool `json:"online"`
}

// setNetwork overrides the network state, e.g. from an external connectivity check.
// Going online triggers the offline queue drain.
func (s *Server) setNetwork(w http.ResponseWriter, r *http.Request) {
	if s.deps.Network == nil {
		writeError(w, r, http.StatusNotImplemented, "unavailable", "network monitor not configured")
		return
	}
	var req networkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "online is required")
		return
	}
	s.deps.Network.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, s.deps.Network.Status())
}

// ctxDetached keeps request values but ignores client disconnects.
func ctxDetached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
