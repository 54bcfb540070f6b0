package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsJSON(t *testing.T) {
	var got kit.Payload
	var hdr http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		hdr = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(Config{Headers: map[string]string{"Authorization": "Bearer abc"}}, logx.Nop())
	sub := kit.Subscription{ID: "s1", EndpointToken: srv.URL + "/push"}
	err := s.Send(context.Background(), sub, kit.Payload{NotificationID: "n1", Title: "Exam", Priority: kit.PriorityHigh})
	require.NoError(t, err)

	assert.Equal(t, "n1", got.NotificationID)
	assert.Equal(t, "Exam", got.Title)
	assert.Equal(t, kit.PriorityHigh, got.Priority)
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))
	assert.Equal(t, "Bearer abc", hdr.Get("Authorization"))
	assert.Equal(t, "n1", hdr.Get("X-Notification-Id"))
}

func TestSendClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusGone, kit.ErrEndpointGone},
		{http.StatusNotFound, kit.ErrEndpointGone},
		{http.StatusInternalServerError, kit.ErrSendFailure},
		{http.StatusTooManyRequests, kit.ErrSendFailure},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		s := New(Config{}, logx.Nop())
		err := s.Send(context.Background(), kit.Subscription{EndpointToken: srv.URL}, kit.Payload{})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestSendUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := New(Config{}, logx.Nop())
	err := s.Send(context.Background(), kit.Subscription{EndpointToken: url}, kit.Payload{})
	assert.ErrorIs(t, err, kit.ErrSendFailure)
}

func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := New(Config{}, logx.Nop())
	sub := kit.Subscription{EndpointToken: srv.URL}

	require.NoError(t, s.Probe(context.Background(), sub))

	status.Store(http.StatusMethodNotAllowed)
	require.NoError(t, s.Probe(context.Background(), sub))

	status.Store(http.StatusGone)
	assert.ErrorIs(t, s.Probe(context.Background(), sub), kit.ErrEndpointGone)
}
