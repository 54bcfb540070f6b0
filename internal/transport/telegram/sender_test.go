package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	kit "campusnotify/internal/transport"
	logx "campusnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		chat    int64
		thread  int
		wantErr bool
	}{
		{in: "tg:42", chat: 42},
		{in: "tg:-1001234/7", chat: -1001234, thread: 7},
		{in: "tg:abc", wantErr: true},
		{in: "tg:1/x", wantErr: true},
		{in: "https://example.org", wantErr: true},
	}
	for _, tt := range tests {
		chat, thread, err := ParseEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.chat, chat, tt.in)
		assert.Equal(t, tt.thread, thread, tt.in)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	out := Format(kit.Payload{Title: "Tarea <3>", Body: "Entrega & revisión", Priority: kit.PriorityCritical})
	assert.Equal(t, "🚨 <b>Tarea &lt;3&gt;</b>\nEntrega &amp; revisión", out)

	long := Format(kit.Payload{Body: strings.Repeat("á", 5000)})
	assert.Equal(t, bodyLimit, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "…"))
}

func TestSendPostsToBotAPI(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		form url.Values
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		form = parseBody(r.Header.Get("Content-Type"), body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", URL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)

	err = s.Send(context.Background(), kit.Subscription{EndpointToken: "tg:42"}, kit.Payload{Title: "Hola", Body: "Mundo", Priority: kit.PriorityMedium})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Equal(t, "42", form.Get("chat_id"))
	assert.Equal(t, "<b>Hola</b>\nMundo", form.Get("text"))
}

func TestSendRejectsForeignEndpoint(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	require.NoError(t, err)
	err = s.Send(context.Background(), kit.Subscription{EndpointToken: "log:x"}, kit.Payload{})
	assert.ErrorIs(t, err, kit.ErrEndpointGone)
}

// parseBody reads Bot API parameters; telebot posts them as a JSON object of strings.
func parseBody(contentType string, body []byte) url.Values {
	out := url.Values{}
	if strings.HasPrefix(contentType, "application/json") {
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		for k, v := range m {
			if s, ok := v.(string); ok {
				out.Set(k, s)
			}
		}
		return out
	}
	out, _ = url.ParseQuery(string(body))
	return out
}
