package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"campusnotify/internal/eventbus"
	logx "campusnotify/pkg/logx"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer and the bearer token.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wireEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// events streams bus events over a websocket. Non-admins only see events about
// themselves; ?types=a,b narrows the stream.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	p := principalFrom(r.Context())
	var types []string
	if q := r.URL.Query().Get("types"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.deps.Bus.Subscribe(64, types...)
	defer unsub()

	// Reader: handles pongs and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !p.Admin && eventUser(ev) != p.UserID {
				continue
			}
			b, err := json.Marshal(wireEvent{Type: ev.Type, Time: ev.Time, Data: ev.Data})
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func eventUser(ev eventbus.Event) string {
	if u, ok := ev.Data.(interface{ EventUserID() string }); ok {
		return u.EventUserID()
	}
	return ""
}
