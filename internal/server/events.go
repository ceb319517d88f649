package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"bandmonitor/internal/models"
)

const eventWriteTimeout = 5 * time.Second

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// handleEvents streams monitor events over a websocket. The recent
// event buffer is replayed first so a reconnecting client does not
// miss what happened while it was away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveEventConnection(conn)
}

func (s *Server) serveEventConnection(conn *websocket.Conn) {
	defer conn.Close()

	// Subscribe before replaying so events published during the replay
	// land in the subscription buffer instead of vanishing. An event
	// that makes it into both the buffer and the replay is delivered
	// twice; clients treat events as state updates, so duplicates are
	// harmless.
	events, cancel := s.monitor.Subscribe()
	defer cancel()

	for _, ev := range s.monitor.RecentEvents() {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.MonitorEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(ev)
}
