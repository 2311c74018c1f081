package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tabtreehq/tabtree/internal/forest"
)

type wsClientMessage struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type     string    `json:"type"` // status, change, error
	Event    string    `json:"event,omitempty"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message,omitempty"`
	Revision uint64    `json:"revision,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	NodeID   string    `json:"nodeId,omitempty"`
	WindowID int       `json:"windowId,omitempty"`
	Time     time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}

// handleSnapshot serves the full read-only forest snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	snap, err := s.snapshots.Snapshot(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to take snapshot")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		webLog.Warn("snapshot_encode_failed", slog.String("error", err.Error()))
	}
}

// handleEventsWS streams committed mutations over a websocket. One JSON
// message per commit; the client resyncs via /api/snapshot after a gap.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(wsServerMessage{
		Type:  "status",
		Event: "connected",
		Time:  time.Now().UTC(),
	})

	changes := s.subscribe()
	defer s.unsubscribe(changes)

	// Reader goroutine: only ping is expected from clients.
	clientMsgs := make(chan wsClientMessage, 4)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(
					err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived,
				) {
					webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
				}
				return
			}
			var msg wsClientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			select {
			case clientMsgs <- msg:
			default:
			}
		}
	}()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-readerDone:
			return

		case msg := <-clientMsgs:
			switch msg.Type {
			case "ping":
				_ = conn.WriteJSON(wsServerMessage{
					Type:  "status",
					Event: "pong",
					Time:  time.Now().UTC(),
				})
			default:
				_ = conn.WriteJSON(wsServerMessage{
					Type:    "error",
					Code:    "UNSUPPORTED_MESSAGE",
					Message: "supported message types: ping",
				})
			}

		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := conn.WriteJSON(changeMessage(c)); err != nil {
				return
			}
		}
	}
}

func changeMessage(c forest.Change) wsServerMessage {
	return wsServerMessage{
		Type:     "change",
		Revision: c.Revision,
		Kind:     string(c.Kind),
		NodeID:   string(c.NodeID),
		WindowID: int(c.WindowID),
		Time:     time.Now().UTC(),
	}
}
