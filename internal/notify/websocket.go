package notify

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// SyncMessage is the text message a client sends to request reconciliation.
const SyncMessage = "sync-reviews"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // UI pages may be served from another origin
	},
}

// WebSocketEndpoint streams hub events to browser contexts as JSON text
// frames and accepts the sync message as a manual trigger.
type WebSocketEndpoint struct {
	hub    *Hub
	onSync func(reason string)
	logger *slog.Logger
}

// NewWebSocketEndpoint creates an endpoint over hub. onSync may be nil.
func NewWebSocketEndpoint(hub *Hub, onSync func(reason string), logger *slog.Logger) *WebSocketEndpoint {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebSocketEndpoint{hub: hub, onSync: onSync, logger: logger}
}

// ServeHTTP upgrades the connection and pumps events until either side
// goes away.
func (ws *WebSocketEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	events, cancel := ws.hub.Subscribe()
	ws.logger.Debug("websocket connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go ws.readPump(conn, done)
	ws.writePump(conn, events, done)

	cancel()
	conn.Close()
	ws.logger.Debug("websocket disconnected", "remote", r.RemoteAddr)
}

// readPump handles inbound frames. It closes done when the peer leaves.
func (ws *WebSocketEndpoint) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if strings.TrimSpace(string(message)) == SyncMessage && ws.onSync != nil {
			ws.onSync("websocket")
		}
	}
}

// writePump forwards events and keeps the connection alive.
func (ws *WebSocketEndpoint) writePump(conn *websocket.Conn, events <-chan Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				ws.logger.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
