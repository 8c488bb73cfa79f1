package router

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrader upgrades requests accepted by WebSocket tables.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocket creates a table whose entries only see WebSocket upgrade requests.
// Everything else, and upgrades nothing accepts, goes to fallback.
func NewWebSocket(fallback http.Handler) *Table {
	t := New(fallback)
	t.upgradeOnly = true
	return t
}

// IsUpgrade reports whether r asks for a WebSocket connection.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Upgrade completes the handshake for r.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return Upgrader.Upgrade(w, r, nil)
}
