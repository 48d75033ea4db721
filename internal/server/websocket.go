package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams hub snapshots, starting
// with the current state.
func (r *Router) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	snaps, unsubscribe := r.feed.Subscribe()
	defer unsubscribe()

	// Read pump: the client sends nothing useful, but a read error means it
	// went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	if err := writeSnapshot(conn, r.feed.Snapshot()); err != nil {
		slog.Debug("websocket write failed", "error", err)
		return
	}
	for s := range snaps {
		if err := writeSnapshot(conn, s); err != nil {
			slog.Debug("websocket write failed", "error", err)
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

func writeSnapshot(conn *websocket.Conn, s any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(s)
}
