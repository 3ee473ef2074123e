package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cowrite/api/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers are authenticated before the upgrade; the bearer token is not a cookie.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and streams the document's events as JSON
// text frames until the client disconnects or the hub closes the room.
// Access checks happen before this is called.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, documentID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Warnw("websocket upgrade failed", "documentId", documentID, "error", err)
		return
	}

	sub := hub.Subscribe(documentID)
	go writePump(conn, sub)
	go readPump(hub, conn, sub)
}

// readPump only watches for disconnects; clients send nothing meaningful.
func readPump(hub *Hub, conn *websocket.Conn, sub *Subscription) {
	defer func() {
		hub.Unsubscribe(sub)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Sugar.Debugw("websocket read error", "documentId", sub.DocumentID, "error", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
