// Package wsbridge adapts WebSocket and WebRTC data-channel sessions to
// the notify.Connection abstraction, so the notification fan-out
// processor can push events to either transport identically.
package wsbridge

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodecore/socialnode/internal/notify"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConnection implements notify.Connection over a gorilla/websocket
// session. A single writer goroutine (writePump) owns all writes, giving
// FIFO per-connection delivery as required by §4.7.
type WSConnection struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
	log    *slog.Logger

	closeOnce sync.Once
}

// Send implements notify.Connection. Non-blocking: if the outbound buffer
// is full the connection is considered unresponsive and Send reports an
// error rather than blocking the fan-out worker.
func (c *WSConnection) Send(message []byte) error {
	select {
	case c.send <- message:
		return nil
	default:
		return errSendBufferFull
	}
}

// RemoteAddr implements notify.Connection.
func (c *WSConnection) RemoteAddr() string {
	return c.remote
}

// Close tears down the connection exactly once.
func (c *WSConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

var errSendBufferFull = sendBufferFullError{}

type sendBufferFullError struct{}

func (sendBufferFullError) Error() string { return "websocket send buffer full" }

// Handler upgrades incoming HTTP requests to WebSocket connections and
// wires each one into the notification protocol under the client's IP
// address as its id (matching the original's NotificationClient
// identification scheme).
type Handler struct {
	protocol *notify.Protocol
	log      *slog.Logger
}

// NewHandler creates a wsbridge Handler driving proto.
func NewHandler(proto *notify.Protocol, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{protocol: proto, log: log}
}

// ServeHTTP upgrades the connection and runs its read/write pumps until
// the client disconnects, at which point the subscriber is force-deleted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		id = host
	}
	wsConn := &WSConnection{
		conn:   conn,
		send:   make(chan []byte, 256),
		remote: id,
		log:    h.log,
	}
	box := notify.NewConnBox(wsConn)

	go h.writePump(wsConn)
	h.readPump(wsConn, box, id)
}

func (h *Handler) readPump(c *WSConnection, box *notify.ConnBox, id string) {
	defer func() {
		h.protocol.ForceDelete(id)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.protocol.ProcessMessage(message, box, id)
	}
}

func (h *Handler) writePump(c *WSConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
