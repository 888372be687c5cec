package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/connectbox/agent/internal/event"
)

const (
	pingPeriod = 54 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// conn is one front-end connection
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
}

func newConn(srv *Server, wsConn *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(srv.ctx)
	return &conn{
		srv:    srv,
		ws:     wsConn,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
	}
}

// run serves the connection until either side closes it
func (c *conn) run() {
	unsubscribe := c.srv.ctrl.Subscribe(event.ObserverFunc(c.observe))
	defer unsubscribe()

	go c.writePump()
	c.sendSnapshot()
	c.readPump()
}

// observe forwards a status event. It never blocks: a client that cannot
// keep up is disconnected.
func (c *conn) observe(e event.Event) {
	c.enqueue(StatusMessage{
		BaseMessage: BaseMessage{Type: TypeStatus, Timestamp: e.Time.UnixMilli()},
		Event:       e,
	})
}

func (c *conn) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode message", "error", err)
		return
	}

	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		slog.Warn("Dropping slow control client", "remote", c.ws.RemoteAddr().String())
		c.cancel()
	}
}

func (c *conn) sendSnapshot() {
	c.enqueue(SnapshotMessage{
		BaseMessage: BaseMessage{Type: TypeSnapshot, Timestamp: time.Now().UnixMilli()},
		State:       c.srv.ctrl.Snapshot(),
	})
}

// readPump reads messages from WebSocket
func (c *conn) readPump() {
	defer func() {
		c.cancel()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(64 << 10)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Control client read error", "error", err)
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes messages to WebSocket
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("Control client write error", "error", err)
				c.cancel()
				return
			}

		case <-ticker.C:
			// Keep-alive ping
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage processes a single message
func (c *conn) handleMessage(data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		c.sendError("invalid message: " + err.Error())
		return
	}

	switch base.Type {
	case TypePing:
		c.enqueue(PongMessage{BaseMessage: BaseMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()}})

	case TypeCommand:
		var cmd CommandMessage
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendError("invalid command: " + err.Error())
			return
		}
		c.enqueue(c.srv.execute(c.ctx, cmd))
		c.sendSnapshot()

	default:
		slog.Warn("Unknown message type", "type", base.Type)
		c.sendError("unknown message type: " + string(base.Type))
	}
}

func (c *conn) sendError(msg string) {
	c.enqueue(ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Timestamp: time.Now().UnixMilli()},
		Error:       msg,
	})
}
