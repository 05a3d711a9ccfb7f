package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// socket is one live WebSocket connection of any kind. The write pump is
// the only goroutine that touches conn for writes; everything else goes
// through the bounded send queue.
type socket struct {
	hub    *Server
	conn   *websocket.Conn
	kind   ConnKind
	id     string
	remote string

	send      chan []byte
	closeOnce sync.Once

	connectedAt  time.Time
	lastActivity atomic.Int64 // Unix ms
	sent         atomic.Int64
	dropped      atomic.Int64

	// limiter throttles submit_job frames; client sockets only
	limiter *rate.Limiter
	// chunks reassembles inbound chunked_message frames
	chunks *Reassembler
}

func newSocket(hub *Server, conn *websocket.Conn, kind ConnKind, id, remote string) *socket {
	sock := &socket{
		hub:         hub,
		conn:        conn,
		kind:        kind,
		id:          id,
		remote:      remote,
		send:        make(chan []byte, sendQueueSize),
		connectedAt: time.Now(),
		chunks:      NewReassembler(hub.opts.MaxMessageBytes),
	}
	sock.lastActivity.Store(time.Now().UnixMilli())
	if kind == ConnClient {
		sock.limiter = rate.NewLimiter(rate.Limit(hub.opts.SubmitRatePerSec), hub.opts.SubmitBurst)
	}
	return sock
}

func (c *socket) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// info snapshots the connection counters for stats and the workers API.
func (c *socket) info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.id,
		Kind:         c.kind,
		Remote:       c.remote,
		ConnectedAt:  c.connectedAt.UnixMilli(),
		LastActivity: c.lastActivity.Load(),
		Sent:         c.sent.Load(),
		Dropped:      c.dropped.Load(),
	}
}

// enqueue queues one outbound frame without blocking. A false return
// means the queue is full; the caller decides whether to evict.
func (c *socket) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		c.sent.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// enqueueJSON marshals and queues one message, splitting into chunks when
// the payload exceeds the configured ceiling. Returns false on overflow.
func (c *socket) enqueueJSON(msg any) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Errorw("Failed to marshal outbound message",
			"socket_id", c.id,
			"error", err)
		return true // nothing to send; not the socket's fault
	}
	if len(payload) > c.hub.opts.MaxMessageBytes {
		for _, chunk := range SplitChunks(payload, c.hub.opts.ChunkBytes) {
			frame, err := json.Marshal(chunk)
			if err != nil {
				c.hub.log.Errorw("Failed to marshal chunk", "socket_id", c.id, "error", err)
				return true
			}
			if !c.enqueue(frame) {
				return false
			}
		}
		return true
	}
	return c.enqueue(payload)
}

// close shuts the connection down exactly once, sending a close frame
// best-effort so the peer sees the reason.
func (c *socket) close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

// readPump consumes inbound frames until the connection dies, then
// unregisters the socket. Monitors send nothing meaningful; clients send
// submit_job frames; workers send heartbeat echoes.
func (c *socket) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
			c.close(websocket.CloseGoingAway, "")
		}
	}()

	pongWait := c.hub.opts.ConnectionTimeout
	c.conn.SetReadLimit(int64(c.hub.opts.MaxMessageBytes))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	c.hub.log.Debugw("Read pump started", "socket_id", c.id, "kind", c.kind)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.touch()
		c.routeInbound(payload)
	}
}

// handleReadError logs unexpected closures; expected close codes (going
// away, abnormal, no status) are silent.
func (c *socket) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.hub.log.Warnw("WebSocket read error",
			"socket_id", c.id,
			"kind", c.kind,
			"error", err.Error())
	}
}

// routeInbound dispatches one inbound frame by its type field. Chunked
// frames recurse once reassembled.
func (c *socket) routeInbound(payload []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		c.hub.log.Warnw("Unparseable inbound frame",
			"socket_id", c.id,
			"size_bytes", len(payload),
			"error", err.Error())
		return
	}

	switch env.Type {
	case "chunked_message":
		var chunk Chunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			c.hub.log.Warnw("Unparseable chunk frame", "socket_id", c.id, "error", err.Error())
			return
		}
		complete, full, err := c.chunks.Add(chunk)
		if err != nil {
			c.hub.log.Warnw("Chunk reassembly failed",
				"socket_id", c.id,
				"chunk_id", chunk.ChunkID,
				"error", err.Error())
			c.sendError(err.Error())
			return
		}
		if complete {
			c.routeInbound(full)
		}
	case "ping":
		// Read deadline already refreshed
	case "heartbeat":
		// Worker sockets echo liveness; authoritative heartbeats go
		// through the store
	case "submit_job":
		if c.kind != ConnClient {
			c.hub.log.Debugw("submit_job on non-client socket ignored",
				"socket_id", c.id, "kind", c.kind)
			return
		}
		c.hub.handleSubmitFrame(c, payload)
	default:
		c.hub.log.Debugw("Unknown inbound message type",
			"type", env.Type,
			"socket_id", c.id,
			"kind", c.kind)
	}
}

// sendError pushes an error frame to the peer, best-effort.
func (c *socket) sendError(msg string) {
	c.enqueueJSON(ErrorMessage{
		Type:      "error",
		Error:     msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

// writePump writes queued frames and pings until shutdown or write error.
func (c *socket) writePump() {
	pingPeriod := c.hub.opts.ConnectionTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.hub.log.Debugw("Write pump started", "socket_id", c.id, "kind", c.kind)

	for {
		select {
		case <-c.hub.ctx.Done():
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.log.Debugw("Socket write error",
					"socket_id", c.id,
					"error", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
