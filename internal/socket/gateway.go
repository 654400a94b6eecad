// Package socket is the realtime gateway: it upgrades client connections,
// runs inbound frames through the orchestrator's socket pipelines, and fans
// accepted frames back out.
package socket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/frontclaw/backend/internal/orchestrator"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second // must be < pongWait
	maxMsgSize  = 512 * 1024
	sendBufSize = 64
)

// Frame is one realtime message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Pipelines is the orchestrator surface the gateway drives.
type Pipelines interface {
	SocketConnect(ctx context.Context, socketID string)
	SocketDisconnect(ctx context.Context, socketID string)
	SocketMessage(ctx context.Context, socketID, event string, data json.RawMessage) orchestrator.SocketMessageResult
}

// client is one connected socket. All writes funnel through send so the
// write pump is the connection's only writer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Frame
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Gateway owns the connected client set.
type Gateway struct {
	pipelines Pipelines
	logger    *log.Logger
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewGateway builds a gateway over the socket pipelines.
func NewGateway(pipelines Pipelines, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[SOCKET] ", log.LstdFlags)
	}
	return &Gateway{
		pipelines: pipelines,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("upgrade: %v", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Frame, sendBufSize),
		done: make(chan struct{}),
	}

	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()

	g.pipelines.SocketConnect(r.Context(), c.id)

	go g.writePump(c)
	g.readPump(c) // blocks until the connection drops

	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
	g.pipelines.SocketDisconnect(context.Background(), c.id)
	c.close()
}

func (g *Gateway) readPump(c *client) {
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			g.sendTo(c, Frame{Event: "error", Data: mustJSON(map[string]string{"message": "malformed frame"})})
			continue
		}

		res := g.pipelines.SocketMessage(context.Background(), c.id, frame.Event, frame.Data)
		switch res.Status {
		case orchestrator.StatusFailed:
			g.sendTo(c, Frame{Event: "error", Data: mustJSON(map[string]string{
				"code":    res.Code,
				"message": res.Message,
			})})
		case orchestrator.StatusIntercepted:
			g.sendTo(c, Frame{Event: frame.Event, Data: res.Response})
		default:
			g.Broadcast(Frame{Event: frame.Event, Data: res.Data})
		}
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Broadcast queues a frame for every connected client. Slow clients drop
// frames rather than stall the gateway.
func (g *Gateway) Broadcast(frame Frame) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.clients {
		g.sendTo(c, frame)
	}
}

func (g *Gateway) sendTo(c *client, frame Frame) {
	select {
	case c.send <- frame:
	default:
		g.logger.Printf("client %s send buffer full, dropping %q", c.id, frame.Event)
	}
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.clients {
		c.close()
		delete(g.clients, id)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
