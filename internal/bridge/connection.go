package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// writeQueueSize bounds how many outbound frames a slow client can have
// buffered before the connection is dropped instead of blocking the
// server.
const writeQueueSize = 64

// connection is one client's WebSocket session and its place in the
// AwaitingHandshake -> PendingAuth|Authorized -> Closed state machine.
type connection struct {
	ws *websocket.Conn

	mu          sync.Mutex
	state       ConnState
	clientID    string
	clientName  string
	publicKey   string
	extensionID string

	out    chan []byte
	closed chan struct{}
	log    *logrus.Entry
}

func newConnection(ws *websocket.Conn, log *logrus.Entry) *connection {
	return &connection{
		ws:     ws,
		state:  AwaitingHandshake,
		out:    make(chan []byte, writeQueueSize),
		closed: make(chan struct{}),
		log:    log,
	}
}

func (c *connection) getState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) identity() (clientID, extensionID, publicKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.extensionID, c.publicKey
}

// send enqueues a frame for the write pump. It never blocks: a full
// queue closes the connection rather than stalling the read loop on a
// slow or wedged client.
func (c *connection) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.WithError(err).Error("failed to marshal outbound frame")
		return
	}
	select {
	case c.out <- data:
	default:
		c.log.Warn("outbound queue full, closing connection")
		c.Close()
	}
}

// writePump is the connection's single writer goroutine; gorilla's Conn
// does not tolerate concurrent writers.
func (c *connection) writePump() {
	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("write failed, closing connection")
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Close shuts the connection down exactly once.
func (c *connection) Close() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.mu.Unlock()

	close(c.closed)
	_ = c.ws.Close()
}

func (c *connection) readLoop(ctx context.Context, s *Server) {
	defer s.dropConnection(c)
	defer c.Close()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames carry no protocol meaning here; dropped
			// silently rather than answered with an error frame, per
			// §4.6.
			continue
		}
		s.handleFrame(ctx, c, data)
	}
}

