package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-realtime/internal/delivery"
	"go-realtime/internal/models"

	"github.com/gorilla/websocket"
)

// Transport limits per connection. Pings go out often enough that the
// peer's pong lands before the read deadline lapses.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// job is one accepted action waiting for the connection's worker.
type job struct {
	id     string
	action models.Action
	ticket *delivery.Ticket
}

// Conn is one physical websocket link and its lifecycle state.
type Conn struct {
	id     string
	remote string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	jobs   chan job

	mu     sync.RWMutex
	state  State
	userID string

	closing     chan struct{}
	closingOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready reports whether the connection may receive room broadcasts.
func (c *Conn) Ready() bool {
	return c.State() == StateReady
}

func (c *Conn) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !canTransition(c.state, to) {
		return fmt.Errorf("connection %s: illegal transition %s -> %s", c.id, c.state, to)
	}
	slog.Debug("[CONN] State change", "conn", c.id, "from", c.state, "to", to)
	c.state = to
	return nil
}

// bind records the verified user and moves to AUTHENTICATED.
func (c *Conn) bind(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !canTransition(c.state, StateAuthenticated) {
		return fmt.Errorf("connection %s: illegal transition %s -> %s", c.id, c.state, StateAuthenticated)
	}
	c.userID = userID
	c.state = StateAuthenticated
	return nil
}

// Deliver queues payload for the write pump. A connection whose buffer is
// full is treated as dead and closed.
func (c *Conn) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		slog.Warn("[CONN] Send buffer full, disconnecting", "conn", c.id, "user", c.UserID())
		c.Close()
		return false
	}
}

// Emit sends one event to this connection only.
func (c *Conn) Emit(eventType string, data interface{}) {
	payload, err := models.Encode(eventType, data)
	if err != nil {
		slog.Error("[CONN] Failed to encode event", "conn", c.id, "type", eventType, "error", err)
		return
	}
	c.Deliver(payload)
}

func (c *Conn) ack(id string, ack models.Ack) {
	if id == "" {
		return
	}
	payload, err := models.EncodeAck(id, ack)
	if err != nil {
		slog.Error("[CONN] Failed to encode ack", "conn", c.id, "error", err)
		return
	}
	c.Deliver(payload)
}

// Close tears the transport down immediately. The read loop notices and
// runs the disconnect path.
func (c *Conn) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

// closeAfterFlush lets the write pump drain what is queued, send a close
// frame and then drop the transport.
func (c *Conn) closeAfterFlush() {
	c.closingOnce.Do(func() { close(c.closing) })
}

// readPump pumps frames from the websocket into the dispatcher.
func (c *Conn) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("[CONN] Unexpected close", "conn", c.id, "user", c.UserID(), "error", err)
			}
			return
		}
		c.dispatch(message)
	}
}

// writePump pumps queued frames to the websocket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				slog.Debug("[CONN] Write failed", "conn", c.id, "error", err)
				return
			}

		case <-c.closing:
			if err := c.flush(); err != nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection rejected"))
			return

		case <-c.done:
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("[CONN] Failed to send ping", "conn", c.id, "error", err)
				return
			}
		}
	}
}

func (c *Conn) flush() error {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Conn) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// worker runs this connection's actions one at a time, in arrival order.
func (c *Conn) worker() {
	for {
		select {
		case j := <-c.jobs:
			c.process(j)
		case <-c.done:
			// Never started: give the guard entries back.
			for {
				select {
				case j := <-c.jobs:
					if j.ticket != nil {
						j.ticket.Release()
					}
				default:
					return
				}
			}
		}
	}
}
