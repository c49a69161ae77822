package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codeguard/pkg/types"
)

// Connection wraps a websocket with a single writer goroutine so that
// lifecycle broadcasts and pipeline notifications can write concurrently
// without racing on the underlying socket.
type Connection struct {
	id        string
	conn      *websocket.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded websocket. The id is server-assigned and
// volatile; a reconnect gets a fresh one.
func NewConnection(id string, conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      id,
		conn:    conn,
		writeCh: make(chan []byte, 100), // absorbs room-wide broadcast bursts
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) ID() string {
	return c.id
}

// WriteEvent sends an event envelope to the client. Thread-safe; times out
// rather than blocking a lifecycle transition on a slow client.
func (c *Connection) WriteEvent(event string, data interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	env := types.Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrInvalidPayload
		}
		env.Data = raw
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return ErrInvalidPayload
	}

	select {
	case c.writeCh <- frame:
		return nil
	case <-time.After(5 * time.Second):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) writeLoop() {
	// A write failure means the socket is dead. Closing here cancels the
	// context so queued writers get ErrConnectionClosed instead of filling
	// the buffer and timing out one by one.
	defer func() { _ = c.Close() }()

	for {
		select {
		case frame := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
