package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"codeguard/internal/lifecycle"
	"codeguard/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser extension and web client connect from arbitrary origins.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades websocket requests and pumps decoded events into the
// lifecycle. Connections are anonymous at upgrade time; identity arrives
// with the first join event, the same way the realtime protocol works on
// the client.
type Handler struct {
	lifecycle    *lifecycle.Lifecycle
	limiter      *RateLimiter
	pingInterval time.Duration
	readTimeout  time.Duration
}

func NewHandler(lc *lifecycle.Lifecycle, pingInterval, readTimeout time.Duration) *Handler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	return &Handler{
		lifecycle:    lc,
		limiter:      NewRateLimiter(defaultEventLimit, defaultEventWindow),
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
	}
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	conn := NewConnection(uuid.New().String(), ws)
	log.Printf("websocket: connection %s established", conn.ID())
	go h.readPump(conn)
}

// readPump owns the read side of one connection: heartbeat bookkeeping,
// envelope decoding and lifecycle dispatch. Events from one connection are
// processed in arrival order; no ordering exists across connections.
func (h *Handler) readPump(conn *Connection) {
	defer func() {
		h.lifecycle.Disconnect(conn)
		h.limiter.Forget(conn.ID())
		_ = conn.Close()
		log.Printf("websocket: connection %s closed", conn.ID())
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket: read error on %s: %v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !h.limiter.Allow(conn.ID()) {
			log.Printf("websocket: connection %s over event rate limit, frame dropped", conn.ID())
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("websocket: unparseable frame from %s dropped", conn.ID())
			continue
		}

		payload, err := types.DecodeInbound(&env)
		if err != nil {
			// Closed event vocabulary: unrecognized shapes never reach the
			// lifecycle.
			log.Printf("websocket: rejected frame from %s: %v", conn.ID(), err)
			continue
		}

		h.lifecycle.Dispatch(context.Background(), conn, payload)
	}
}
