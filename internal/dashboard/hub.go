package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradeforce/logger"
)

const (
	messageSnapshot = "snapshot"
	messageStatus   = "status"
	messageVenue    = "venue"
	messagePrice    = "price"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

type message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// client owns one websocket. Only its writer goroutine writes data frames.
type client struct {
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// hub pushes status, venue and price events to every websocket client.
// broadcast never waits on the network; a client whose queue is full is
// disconnected.
type hub struct {
	core     Core
	log      *logger.Log
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub(core Core, log *logger.Log) *hub {
	return &hub{
		core: core,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("dashboard_hub").WithError(err).Debug("websocket upgrade failed")
		return
	}

	snapshot, err := encode(messageSnapshot, map[string]interface{}{
		"status": h.core.Status(),
		"venues": h.core.Venues(),
		"stream": h.core.StreamStats(),
	})
	if err != nil {
		conn.Close()
		return
	}

	// The snapshot is queued before registration so it is always first.
	cl := newClient(conn)
	cl.send <- snapshot
	h.register(cl)
	go h.writePump(cl)
	defer func() {
		h.unregister(cl)
		cl.close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.close()
	}()
	for {
		select {
		case <-cl.done:
			return
		case payload := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *hub) register(cl *client) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithComponent("dashboard_hub").WithField("clients", n).Debug("client connected")
}

func (h *hub) unregister(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func encode(kind string, data interface{}) ([]byte, error) {
	return json.Marshal(message{Type: kind, Data: data, Timestamp: time.Now().UnixMilli()})
}

func (h *hub) broadcast(kind string, data interface{}) {
	payload, err := encode(kind, data)
	if err != nil {
		h.log.WithComponent("dashboard_hub").WithError(err).Warn("broadcast marshal failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			delete(h.clients, cl)
			cl.close()
			h.log.WithComponent("dashboard_hub").WithField("type", kind).Warn("slow websocket client dropped")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		_ = cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		cl.close()
		delete(h.clients, cl)
	}
}
