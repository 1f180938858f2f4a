// Package broadcast fans out realtime alerts to connected WebSocket
// clients on /ws/alerts. Each client gets a bounded send queue; a client
// that falls behind or stops reading is dropped rather than allowed to
// back-pressure the broadcaster.
package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/metrics"
)

const (
	defaultSendQueueLen = 64
	writeTimeout        = 2 * time.Second
	pongWait            = 60 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Broadcaster holds the set of attached clients and fans out every
// message it receives from the alerts channel to each of them.
type Broadcaster struct {
	mu           sync.Mutex
	clients      map[*client]struct{}
	sendQueueLen int
	log          *logging.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates an empty Broadcaster. sendQueueLen <= 0 falls back to the
// documented default of 64.
func New(sendQueueLen int) *Broadcaster {
	if sendQueueLen <= 0 {
		sendQueueLen = defaultSendQueueLen
	}
	return &Broadcaster{
		clients:      make(map[*client]struct{}),
		sendQueueLen: sendQueueLen,
		log:          logging.BroadcasterLogger(),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// it to receive every future Broadcast call. Reconnecting clients never
// receive a replay of past alerts.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, b.sendQueueLen)}
	b.attach(c)

	go b.writePump(c)
	b.readPump(c)
}

func (b *Broadcaster) attach(c *client) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	metrics.WSClientsConnected.Set(float64(b.count()))
}

func (b *Broadcaster) detach(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
	_ = c.conn.Close()
	metrics.WSClientsConnected.Set(float64(b.count()))
}

func (b *Broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// readPump drains client frames to detect disconnects and answer "ping"
// with "pong"; it never expects application data from the client.
func (b *Broadcaster) readPump(c *client) {
	defer b.detach(c)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if string(msg) == "ping" {
			select {
			case c.send <- []byte("pong"):
			default:
				b.evict(c, "send queue full")
				return
			}
		}
	}
}

func (b *Broadcaster) writePump(c *client) {
	for payload := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			b.evict(c, "write deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.evict(c, "write failed")
			return
		}
	}
}

func (b *Broadcaster) evict(c *client, reason string) {
	metrics.WSClientsEvicted.Inc()
	b.log.Debug("evicting websocket client", "reason", reason)
	b.detach(c)
}

// Broadcast sends payload (expected to be a JSON-encoded alert) to every
// attached client. Clients whose send queue is already full are evicted
// rather than blocked on.
func (b *Broadcaster) Broadcast(payload []byte) {
	b.mu.Lock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			b.evict(c, "send queue full")
		}
	}
}

// ClientCount returns the number of currently attached clients.
func (b *Broadcaster) ClientCount() int {
	return b.count()
}
