package ui

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 64
	maxMessageSize   = 4096
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control surface binds to loopback by default.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// hub tracks connected control clients and fans status out to them.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
	addr string

	closeOnce sync.Once
	done      chan struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) register(client *wsClient) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	return len(h.clients)
}

// unregister removes client and returns how many clients remain.
func (h *hub) unregister(client *wsClient) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
	return len(h.clients)
}

func (h *hub) broadcast(message outboundMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Printf("ui: failed to marshal broadcast type=%s err=%v", message.Type, err)
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.enqueue(payload)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func newWSClient(h *hub, conn *websocket.Conn, addr string) *wsClient {
	return &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		addr: addr,
		done: make(chan struct{}),
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *wsClient) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		log.Printf("ui: dropping slow client addr=%s", c.addr)
		c.close()
	}
}

func (c *wsClient) sendJSON(message outboundMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Printf("ui: failed to marshal reply type=%s err=%v", message.Type, err)
		return
	}
	c.enqueue(payload)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump hands every inbound frame to handle in arrival order.
func (c *wsClient) readPump(handle func(*wsClient, []byte)) {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ui: websocket read error addr=%s err=%v", c.addr, err)
			}
			return
		}
		handle(c, message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
