package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"follower-platform/internal/database"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Conn represents one agent websocket connection
type Conn struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	userID    string
	closeChan chan struct{}
}

// Hub manages agent websocket connections and fans broadcast signals out to
// all of them. Connections are keyed by user so user-scoped notices and
// forced disconnects can target a single subscriber.
type Hub struct {
	clients     map[*Conn]bool
	userClients map[string][]*Conn
	broadcast   chan []byte
	register    chan *Conn
	unregister  chan *Conn
	mu          sync.RWMutex
	onPresence  func(userID string, connected bool)
	logger      zerolog.Logger
}

// NewHub creates a new websocket hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Conn]bool),
		userClients: make(map[string][]*Conn),
		broadcast:   make(chan []byte, 4096),
		register:    make(chan *Conn),
		unregister:  make(chan *Conn),
		logger:      logger.With().Str("component", "SignalHub").Logger(),
	}
}

// SetPresenceListener registers a callback fired when a user gains their
// first connection or loses their last one. Set before Run starts.
func (h *Hub) SetPresenceListener(fn func(userID string, connected bool)) {
	h.onPresence = fn
}

// Run processes register/unregister/broadcast traffic. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			first := false
			if client.userID != "" {
				first = len(h.userClients[client.userID]) == 0
				h.userClients[client.userID] = append(h.userClients[client.userID], client)
			}
			h.mu.Unlock()
			if first && h.onPresence != nil {
				h.onPresence(client.userID, true)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			last := false
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				if client.userID != "" {
					h.removeFromUserMap(client)
					last = len(h.userClients[client.userID]) == 0
				}
			}
			h.mu.Unlock()
			if last && h.onPresence != nil {
				h.onPresence(client.userID, false)
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer, let unregister clean it up
					go func(c *Conn) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleConnection registers an upgraded websocket connection for an agent
// and starts its read/write pumps.
func (h *Hub) HandleConnection(conn *websocket.Conn, userID string) {
	client := &Conn{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		hub:       h,
		userID:    userID,
		closeChan: make(chan struct{}),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()

	welcome := map[string]interface{}{
		"type":      "connected",
		"timestamp": time.Now().UTC(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}

// BroadcastSignal fans a signal out to every connected agent
func (h *Hub) BroadcastSignal(sig *database.Signal) {
	envelope := map[string]interface{}{
		"type":   "signal",
		"signal": sig,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal signal broadcast")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("Broadcast channel full, dropping signal")
	}
}

// SendToUser delivers a payload to one user's connections only. Matches the
// events.BroadcastFunc signature so it can back user-scoped notices.
func (h *Hub) SendToUser(userID string, payload interface{}) {
	if userID == "" {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to marshal user notice")
		return
	}

	h.mu.RLock()
	clients := h.userClients[userID]
	for _, client := range clients {
		select {
		case client.send <- data:
		default:
		}
	}
	h.mu.RUnlock()
}

// DisconnectUser closes every connection a user has open, used when access
// is revoked or credentials are removed.
func (h *Hub) DisconnectUser(userID string) {
	if userID == "" {
		return
	}

	h.mu.Lock()

	clients, ok := h.userClients[userID]
	if !ok || len(clients) == 0 {
		h.mu.Unlock()
		return
	}

	// Closing send ends writePump, which closes the socket and unwinds
	// readPump. closeChan stays owned by readPump alone.
	for _, client := range clients {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			close(client.send)
		}
	}

	delete(h.userClients, userID)
	h.mu.Unlock()

	h.logger.Info().Str("user_id", userID).Int("connections", len(clients)).Msg("Disconnected user agents")
	if h.onPresence != nil {
		h.onPresence(userID, false)
	}
}

// ClientCount returns the number of connected agents
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// removeFromUserMap drops a client from the per-user index. Caller holds the
// write lock.
func (h *Hub) removeFromUserMap(client *Conn) {
	clients, ok := h.userClients[client.userID]
	if !ok {
		return
	}
	for i, c := range clients {
		if c == client {
			h.userClients[client.userID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.userClients[client.userID]) == 0 {
		delete(h.userClients, client.userID)
	}
}

// writePump pumps queued messages to the socket and keeps the connection
// alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump drains the socket so pings/pongs flow; agents do not send
// application messages over this connection.
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("user_id", c.userID).Msg("Websocket read error")
			}
			break
		}
	}
}
