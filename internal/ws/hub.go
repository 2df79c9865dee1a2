// Package ws is the broadcast relay behind the realtime channel. Every text
// frame a client sends is fanned out to every connected client, sender
// included.
package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type Client struct {
	UserID string
	// DMID limits delivery to one conversation. Empty receives everything.
	DMID string
	Send chan []byte
	Conn *websocket.Conn
}

func (c *Client) wants(dmID string) bool {
	return c.DMID == "" || dmID == "" || c.DMID == dmID
}

type Hub struct {
	clients    map[*Client]struct{}
	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan BroadcastMessage
	mu         sync.RWMutex
	log        zerolog.Logger
}

type BroadcastMessage struct {
	DMID string
	Data []byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan BroadcastMessage, 64),
		log:        log,
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.UserID).Int("clients", n).Msg("relay client connected")
		case client := <-h.Unregister:
			h.mu.Lock()
			h.drop(client)
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("user_id", client.UserID).Int("clients", n).Msg("relay client disconnected")
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.DMID) {
					continue
				}
				select {
				case client.Send <- msg.Data:
				default:
					// slow consumer
					h.log.Warn().Str("user_id", client.UserID).Msg("relay client buffer full, dropping client")
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues data for every interested client. It gives up when ctx is
// done.
func (h *Hub) Publish(ctx context.Context, dmID string, data []byte) {
	select {
	case h.Broadcast <- BroadcastMessage{DMID: dmID, Data: data}:
	case <-ctx.Done():
	}
}
