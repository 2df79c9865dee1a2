package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	maxFrame   = 64 << 10
)

// conversationOf extracts the conversation a frame belongs to. ok is false
// for frames that are not an envelope.
func conversationOf(data []byte) (string, bool) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return "", false
	}
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	_ = json.Unmarshal(env.Payload, &p)
	return p.ConversationID, true
}

// Serve registers conn with the hub and pumps frames until either side goes
// away. It blocks until the read side ends.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, userID, dmID string) {
	client := &Client{
		UserID: userID,
		DMID:   dmID,
		Send:   make(chan []byte, 256),
		Conn:   conn,
	}
	select {
	case h.Register <- client:
	case <-ctx.Done():
		conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(ctx, client)
}

func (h *Hub) readPump(ctx context.Context, client *Client) {
	conn := client.Conn
	defer func() {
		select {
		case h.Unregister <- client:
		case <-ctx.Done():
		}
		conn.Close()
	}()

	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("user_id", client.UserID).Msg("relay read ended")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		dmID, ok := conversationOf(data)
		if !ok {
			h.log.Warn().Str("user_id", client.UserID).Msg("dropping malformed relay frame")
			continue
		}
		h.Publish(ctx, dmID, data)
	}
}

func (h *Hub) writePump(client *Client) {
	conn := client.Conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
