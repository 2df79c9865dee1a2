package models

import (
	"encoding/json"
	"sort"
	"time"
)

// MessageKind is the content type of a chat message.
type MessageKind string

const (
	KindText           MessageKind = "text"
	KindImage          MessageKind = "image"
	KindChallengeShare MessageKind = "challenge_share"
)

// Valid reports whether k is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindChallengeShare:
		return true
	}
	return false
}

// SenderInfo is the denormalized sender profile carried on every message.
type SenderInfo struct {
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// DMMessage is a single immutable message in a direct conversation.
type DMMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Kind           MessageKind    `json:"message_type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sender         SenderInfo     `json:"profiles"`
}

// DMConversation is a two-party thread. Participants are kept sorted so the
// pair identifies the conversation regardless of who started it.
type DMConversation struct {
	ID           string               `json:"id"`
	Participants []string             `json:"participants"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	LastRead     map[string]time.Time `json:"last_read,omitempty"`
	// Local marks a record minted on the client while the backend was
	// unreachable. It is replaced by the backend's record for the pair.
	Local bool `json:"local,omitempty"`
}

// PairKey returns the canonical, order-independent key for two users.
func PairKey(user1, user2 string) [2]string {
	p := []string{user1, user2}
	sort.Strings(p)
	return [2]string{p[0], p[1]}
}

// HasPair reports whether the conversation is between exactly user1 and user2.
func (c *DMConversation) HasPair(user1, user2 string) bool {
	if len(c.Participants) != 2 {
		return false
	}
	return PairKey(c.Participants[0], c.Participants[1]) == PairKey(user1, user2)
}

// Other returns the participant that is not userID.
func (c *DMConversation) Other(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// NormalizeMetadata returns metadata as it reads back after a JSON round
// trip, so numbers become float64 and nested values plain maps and slices.
func NormalizeMetadata(metadata map[string]any) (map[string]any, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Connection is a one-directional "knows" edge that makes a user chat-eligible.
type Connection struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ConnectedUserID string    `json:"connected_user_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// TypingIndicator is ephemeral and never persisted.
type TypingIndicator struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
	UserName       string `json:"user_name"`
}

// Profile is the public profile of a member as returned by the backend.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ChatUser is a roster entry. Online is nil: no presence protocol exists.
type ChatUser struct {
	Profile
	Online *bool `json:"is_online,omitempty"`
}

// Envelope types on the realtime channel.
const (
	EnvelopeMessage = "message"
	EnvelopeTyping  = "typing"
)

// Envelope is the frame sent over the realtime channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
