package transport

import (
	"encoding/json"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

// Observers live in maps keyed by a registration id so adding and removing
// are O(1). Dispatch works on a snapshot, so an observer may register or
// unregister others (or itself) while being called.

func (c *Client) OnMessage(fn func(models.DMMessage)) (unsubscribe func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.onMessage[id] = fn
	return func() {
		c.obsMu.Lock()
		delete(c.onMessage, id)
		c.obsMu.Unlock()
	}
}

func (c *Client) OnTyping(fn func(models.TypingIndicator)) (unsubscribe func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.onTyping[id] = fn
	return func() {
		c.obsMu.Lock()
		delete(c.onTyping, id)
		c.obsMu.Unlock()
	}
}

// OnConnection observes state changes.
func (c *Client) OnConnection(fn func(State)) (unsubscribe func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObsID++
	id := c.nextObsID
	c.onState[id] = fn
	return func() {
		c.obsMu.Lock()
		delete(c.onState, id)
		c.obsMu.Unlock()
	}
}

func snapshot[T any](c *Client, m map[uint64]T) []T {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	out := make([]T, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

// call runs one observer; a panic is logged and contained.
func (c *Client) call(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("observer", kind).Msg("observer panicked")
		}
	}()
	fn()
}

func (c *Client) notifyState(s State) {
	for _, fn := range snapshot(c, c.onState) {
		c.call("connection", func() { fn(s) })
	}
}

func (c *Client) dispatch(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch env.Type {
	case models.EnvelopeMessage:
		var msg models.DMMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" || msg.ConversationID == "" {
			c.log.Warn().Err(err).Msg("dropping malformed message payload")
			return
		}
		for _, fn := range snapshot(c, c.onMessage) {
			c.call("message", func() { fn(msg) })
		}
	case models.EnvelopeTyping:
		var ti models.TypingIndicator
		if err := json.Unmarshal(env.Payload, &ti); err != nil || ti.ConversationID == "" {
			c.log.Warn().Err(err).Msg("dropping malformed typing payload")
			return
		}
		for _, fn := range snapshot(c, c.onTyping) {
			c.call("typing", func() { fn(ti) })
		}
	default:
		c.log.Debug().Str("type", env.Type).Msg("unknown frame type")
	}
}
