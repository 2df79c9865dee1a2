// Package transport is the reconnecting realtime client for chat messages
// and typing indicators.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

// State of the realtime connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// GivenUp is entered after MaxAttempts consecutive failed dials. Only
	// Reconnect leaves it.
	GivenUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case GivenUp:
		return "given_up"
	}
	return "unknown"
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a realtime connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Sink takes messages that could not be sent live.
type Sink interface {
	Persist(ctx context.Context, msg models.DMMessage) error
}

type Options struct {
	URL         string
	UserID      string
	BaseDelay   time.Duration
	MaxAttempts int
}

type Client struct {
	opts   Options
	dialer Dialer
	sink   Sink
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	retry    *time.Timer
	closed   bool

	writeMu sync.Mutex

	obsMu     sync.RWMutex
	nextObsID uint64
	onMessage map[uint64]func(models.DMMessage)
	onTyping  map[uint64]func(models.TypingIndicator)
	onState   map[uint64]func(State)
}

func New(opts Options, dialer Dialer, sink Sink, log zerolog.Logger) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:      opts,
		dialer:    dialer,
		sink:      sink,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		state:     Disconnected,
		onMessage: make(map[uint64]func(models.DMMessage)),
		onTyping:  make(map[uint64]func(models.TypingIndicator)),
		onState:   make(map[uint64]func(State)),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// setState changes state with c.mu held and reports whether it changed.
func (c *Client) setState(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

// Connect starts dialing in the background. It does nothing while connected,
// connecting, given up or closed.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.setState(Connecting)
	c.mu.Unlock()

	c.notifyState(Connecting)
	go c.dial()
}

// Reconnect resets the attempt counter and dials again, leaving GivenUp.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.setState(Connecting)
	c.mu.Unlock()

	c.log.Info().Msg("manual reconnect")
	c.notifyState(Connecting)
	go c.dial()
}

func (c *Client) dial() {
	conn, err := c.dialer.Dial(c.ctx, c.opts.URL)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.attempts++
		attempt := c.attempts
		if attempt >= c.opts.MaxAttempts {
			c.setState(GivenUp)
			c.mu.Unlock()
			c.log.Error().Err(err).Int("attempt", attempt).Msg("max reconnection attempts reached")
			c.notifyState(GivenUp)
			return
		}
		c.setState(Disconnected)
		c.scheduleRetry()
		c.mu.Unlock()
		c.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.opts.MaxAttempts).Msg("connect failed")
		c.notifyState(Disconnected)
		return
	}

	c.attempts = 0
	c.conn = conn
	c.setState(Connected)
	c.mu.Unlock()

	c.log.Info().Str("url", c.opts.URL).Msg("realtime connected")
	c.notifyState(Connected)
	go c.readLoop(conn)
}

// scheduleRetry arms the backoff timer. Caller holds c.mu.
func (c *Client) scheduleRetry() {
	n := c.attempts
	if n < 1 {
		n = 1
	}
	delay := time.Duration(n) * c.opts.BaseDelay
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || c.state != Disconnected {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		c.setState(Connecting)
		c.mu.Unlock()

		c.notifyState(Connecting)
		c.dial()
	})
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dropped(conn Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setState(Disconnected)
	c.scheduleRetry()
	c.mu.Unlock()

	conn.Close()
	c.log.Warn().Err(err).Msg("realtime disconnected")
	c.notifyState(Disconnected)
}

func (c *Client) write(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) live() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.conn
}

func encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Type: kind, Payload: raw})
}

// Send transmits msg when connected and hands it to the sink otherwise. The
// two paths are indistinguishable to the caller; the only error is a message
// that cannot be encoded.
func (c *Client) Send(ctx context.Context, msg models.DMMessage) error {
	data, err := encode(models.EnvelopeMessage, msg)
	if err != nil {
		return errors.Wrap(err, "transport.Send.encode")
	}

	if conn := c.live(); conn != nil {
		err := c.write(conn, data)
		if err == nil {
			c.log.Debug().Str("message_id", msg.ID).Msg("message sent live")
			return nil
		}
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("live send failed, persisting locally")
	}

	if err := c.sink.Persist(ctx, msg); err != nil {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("offline persist failed")
	}
	return nil
}

// SendTyping is best effort and dropped unless connected.
func (c *Client) SendTyping(conversationID string, isTyping bool, displayName string) {
	conn := c.live()
	if conn == nil {
		return
	}
	data, err := encode(models.EnvelopeTyping, models.TypingIndicator{
		UserID:         c.opts.UserID,
		ConversationID: conversationID,
		IsTyping:       isTyping,
		UserName:       displayName,
	})
	if err != nil {
		return
	}
	if err := c.write(conn, data); err != nil {
		c.log.Debug().Err(err).Msg("typing indicator dropped")
	}
}

// Close stops reading and any pending retry. The client cannot be reused.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	changed := c.setState(Disconnected)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	if changed {
		c.notifyState(Disconnected)
	}
}
