// Package chat is the session orchestrator the presentation layer talks to.
// It owns current conversation selection, the message projection, the
// connected user roster and typing aggregation.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/localstore"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/transport"
)

var (
	ErrEmptyContent   = errors.New("chat: empty message content")
	ErrNoConversation = errors.New("chat: no conversation")
	ErrUnresolvable   = errors.New("chat: conversation could not be resolved")
)

// Backend is the hosted query/response collaborator.
type Backend interface {
	Profiles(ctx context.Context, userIDs []string) ([]models.Profile, error)
	GetOrCreateConversation(ctx context.Context, user1, user2 string) (*models.DMConversation, error)
	InsertMessage(ctx context.Context, msg models.DMMessage) (*models.DMMessage, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.DMMessage, error)
	ListConversations(ctx context.Context, userID string) ([]models.DMConversation, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

// Transport is the realtime client as seen by a session.
type Transport interface {
	Connect()
	IsConnected() bool
	Send(ctx context.Context, msg models.DMMessage) error
	SendTyping(conversationID string, isTyping bool, displayName string)
	OnMessage(fn func(models.DMMessage)) func()
	OnTyping(fn func(models.TypingIndicator)) func()
	OnConnection(fn func(transport.State)) func()
}

// MessageLog is the per-conversation ordered log.
type MessageLog interface {
	Append(ctx context.Context, msg models.DMMessage) bool
	ReadAll(ctx context.Context, conversationID string) []models.DMMessage
	Move(ctx context.Context, from, to string) int
}

type Options struct {
	// TypingIdle is the quiet period after which typing is considered
	// stopped, both for our own debounce and for remote indicators.
	TypingIdle time.Duration
}

type Deps struct {
	Backend   Backend
	Transport Transport
	Messages  MessageLog
	Local     *localstore.Store
}

type remoteTyping struct {
	indicator models.TypingIndicator
	timer     *time.Timer
}

type Session struct {
	me      models.Profile
	backend Backend
	rt      Transport
	store   MessageLog
	local   *localstore.Store
	opts    Options
	logger  zerolog.Logger

	// syncMu serializes reconciliation and outbox delivery.
	syncMu sync.Mutex

	mu            sync.Mutex
	alive         bool
	current       string
	messages      []models.DMMessage
	conversations []models.DMConversation
	users         []models.ChatUser
	connected     bool
	typing        map[string]*remoteTyping

	typingTimer *time.Timer
	typingConv  string
	typingGen   uint64

	unsubs []func()

	listenMu  sync.Mutex
	nextID    uint64
	listeners map[uint64]func()
}

// New builds a session for me and subscribes to the transport. Call Start to
// connect and load the initial state, and Close on teardown.
func New(me models.Profile, deps Deps, opts Options, log zerolog.Logger) *Session {
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = 3 * time.Second
	}
	s := &Session{
		me:        me,
		backend:   deps.Backend,
		rt:        deps.Transport,
		store:     deps.Messages,
		local:     deps.Local,
		opts:      opts,
		logger:    log.With().Str("user_id", me.UserID).Logger(),
		alive:     true,
		connected: deps.Transport.IsConnected(),
		typing:    make(map[string]*remoteTyping),
		listeners: make(map[uint64]func()),
	}

	s.unsubs = append(s.unsubs,
		s.rt.OnMessage(s.handleInbound),
		s.rt.OnTyping(s.handleRemoteTyping),
		s.rt.OnConnection(s.handleConnection),
	)
	return s
}

// Start connects the transport and loads the roster and conversations.
func (s *Session) Start(ctx context.Context) {
	s.rt.Connect()
	s.Refetch(ctx)
}

// Refetch reloads the roster and the conversation list.
func (s *Session) Refetch(ctx context.Context) {
	s.FetchConnectedUsers(ctx)
	s.FetchConversations(ctx)
}

// Close unregisters every observer and stops every timer. Late callbacks
// after Close do not touch session state.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	for id, rt := range s.typing {
		rt.timer.Stop()
		delete(s.typing, id)
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	s.listenMu.Lock()
	s.listeners = make(map[uint64]func())
	s.listenMu.Unlock()
}

// OnChange registers fn to run after any change to observable state.
func (s *Session) OnChange(fn func()) (unsubscribe func()) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Session) changed() {
	s.listenMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Session) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) handleConnection(state transport.State) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.connected = state == transport.Connected
	s.mu.Unlock()

	s.logger.Debug().Str("state", state.String()).Msg("connection status")
	s.changed()
	if state == transport.Connected {
		go s.Sync(context.Background())
	}
}

func (s *Session) handleInbound(msg models.DMMessage) {
	if !s.isAlive() {
		return
	}
	ctx := context.Background()
	if !s.store.Append(ctx, msg) {
		return
	}
	s.refresh(ctx, msg.ConversationID)
}

// refresh re-projects the message list if conversationID is current.
func (s *Session) refresh(ctx context.Context, conversationID string) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current != conversationID {
		return
	}

	msgs := s.store.ReadAll(ctx, conversationID)

	s.mu.Lock()
	if !s.alive || s.current != conversationID {
		s.mu.Unlock()
		return
	}
	s.messages = msgs
	s.mu.Unlock()
	s.changed()
}
