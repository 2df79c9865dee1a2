// Package messagestore keeps the ordered, append-only message log of every
// conversation this client knows about, backed by the durable local store.
package messagestore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/idgen"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

// Durable is the persistence the store writes through to. localstore.Store
// satisfies it.
type Durable interface {
	Messages(ctx context.Context, conversationID string) ([]models.DMMessage, error)
	UpdateMessages(ctx context.Context, conversationID string, fn func([]models.DMMessage) []models.DMMessage) error
	DeleteMessages(ctx context.Context, conversationID string) error
}

type thread struct {
	msgs     []models.DMMessage
	ids      map[string]struct{}
	hydrated bool
}

// Store is safe for concurrent use. Durable failures are logged and never
// returned; the store then behaves as memory only.
type Store struct {
	mu      sync.Mutex
	threads map[string]*thread
	durable Durable
	log     zerolog.Logger
}

func New(durable Durable, log zerolog.Logger) *Store {
	return &Store{
		threads: make(map[string]*thread),
		durable: durable,
		log:     log,
	}
}

// Less is the message order: creation time, then identifier generation order.
func Less(a, b models.DMMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return idgen.Compare(a.ID, b.ID) < 0
}

func compare(a, b models.DMMessage) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}

func (s *Store) thread(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = &thread{ids: make(map[string]struct{})}
		s.threads[conversationID] = t
	}
	return t
}

// insert places msg in order. Caller holds s.mu and has checked for duplicates.
func (t *thread) insert(msg models.DMMessage) {
	i := sort.Search(len(t.msgs), func(i int) bool { return Less(msg, t.msgs[i]) })
	t.msgs = slices.Insert(t.msgs, i, msg)
	t.ids[msg.ID] = struct{}{}
}

// hydrate loads durable history when the in-memory thread is empty or has
// never been loaded.
func (s *Store) hydrate(ctx context.Context, conversationID string) {
	s.mu.Lock()
	t := s.thread(conversationID)
	need := !t.hydrated || len(t.msgs) == 0
	s.mu.Unlock()
	if !need {
		return
	}

	stored, err := s.durable.Messages(ctx, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("hydrate failed, using memory only")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t.hydrated = true
	for _, m := range stored {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if _, dup := t.ids[m.ID]; dup || m.ID == "" {
			continue
		}
		t.insert(m)
	}
}

// Append adds msg to its conversation. It returns false, without touching
// durable storage, when a message with the same ID is already present.
// Metadata is stored in its decoded JSON form so a reload reads back the
// same values.
func (s *Store) Append(ctx context.Context, msg models.DMMessage) bool {
	if msg.ID == "" || msg.ConversationID == "" {
		s.log.Warn().Str("message_id", msg.ID).Msg("refusing message without id or conversation")
		return false
	}
	if msg.Metadata != nil {
		meta, err := models.NormalizeMetadata(msg.Metadata)
		if err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("refusing message with unencodable metadata")
			return false
		}
		msg.Metadata = meta
	}
	s.hydrate(ctx, msg.ConversationID)

	s.mu.Lock()
	t := s.thread(msg.ConversationID)
	if _, dup := t.ids[msg.ID]; dup {
		s.mu.Unlock()
		s.log.Debug().Str("conversation_id", msg.ConversationID).Str("message_id", msg.ID).Msg("duplicate message ignored")
		return false
	}
	t.insert(msg)
	s.mu.Unlock()

	err := s.durable.UpdateMessages(ctx, msg.ConversationID, func(cur []models.DMMessage) []models.DMMessage {
		for _, m := range cur {
			if m.ID == msg.ID {
				return cur
			}
		}
		return append(cur, msg)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("durable write failed, message kept in memory")
	}
	return true
}

// Persist is Append for callers that only need to know the write was taken.
// It lets the store act as the transport's offline sink.
func (s *Store) Persist(ctx context.Context, msg models.DMMessage) error {
	s.Append(ctx, msg)
	return nil
}

// ReadAll returns a fresh, ordered copy of the conversation's history.
func (s *Store) ReadAll(ctx context.Context, conversationID string) []models.DMMessage {
	s.hydrate(ctx, conversationID)

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.thread(conversationID)
	out := make([]models.DMMessage, len(t.msgs))
	copy(out, t.msgs)
	// insert keeps order, but stored history may come from an older writer
	slices.SortStableFunc(out, compare)
	return out
}

// Has reports whether the conversation holds a message with id.
func (s *Store) Has(conversationID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return false
	}
	_, ok = t.ids[id]
	return ok
}

// Count returns the number of messages in a conversation.
func (s *Store) Count(ctx context.Context, conversationID string) int {
	return len(s.ReadAll(ctx, conversationID))
}

// Conversations lists the conversation IDs currently held in memory.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.threads))
	for id, t := range s.threads {
		if len(t.msgs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clear drops a conversation from memory and durable storage.
func (s *Store) Clear(ctx context.Context, conversationID string) {
	s.mu.Lock()
	delete(s.threads, conversationID)
	s.mu.Unlock()

	if err := s.durable.DeleteMessages(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("durable clear failed")
	}
	s.log.Info().Str("conversation_id", conversationID).Msg("cleared messages")
}

// Move re-files every message of from under to and clears from. It returns
// the number of messages that were new to to.
func (s *Store) Move(ctx context.Context, from, to string) int {
	if from == to {
		return 0
	}
	msgs := s.ReadAll(ctx, from)
	if len(msgs) == 0 {
		return 0
	}

	moved := 0
	for _, m := range msgs {
		m.ConversationID = to
		if s.Append(ctx, m) {
			moved++
		}
	}
	s.Clear(ctx, from)
	return moved
}
