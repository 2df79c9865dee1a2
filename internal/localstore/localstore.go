// Package localstore is the typed persistence shim over a storage.KV.
//
// It owns the key layout:
//
//	connections_<userId>             []models.Connection
//	conversations_<userId>           []models.DMConversation
//	shared_messages_<conversationId> []models.DMMessage
//	pending_<userId>                 []models.DMMessage (not yet accepted by the backend)
//
// Missing keys, empty values and undecodable JSON all read as empty
// collections. Updates are read-modify-write under a per-key lock and always
// re-read the stored value right before writing.
package localstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
)

func ConnectionsKey(userID string) string { return "connections_" + userID }
func ConversationsKey(userID string) string { return "conversations_" + userID }
func MessagesKey(conversationID string) string { return "shared_messages_" + conversationID }
func PendingKey(userID string) string { return "pending_" + userID }

type Store struct {
	kv  storage.KV
	log zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(kv storage.KV, log zerolog.Logger) *Store {
	return &Store{
		kv:    kv,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// load decodes the array at key. A KV failure is returned; bad JSON is not.
func load[T any](ctx context.Context, s *Store, key string) ([]T, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "localstore.load")
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}

	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("discarding undecodable stored value")
		return nil, nil
	}
	return out, nil
}

func update[T any](ctx context.Context, s *Store, key string, fn func([]T) []T) error {
	unlock := s.lock(key)
	defer unlock()

	cur, err := load[T](ctx, s, key)
	if err != nil {
		return err
	}

	next := fn(cur)
	if next == nil {
		next = []T{}
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "localstore.update.Marshal")
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return errors.Wrap(err, "localstore.update.Set")
	}
	return nil
}

// read is load with KV failures logged and reported as empty.
func read[T any](ctx context.Context, s *Store, key string) []T {
	out, err := load[T](ctx, s, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("durable read failed, treating as empty")
		return nil
	}
	return out
}

func (s *Store) Connections(ctx context.Context, userID string) []models.Connection {
	return read[models.Connection](ctx, s, ConnectionsKey(userID))
}

func (s *Store) UpdateConnections(ctx context.Context, userID string, fn func([]models.Connection) []models.Connection) error {
	return update(ctx, s, ConnectionsKey(userID), fn)
}

func (s *Store) Conversations(ctx context.Context, userID string) []models.DMConversation {
	return read[models.DMConversation](ctx, s, ConversationsKey(userID))
}

func (s *Store) UpdateConversations(ctx context.Context, userID string, fn func([]models.DMConversation) []models.DMConversation) error {
	return update(ctx, s, ConversationsKey(userID), fn)
}

// Pending returns our messages the backend has not acknowledged yet.
func (s *Store) Pending(ctx context.Context, userID string) []models.DMMessage {
	return read[models.DMMessage](ctx, s, PendingKey(userID))
}

func (s *Store) UpdatePending(ctx context.Context, userID string, fn func([]models.DMMessage) []models.DMMessage) error {
	return update(ctx, s, PendingKey(userID), fn)
}

// Messages returns the stored messages of a conversation. Unlike the other
// readers it reports KV failures so the message store can degrade.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.DMMessage, error) {
	return load[models.DMMessage](ctx, s, MessagesKey(conversationID))
}

func (s *Store) UpdateMessages(ctx context.Context, conversationID string, fn func([]models.DMMessage) []models.DMMessage) error {
	return update(ctx, s, MessagesKey(conversationID), fn)
}

func (s *Store) DeleteMessages(ctx context.Context, conversationID string) error {
	key := MessagesKey(conversationID)
	unlock := s.lock(key)
	defer unlock()

	return errors.Wrap(s.kv.Delete(ctx, key), "localstore.DeleteMessages")
}
