package chat

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/idgen"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

// StartChat resolves or creates the conversation with otherUserID, selects it
// and loads its messages. When the backend cannot be reached the conversation
// is resolved against the local record for the pair. A backend answer
// replaces any local record for the pair.
func (s *Session) StartChat(ctx context.Context, otherUserID string) (string, error) {
	if otherUserID == "" || otherUserID == s.me.UserID {
		return "", errors.Wrapf(ErrUnresolvable, "invalid peer %q", otherUserID)
	}

	conv, err := s.backend.GetOrCreateConversation(ctx, s.me.UserID, otherUserID)
	if err != nil {
		s.logger.Warn().Err(err).Str("peer_id", otherUserID).Msg("backend conversation lookup failed, using local record")
		conv, err = s.localConversation(ctx, otherUserID)
		if err != nil {
			s.logger.Error().Err(err).Str("peer_id", otherUserID).Msg("conversation unresolvable")
			return "", errors.Wrap(ErrUnresolvable, err.Error())
		}
	} else {
		s.adopt(ctx, *conv)
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return conv.ID, nil
	}
	s.current = conv.ID
	s.messages = nil
	s.conversations = upsertConversation(s.conversations, *conv)
	s.mu.Unlock()

	s.FetchMessages(ctx, conv.ID)
	return conv.ID, nil
}

// localConversation returns the locally recorded conversation for the pair,
// creating one if none exists yet.
func (s *Session) localConversation(ctx context.Context, otherUserID string) (*models.DMConversation, error) {
	var found models.DMConversation
	err := s.local.UpdateConversations(ctx, s.me.UserID, func(convs []models.DMConversation) []models.DMConversation {
		for _, c := range convs {
			if c.HasPair(s.me.UserID, otherUserID) {
				found = c
				return convs
			}
		}
		now := time.Now().UTC()
		pair := models.PairKey(s.me.UserID, otherUserID)
		found = models.DMConversation{
			ID:           uuid.NewString(),
			Participants: []string{pair[0], pair[1]},
			CreatedAt:    now,
			UpdatedAt:    now,
			Local:        true,
		}
		return append(convs, found)
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func upsertConversation(convs []models.DMConversation, conv models.DMConversation) []models.DMConversation {
	out := slices.Clone(convs)
	for i := range out {
		if out[i].ID == conv.ID {
			out[i] = conv
			return out
		}
	}
	return append(out, conv)
}

func (s *Session) displayName() string {
	switch {
	case s.me.DisplayName != "":
		return s.me.DisplayName
	case s.me.Username != "":
		return s.me.Username
	}
	return "User"
}

func (s *Session) compose(conversationID, content string, kind models.MessageKind, metadata map[string]any) (models.DMMessage, error) {
	if strings.TrimSpace(content) == "" {
		return models.DMMessage{}, ErrEmptyContent
	}
	if conversationID == "" {
		return models.DMMessage{}, ErrNoConversation
	}
	if kind == "" {
		kind = models.KindText
	}
	if !kind.Valid() {
		return models.DMMessage{}, errors.Errorf("chat: unknown message kind %q", kind)
	}
	metadata, err := models.NormalizeMetadata(metadata)
	if err != nil {
		return models.DMMessage{}, errors.Wrap(err, "chat: metadata is not encodable")
	}

	now := time.Now().UTC()
	return models.DMMessage{
		ID:             idgen.New("temp", now),
		ConversationID: conversationID,
		SenderID:       s.me.UserID,
		Content:        content,
		Kind:           kind,
		Metadata:       metadata,
		CreatedAt:      now,
		Sender: models.SenderInfo{
			DisplayName: s.displayName(),
			Username:    s.me.Username,
			AvatarURL:   s.me.AvatarURL,
		},
	}, nil
}

// SendMessage appends an optimistic copy and hands it to the transport. It
// reports false only for rejected input. A failed backend insert is queued
// and retried by Sync and FetchMessages.
func (s *Session) SendMessage(ctx context.Context, conversationID, content string, kind models.MessageKind, metadata map[string]any) bool {
	if !s.isAlive() {
		return false
	}
	msg, err := s.compose(conversationID, content, kind, metadata)
	if err != nil {
		s.logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("send refused")
		return false
	}

	s.store.Append(ctx, msg)
	s.refresh(ctx, conversationID)

	if err := s.rt.Send(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("transport send failed")
		return false
	}

	if _, err := s.backend.InsertMessage(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("backend insert failed, queued for delivery")
		s.queuePending(ctx, msg)
	}
	return true
}

// FetchMessages merges the backend history into the local log and projects
// it if conversationID is current. Backend failures leave the local history.
func (s *Session) FetchMessages(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}

	remote, err := s.backend.ListMessages(ctx, conversationID)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("fetch messages failed, using local history")
	}
	for _, m := range remote {
		s.store.Append(ctx, m)
	}

	s.refresh(ctx, conversationID)
	if err == nil {
		s.flushPending(ctx)
	}
}

// Messages is the projection of the current conversation.
func (s *Session) Messages() []models.DMMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *Session) CurrentConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetCurrentConversation selects a conversation (or none, with "") and loads
// its messages.
func (s *Session) SetCurrentConversation(ctx context.Context, conversationID string) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.current = conversationID
	s.messages = nil
	s.mu.Unlock()

	s.changed()
	s.FetchMessages(ctx, conversationID)
}

// MarkAsRead stamps our last-read time. A backend failure falls back to the
// local conversation record; nothing is surfaced.
func (s *Session) MarkAsRead(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	now := time.Now().UTC()

	if err := s.backend.MarkRead(ctx, conversationID, s.me.UserID, now); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark as read failed")
		err = s.local.UpdateConversations(ctx, s.me.UserID, func(convs []models.DMConversation) []models.DMConversation {
			for i := range convs {
				if convs[i].ID == conversationID {
					stampRead(&convs[i], s.me.UserID, now)
				}
			}
			return convs
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("local mark as read failed")
		}
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	convs := slices.Clone(s.conversations)
	for i := range convs {
		if convs[i].ID == conversationID {
			stampRead(&convs[i], s.me.UserID, now)
		}
	}
	s.conversations = convs
	s.mu.Unlock()
	s.changed()
}

func stampRead(c *models.DMConversation, userID string, at time.Time) {
	lr := make(map[string]time.Time, len(c.LastRead)+1)
	for k, v := range c.LastRead {
		lr[k] = v
	}
	lr[userID] = at
	c.LastRead = lr
}

// FetchConversations loads our conversations, most recently updated first.
func (s *Session) FetchConversations(ctx context.Context) {
	convs, err := s.backend.ListConversations(ctx, s.me.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("fetch conversations failed, using local records")
		convs = s.local.Conversations(ctx, s.me.UserID)
	}
	slices.SortStableFunc(convs, func(a, b models.DMConversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.conversations = convs
	s.mu.Unlock()
	s.changed()
}

func (s *Session) Conversations() []models.DMConversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}
