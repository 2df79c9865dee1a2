package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/idgen"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
)

type DMStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.DMConversation // dmID -> conversation
	userIndex     map[string][]string               // userID -> []dmID
	messages      map[string][]models.DMMessage     // dmID -> messages
	messageIDs    map[string]struct{}
	profiles      map[string]models.Profile
}

func NewDMStore() *DMStore {
	return &DMStore{
		conversations: make(map[string]*models.DMConversation),
		userIndex:     make(map[string][]string),
		messages:      make(map[string][]models.DMMessage),
		messageIDs:    make(map[string]struct{}),
		profiles:      make(map[string]models.Profile),
	}
}

func cloneConversation(c *models.DMConversation) models.DMConversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if c.LastRead != nil {
		out.LastRead = make(map[string]time.Time, len(c.LastRead))
		for k, v := range c.LastRead {
			out.LastRead[k] = v
		}
	}
	return out
}

func (s *DMStore) GetOrCreateConversation(_ context.Context, user1, user2 string) (*models.DMConversation, error) {
	if user1 == "" || user2 == "" || user1 == user2 {
		return nil, errors.Errorf("memory.GetOrCreateConversation: invalid pair %q, %q", user1, user2)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Check if conversation exists
	for _, dmID := range s.userIndex[user1] {
		conv := s.conversations[dmID]
		if conv.HasPair(user1, user2) {
			out := cloneConversation(conv)
			return &out, nil
		}
	}
	// Create new conversation
	pair := models.PairKey(user1, user2)
	now := time.Now().UTC()
	conv := &models.DMConversation{
		ID:           uuid.NewString(),
		Participants: []string{pair[0], pair[1]},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[conv.ID] = conv
	s.userIndex[user1] = append(s.userIndex[user1], conv.ID)
	s.userIndex[user2] = append(s.userIndex[user2], conv.ID)
	out := cloneConversation(conv)
	return &out, nil
}

// Conversation returns the conversation with id, or storage.ErrNotFound.
func (s *DMStore) Conversation(_ context.Context, dmID string) (*models.DMConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[dmID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "memory.Conversation: %s", dmID)
	}
	out := cloneConversation(conv)
	return &out, nil
}

// ListConversations returns the user's conversations, most recently updated
// first.
func (s *DMStore) ListConversations(_ context.Context, userID string) ([]models.DMConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.DMConversation, 0, len(s.userIndex[userID]))
	for _, dmID := range s.userIndex[userID] {
		result = append(result, cloneConversation(s.conversations[dmID]))
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

// InsertMessage stores msg. Inserting an ID twice returns the stored copy.
func (s *DMStore) InsertMessage(_ context.Context, msg models.DMMessage) (*models.DMMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "memory.InsertMessage: conversation %s", msg.ConversationID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := s.messageIDs[msg.ID]; dup {
		for _, m := range s.messages[msg.ConversationID] {
			if m.ID == msg.ID {
				return &m, nil
			}
		}
	}
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Sender == (models.SenderInfo{}) {
		if p, ok := s.profiles[msg.SenderID]; ok {
			msg.Sender = models.SenderInfo{DisplayName: p.DisplayName, Username: p.Username, AvatarURL: p.AvatarURL}
		}
	}

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.messageIDs[msg.ID] = struct{}{}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return &msg, nil
}

// ListMessages returns the conversation's messages, oldest first, ties in
// identifier order.
func (s *DMStore) ListMessages(_ context.Context, dmID string) ([]models.DMMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.messages[dmID])
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return idgen.Compare(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func (s *DMStore) MarkRead(_ context.Context, dmID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[dmID]
	if !ok || !slices.Contains(conv.Participants, userID) {
		return errors.Wrapf(storage.ErrNotFound, "memory.MarkRead: %s in %s", userID, dmID)
	}
	if conv.LastRead == nil {
		conv.LastRead = make(map[string]time.Time)
	}
	conv.LastRead[userID] = at.UTC()
	return nil
}

// Profiles returns the known profiles among userIDs.
func (s *DMStore) Profiles(_ context.Context, userIDs []string) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Profile
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *DMStore) UpsertProfile(_ context.Context, p models.Profile) error {
	if p.UserID == "" {
		return errors.New("memory.UpsertProfile: empty user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
	return nil
}
