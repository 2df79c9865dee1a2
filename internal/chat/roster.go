package chat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

// ConnectedUserIDs lists the users we have a connection to, in the order
// the connections were made.
func (s *Session) ConnectedUserIDs(ctx context.Context) []string {
	conns := s.local.Connections(ctx, s.me.UserID)
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		if !slices.Contains(ids, c.ConnectedUserID) {
			ids = append(ids, c.ConnectedUserID)
		}
	}
	return ids
}

func (s *Session) IsUserConnected(ctx context.Context, userID string) bool {
	return slices.Contains(s.ConnectedUserIDs(ctx), userID)
}

// ConnectUser records a connection to userID and reloads the roster.
func (s *Session) ConnectUser(ctx context.Context, userID string) bool {
	if userID == "" || userID == s.me.UserID {
		return false
	}
	err := s.local.UpdateConnections(ctx, s.me.UserID, func(conns []models.Connection) []models.Connection {
		for _, c := range conns {
			if c.ConnectedUserID == userID {
				return conns
			}
		}
		return append(conns, models.Connection{
			ID:              uuid.NewString(),
			UserID:          s.me.UserID,
			ConnectedUserID: userID,
			CreatedAt:       time.Now().UTC(),
		})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("peer_id", userID).Msg("connect user failed")
		return false
	}
	s.FetchConnectedUsers(ctx)
	return true
}

// DisconnectUser removes the connection to userID and reloads the roster.
func (s *Session) DisconnectUser(ctx context.Context, userID string) bool {
	err := s.local.UpdateConnections(ctx, s.me.UserID, func(conns []models.Connection) []models.Connection {
		return slices.DeleteFunc(conns, func(c models.Connection) bool {
			return c.ConnectedUserID == userID
		})
	})
	if err != nil {
		s.logger.Error().Err(err).Str("peer_id", userID).Msg("disconnect user failed")
		return false
	}
	s.FetchConnectedUsers(ctx)
	return true
}

// FetchConnectedUsers rebuilds the roster from our connections. Profiles the
// backend cannot supply get placeholder names.
func (s *Session) FetchConnectedUsers(ctx context.Context) {
	ids := s.ConnectedUserIDs(ctx)

	var users []models.ChatUser
	if len(ids) > 0 {
		profiles, err := s.backend.Profiles(ctx, ids)
		if err != nil {
			s.logger.Warn().Err(err).Int("count", len(ids)).Msg("profile lookup failed, using placeholders")
		}
		byID := make(map[string]models.Profile, len(profiles))
		for _, p := range profiles {
			byID[p.UserID] = p
		}

		users = make([]models.ChatUser, 0, len(ids))
		for i, id := range ids {
			p, ok := byID[id]
			if !ok {
				p = models.Profile{
					UserID:      id,
					DisplayName: fmt.Sprintf("User %d", i+1),
					Username:    fmt.Sprintf("user%d", i+1),
				}
			}
			if p.DisplayName == "" {
				p.DisplayName = p.Username
			}
			if p.DisplayName == "" {
				p.DisplayName = "Unknown User"
			}
			users = append(users, models.ChatUser{Profile: p})
		}
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.users = users
	s.mu.Unlock()
	s.changed()
}

func (s *Session) ConnectedUsers() []models.ChatUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.users)
}
