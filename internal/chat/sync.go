package chat

import (
	"context"
	"slices"
	"time"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

// Sync resolves every conversation minted locally while the backend was
// unreachable against the backend, then delivers pending messages. It runs
// after each reconnect and stops at the first backend failure.
func (s *Session) Sync(ctx context.Context) {
	if !s.isAlive() {
		return
	}
	for _, c := range s.local.Conversations(ctx, s.me.UserID) {
		if !c.Local {
			continue
		}
		conv, err := s.backend.GetOrCreateConversation(ctx, s.me.UserID, c.Other(s.me.UserID))
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", c.ID).Msg("sync deferred, backend unreachable")
			return
		}
		s.adopt(ctx, *conv)
	}
	s.flushPending(ctx)
}

// adopt records the backend's conversation for its pair. Any other record for
// the pair is retired and its messages and pending sends move to conv.
func (s *Session) adopt(ctx context.Context, conv models.DMConversation) {
	other := conv.Other(s.me.UserID)
	if other == "" {
		return
	}
	conv.Local = false

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	var stale []string
	err := s.local.UpdateConversations(ctx, s.me.UserID, func(convs []models.DMConversation) []models.DMConversation {
		out := make([]models.DMConversation, 0, len(convs)+1)
		for _, c := range convs {
			if !c.HasPair(s.me.UserID, other) {
				out = append(out, c)
				continue
			}
			if c.ID != conv.ID {
				stale = append(stale, c.ID)
			}
			conv.LastRead = mergeReads(conv.LastRead, c.LastRead)
		}
		return append(out, conv)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("recording conversation locally failed")
		return
	}

	for _, old := range stale {
		moved := s.store.Move(ctx, old, conv.ID)
		err := s.local.UpdatePending(ctx, s.me.UserID, func(p []models.DMMessage) []models.DMMessage {
			for i := range p {
				if p[i].ConversationID == old {
					p[i].ConversationID = conv.ID
				}
			}
			return p
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("re-filing pending messages failed")
		}
		s.logger.Info().Str("local_id", old).Str("conversation_id", conv.ID).Int("messages", moved).Msg("local conversation reconciled")
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	convs := slices.DeleteFunc(slices.Clone(s.conversations), func(c models.DMConversation) bool {
		return slices.Contains(stale, c.ID)
	})
	s.conversations = upsertConversation(convs, conv)
	if slices.Contains(stale, s.current) {
		s.current = conv.ID
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		s.refresh(ctx, conv.ID)
		s.changed()
	}
}

func mergeReads(a, b map[string]time.Time) map[string]time.Time {
	if len(b) == 0 {
		return a
	}
	out := make(map[string]time.Time, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v.After(out[k]) {
			out[k] = v
		}
	}
	return out
}

// queuePending keeps msg for delivery once the backend accepts it.
func (s *Session) queuePending(ctx context.Context, msg models.DMMessage) {
	err := s.local.UpdatePending(ctx, s.me.UserID, func(p []models.DMMessage) []models.DMMessage {
		for _, m := range p {
			if m.ID == msg.ID {
				return p
			}
		}
		return append(p, msg)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("queueing message for backend failed")
	}
}

// flushPending inserts pending messages whose conversation the backend
// knows. Delivered messages leave the queue; the rest wait for the next run.
func (s *Session) flushPending(ctx context.Context) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	pending := s.local.Pending(ctx, s.me.UserID)
	if len(pending) == 0 {
		return
	}
	unresolved := make(map[string]struct{})
	for _, c := range s.local.Conversations(ctx, s.me.UserID) {
		if c.Local {
			unresolved[c.ID] = struct{}{}
		}
	}

	delivered := make(map[string]struct{}, len(pending))
	for _, m := range pending {
		if _, ok := unresolved[m.ConversationID]; ok {
			continue
		}
		if _, err := s.backend.InsertMessage(ctx, m); err != nil {
			s.logger.Warn().Err(err).Str("message_id", m.ID).Msg("pending message not delivered")
			continue
		}
		delivered[m.ID] = struct{}{}
	}
	if len(delivered) == 0 {
		return
	}

	err := s.local.UpdatePending(ctx, s.me.UserID, func(p []models.DMMessage) []models.DMMessage {
		return slices.DeleteFunc(p, func(m models.DMMessage) bool {
			_, ok := delivered[m.ID]
			return ok
		})
	})
	if err != nil {
		s.logger.Warn().Err(err).Int("count", len(delivered)).Msg("clearing delivered messages failed")
		return
	}
	s.logger.Info().Int("count", len(delivered)).Msg("pending messages delivered")
}
