package chat

import (
	"sort"
	"time"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
)

// HandleTyping signals typing now and stops it after TypingIdle without
// another call. Each call restarts the idle timer.
func (s *Session) HandleTyping(conversationID string) {
	if conversationID == "" {
		return
	}
	name := s.displayName()

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	prev := s.typingConv
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingGen++
	gen := s.typingGen
	s.typingConv = conversationID
	s.typingTimer = time.AfterFunc(s.opts.TypingIdle, func() {
		s.mu.Lock()
		if !s.alive || s.typingGen != gen {
			s.mu.Unlock()
			return
		}
		s.typingTimer = nil
		s.typingConv = ""
		s.mu.Unlock()
		s.rt.SendTyping(conversationID, false, name)
	})
	s.mu.Unlock()

	if prev != "" && prev != conversationID {
		s.rt.SendTyping(prev, false, name)
	}
	s.rt.SendTyping(conversationID, true, name)
}

func (s *Session) handleRemoteTyping(ti models.TypingIndicator) {
	if ti.UserID == s.me.UserID || ti.UserID == "" {
		return
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	if old, ok := s.typing[ti.UserID]; ok {
		old.timer.Stop()
		delete(s.typing, ti.UserID)
	}
	if ti.IsTyping {
		entry := &remoteTyping{indicator: ti}
		entry.timer = time.AfterFunc(s.opts.TypingIdle, func() { s.expireTyping(ti.UserID, entry) })
		s.typing[ti.UserID] = entry
	}
	s.mu.Unlock()
	s.changed()
}

// expireTyping drops entry if it is still the live one for userID.
func (s *Session) expireTyping(userID string, entry *remoteTyping) {
	s.mu.Lock()
	if !s.alive || s.typing[userID] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.typing, userID)
	s.mu.Unlock()
	s.changed()
}

// TypingUsers lists who is typing in conversationID, ordered by user id.
func (s *Session) TypingUsers(conversationID string) []models.TypingIndicator {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TypingIndicator
	for _, e := range s.typing {
		if e.indicator.ConversationID == conversationID {
			out = append(out, e.indicator)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
