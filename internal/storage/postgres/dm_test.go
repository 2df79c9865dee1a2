package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/logger"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
)

func openStore(t *testing.T) *DMStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres tests")
	}
	ctx := context.Background()
	s, err := NewDMStore(ctx, dsn, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDMStore_RoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// unique users keep repeated runs independent
	u1, u2 := "u1-"+uuid.NewString(), "u2-"+uuid.NewString()
	require.NoError(t, s.UpsertProfile(ctx, models.Profile{UserID: u1, DisplayName: "Ana", Username: "ana"}))

	a, err := s.GetOrCreateConversation(ctx, u2, u1)
	require.NoError(t, err)
	b, err := s.GetOrCreateConversation(ctx, u1, u2)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	got, err := s.Conversation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Participants, got.Participants)
	_, err = s.Conversation(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	base := time.Now().UTC().Truncate(time.Millisecond)
	_, err = s.InsertMessage(ctx, models.DMMessage{ID: uuid.NewString(), ConversationID: a.ID, SenderID: u2, Content: "second", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	first, err := s.InsertMessage(ctx, models.DMMessage{
		ID: uuid.NewString(), ConversationID: a.ID, SenderID: u1, Content: "first",
		Kind: models.KindChallengeShare, Metadata: map[string]any{"challenge_id": "c9"}, CreatedAt: base,
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana", first.Sender.DisplayName)

	again, err := s.InsertMessage(ctx, models.DMMessage{ID: first.ID, ConversationID: a.ID, SenderID: u1, Content: "changed"})
	require.NoError(t, err)
	assert.Equal(t, "first", again.Content)

	msgs, err := s.ListMessages(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "c9", msgs[0].Metadata["challenge_id"])
	assert.Equal(t, "second", msgs[1].Content)

	_, err = s.InsertMessage(ctx, models.DMMessage{ConversationID: uuid.NewString(), SenderID: u1, Content: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	at := base.Add(time.Minute)
	require.NoError(t, s.MarkRead(ctx, a.ID, u1, at))
	assert.ErrorIs(t, s.MarkRead(ctx, a.ID, "stranger", at), storage.ErrNotFound)

	convs, err := s.ListConversations(ctx, u1)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, at.Equal(convs[0].LastRead[u1]))

	profiles, err := s.Profiles(ctx, []string{u1, u2})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "ana", profiles[0].Username)
}
