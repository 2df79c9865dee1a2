package localstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/logger"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage/memory"
)

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, storage.ErrUnavailable
}
func (brokenKV) Set(context.Context, string, []byte) error { return storage.ErrUnavailable }
func (brokenKV) Delete(context.Context, string) error { return storage.ErrUnavailable }

func TestKeys(t *testing.T) {
	assert.Equal(t, "connections_u1", ConnectionsKey("u1"))
	assert.Equal(t, "conversations_u1", ConversationsKey("u1"))
	assert.Equal(t, "shared_messages_c1", MessagesKey("c1"))
	assert.Equal(t, "pending_u1", PendingKey("u1"))
}

func TestPending_RoundTrip(t *testing.T) {
	s := New(memory.NewKV(), logger.Nop())
	ctx := context.Background()

	require.NoError(t, s.UpdatePending(ctx, "u1", func(p []models.DMMessage) []models.DMMessage {
		return append(p, models.DMMessage{ID: "m1", ConversationID: "c1"}, models.DMMessage{ID: "m2", ConversationID: "c1"})
	}))
	require.Len(t, s.Pending(ctx, "u1"), 2)
	assert.Empty(t, s.Pending(ctx, "u2"))

	require.NoError(t, s.UpdatePending(ctx, "u1", func(p []models.DMMessage) []models.DMMessage { return p[1:] }))
	got := s.Pending(ctx, "u1")
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].ID)
}

func TestReaders_TolerateMissingEmptyAndCorrupt(t *testing.T) {
	kv := memory.NewKV()
	s := New(kv, logger.Nop())
	ctx := context.Background()

	assert.Empty(t, s.Connections(ctx, "u1"))

	require.NoError(t, kv.Set(ctx, ConnectionsKey("u1"), []byte{}))
	assert.Empty(t, s.Connections(ctx, "u1"))

	require.NoError(t, kv.Set(ctx, ConversationsKey("u1"), []byte("{not json")))
	assert.Empty(t, s.Conversations(ctx, "u1"))

	msgs, err := s.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReaders_KVFailure(t *testing.T) {
	s := New(brokenKV{}, logger.Nop())
	ctx := context.Background()

	assert.Empty(t, s.Connections(ctx, "u1"))

	_, err := s.Messages(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	err = s.UpdateConnections(ctx, "u1", func(c []models.Connection) []models.Connection { return c })
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestUpdateConnections_ConcurrentAppendsAreNotLost(t *testing.T) {
	s := New(memory.NewKV(), logger.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.UpdateConnections(ctx, "u1", func(c []models.Connection) []models.Connection {
				return append(c, models.Connection{
					ID:              "conn",
					UserID:          "u1",
					ConnectedUserID: string(rune('a' + i%26)),
					CreatedAt:       time.Now(),
				})
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Connections(ctx, "u1"), 50)
}

func TestMessages_RoundTripAndDelete(t *testing.T) {
	s := New(memory.NewKV(), logger.Nop())
	ctx := context.Background()

	msg := models.DMMessage{ID: "m1", ConversationID: "c1", Content: "hi", Kind: models.KindText}
	require.NoError(t, s.UpdateMessages(ctx, "c1", func(m []models.DMMessage) []models.DMMessage {
		return append(m, msg)
	}))

	got, err := s.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)

	require.NoError(t, s.DeleteMessages(ctx, "c1"))
	got, err = s.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
