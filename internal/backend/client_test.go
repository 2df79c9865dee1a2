package backend

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/api/dms"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/logger"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/middleware"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage/memory"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/ws"
)

func newServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(logger.Nop())
	go hub.Run(ctx)

	r := mux.NewRouter()
	dms.RegisterDMRoutes(r, &dms.DMHandler{Store: memory.NewDMStore(), Hub: hub, Log: logger.Nop()}, middleware.Auth(secret))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func TestClient_RoundTrip(t *testing.T) {
	srv := newServer(t, "")
	ctx := context.Background()
	c := New(srv.URL+"/", "", nil)

	require.NoError(t, c.UpsertProfile(ctx, models.Profile{UserID: "alice", DisplayName: "Alice"}))
	profiles, err := c.Profiles(ctx, []string{"alice", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []models.Profile{{UserID: "alice", DisplayName: "Alice"}}, profiles)

	conv, err := c.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	again, err := c.GetOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)

	sent, err := c.InsertMessage(ctx, models.DMMessage{
		ID:             "temp_1",
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        "hi bob",
		Kind:           models.KindText,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "temp_1", sent.ID)
	assert.Equal(t, "Alice", sent.Sender.DisplayName)

	msgs, err := c.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Content)

	convs, err := c.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, c.MarkRead(ctx, conv.ID, "bob", at))
	convs, err = c.ListConversations(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, convs[0].LastRead["bob"].Equal(at))
}

func TestClient_Errors(t *testing.T) {
	srv := newServer(t, "")
	ctx := context.Background()
	c := New(srv.URL, "", nil)

	_, err := c.InsertMessage(ctx, models.DMMessage{ConversationID: "missing", SenderID: "a", Content: "x"})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = c.GetOrCreateConversation(ctx, "a", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")

	_, err = New("http://127.0.0.1:1", "", nil).ListConversations(ctx, "a")
	assert.Error(t, err)
}

func TestClient_BearerToken(t *testing.T) {
	srv := newServer(t, "secret")
	ctx := context.Background()

	_, err := New(srv.URL, "", nil).ListConversations(ctx, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401: missing token")

	token, err := middleware.SignToken("secret", "alice", time.Minute)
	require.NoError(t, err)
	convs, err := New(srv.URL, token, nil).ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
}
