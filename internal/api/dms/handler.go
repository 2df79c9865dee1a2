package dms

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/middleware"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/ws"
)

// Store is what the API needs from a backend store. Both
// memory.DMStore and postgres.DMStore satisfy it.
type Store interface {
	Profiles(ctx context.Context, userIDs []string) ([]models.Profile, error)
	UpsertProfile(ctx context.Context, p models.Profile) error
	GetOrCreateConversation(ctx context.Context, user1, user2 string) (*models.DMConversation, error)
	Conversation(ctx context.Context, conversationID string) (*models.DMConversation, error)
	InsertMessage(ctx context.Context, msg models.DMMessage) (*models.DMMessage, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.DMMessage, error)
	ListConversations(ctx context.Context, userID string) ([]models.DMConversation, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
}

type DMHandler struct {
	Store Store
	Hub   *ws.Hub
	Log   zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *DMHandler) storeError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.Log.Error().Err(err).Str("op", op).Msg("store failure")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// actingAs reports whether the caller may act for userID. Without auth
// every caller may.
func actingAs(r *http.Request, userID string) bool {
	caller, ok := middleware.UserID(r.Context())
	return !ok || caller == userID
}

// member checks that userID takes part in dmID, writing the error response
// when it does not.
func (h *DMHandler) member(w http.ResponseWriter, r *http.Request, dmID, userID string) bool {
	conv, err := h.Store.Conversation(r.Context(), dmID)
	if err != nil {
		h.storeError(w, err, "conversation")
		return false
	}
	if !slices.Contains(conv.Participants, userID) {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

func (h *DMHandler) StartOrGetConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User1 string `json:"user1"`
		User2 string `json:"user2"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.User1 == "" || req.User2 == "" || req.User1 == req.User2 {
		writeError(w, http.StatusBadRequest, "user1 and user2 must be two different users")
		return
	}
	if !actingAs(r, req.User1) && !actingAs(r, req.User2) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	conv, err := h.Store.GetOrCreateConversation(r.Context(), req.User1, req.User2)
	if err != nil {
		h.storeError(w, err, "start")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *DMHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !actingAs(r, userID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	convs, err := h.Store.ListConversations(r.Context(), userID)
	if err != nil {
		h.storeError(w, err, "list")
		return
	}
	if convs == nil {
		convs = []models.DMConversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *DMHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	dmID := r.URL.Query().Get("dm_id")
	if dmID == "" {
		writeError(w, http.StatusBadRequest, "dm_id is required")
		return
	}
	if caller, ok := middleware.UserID(r.Context()); ok && !h.member(w, r, dmID, caller) {
		return
	}
	msgs, err := h.Store.ListMessages(r.Context(), dmID)
	if err != nil {
		h.storeError(w, err, "messages")
		return
	}
	if msgs == nil {
		msgs = []models.DMMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage stores a message and relays it to connected clients.
func (h *DMHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string             `json:"id"`
		DMID      string             `json:"dm_id"`
		SenderID  string             `json:"sender_id"`
		Content   string             `json:"content"`
		Kind      models.MessageKind `json:"message_type"`
		Metadata  map[string]any     `json:"metadata"`
		CreatedAt time.Time          `json:"created_at"`
		Sender    models.SenderInfo  `json:"profiles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.DMID == "" || req.SenderID == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "dm_id, sender_id and content are required")
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown message_type")
		return
	}
	if !actingAs(r, req.SenderID) {
		writeError(w, http.StatusForbidden, "cannot send as another user")
		return
	}
	if !h.member(w, r, req.DMID, req.SenderID) {
		return
	}

	msg, err := h.Store.InsertMessage(r.Context(), models.DMMessage{
		ID:             req.ID,
		ConversationID: req.DMID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Kind:           req.Kind,
		Metadata:       req.Metadata,
		CreatedAt:      req.CreatedAt,
		Sender:         req.Sender,
	})
	if err != nil {
		h.storeError(w, err, "send")
		return
	}

	if h.Hub != nil {
		payload, _ := json.Marshal(msg)
		data, _ := json.Marshal(models.Envelope{Type: models.EnvelopeMessage, Payload: payload})
		h.Hub.Publish(r.Context(), msg.ConversationID, data)
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *DMHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DMID   string    `json:"dm_id"`
		UserID string    `json:"user_id"`
		At     time.Time `json:"last_read_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.DMID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "dm_id and user_id are required")
		return
	}
	if !actingAs(r, req.UserID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if req.At.IsZero() {
		req.At = time.Now().UTC()
	}

	if err := h.Store.MarkRead(r.Context(), req.DMID, req.UserID, req.At); err != nil {
		h.storeError(w, err, "read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DMHandler) GetProfiles(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusOK, []models.Profile{})
		return
	}

	profiles, err := h.Store.Profiles(r.Context(), ids)
	if err != nil {
		h.storeError(w, err, "profiles")
		return
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *DMHandler) PutProfile(w http.ResponseWriter, r *http.Request) {
	var p models.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !actingAs(r, p.UserID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.Store.UpsertProfile(r.Context(), p); err != nil {
		h.storeError(w, err, "profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// The relay carries no authentication, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true },
}

func (h *DMHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.Hub.Serve(r.Context(), conn, r.URL.Query().Get("user_id"), r.URL.Query().Get("dm_id"))
}
