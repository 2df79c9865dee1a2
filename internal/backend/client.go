// Package backend is the HTTP client for the hosted DM API. It is the
// query/response collaborator a chat session falls back from.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
)

type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the API rooted at baseURL. token is sent as a
// bearer credential when non-empty.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/") + "/api/v1",
		token: token,
		http:  httpClient,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "backend: encode request")
		}
		rd = bytes.NewReader(buf)
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return errors.Wrapf(err, "backend: %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "backend: %s %s", method, path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(storage.ErrNotFound, "backend: %s %s", method, path)
	case resp.StatusCode >= 300:
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return errors.Errorf("backend: %s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "backend: decode %s", path)
	}
	return nil
}

func (c *Client) Profiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	var out []models.Profile
	err := c.do(ctx, http.MethodGet, "/profiles", url.Values{"ids": {strings.Join(userIDs, ",")}}, nil, &out)
	return out, err
}

func (c *Client) UpsertProfile(ctx context.Context, p models.Profile) error {
	return c.do(ctx, http.MethodPut, "/profiles", nil, p, nil)
}

func (c *Client) GetOrCreateConversation(ctx context.Context, user1, user2 string) (*models.DMConversation, error) {
	var conv models.DMConversation
	body := map[string]string{"user1": user1, "user2": user2}
	if err := c.do(ctx, http.MethodPost, "/dms/start", nil, body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) InsertMessage(ctx context.Context, msg models.DMMessage) (*models.DMMessage, error) {
	body := map[string]any{
		"id":           msg.ID,
		"dm_id":        msg.ConversationID,
		"sender_id":    msg.SenderID,
		"content":      msg.Content,
		"message_type": msg.Kind,
		"metadata":     msg.Metadata,
		"created_at":   msg.CreatedAt,
		"profiles":     msg.Sender,
	}
	var out models.DMMessage
	if err := c.do(ctx, http.MethodPost, "/dms/send", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.DMMessage, error) {
	var out []models.DMMessage
	err := c.do(ctx, http.MethodGet, "/dms/messages", url.Values{"dm_id": {conversationID}}, nil, &out)
	return out, err
}

func (c *Client) ListConversations(ctx context.Context, userID string) ([]models.DMConversation, error) {
	var out []models.DMConversation
	err := c.do(ctx, http.MethodGet, "/dms/list", url.Values{"user_id": {userID}}, nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	body := map[string]any{"dm_id": conversationID, "user_id": userID, "last_read_at": at}
	return c.do(ctx, http.MethodPost, "/dms/read", nil, body, nil)
}
