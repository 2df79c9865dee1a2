package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL driver
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/idgen"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/models"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage"
)

// DMStore is the backend store on PostgreSQL.
type DMStore struct {
	db  *sql.DB
	log zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	username     TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS dm_conversations (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	participant1_id TEXT NOT NULL,
	participant2_id TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (participant1_id, participant2_id)
);
CREATE TABLE IF NOT EXISTS dm_reads (
	dm_conversation_id TEXT NOT NULL REFERENCES dm_conversations(id) ON DELETE CASCADE,
	user_id            TEXT NOT NULL,
	last_read_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (dm_conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS dm_messages (
	id                 TEXT PRIMARY KEY,
	dm_conversation_id TEXT NOT NULL REFERENCES dm_conversations(id) ON DELETE CASCADE,
	sender_id          TEXT NOT NULL,
	content            TEXT NOT NULL,
	message_type       TEXT NOT NULL DEFAULT 'text',
	metadata           JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS dm_messages_conversation_idx ON dm_messages (dm_conversation_id, created_at);
`

// NewDMStore opens and pings the database.
func NewDMStore(ctx context.Context, dataSourceName string, log zerolog.Logger) (*DMStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.NewDMStore.Open")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "postgres.NewDMStore.Ping")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info().Msg("connected to PostgreSQL for DMs")

	return &DMStore{db: db, log: log}, nil
}

// Migrate creates the tables if they do not exist.
func (s *DMStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "postgres.Migrate")
}

const conversationColumns = `id, participant1_id, participant2_id, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.DMConversation, error) {
	conv := &models.DMConversation{Participants: make([]string, 2)}
	err := row.Scan(&conv.ID, &conv.Participants[0], &conv.Participants[1], &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// GetOrCreateConversation finds the conversation for the pair or creates it.
func (s *DMStore) GetOrCreateConversation(ctx context.Context, user1, user2 string) (*models.DMConversation, error) {
	if user1 == "" || user2 == "" || user1 == user2 {
		return nil, errors.Errorf("postgres.GetOrCreateConversation: invalid pair %q, %q", user1, user2)
	}
	// participants are stored sorted to match the UNIQUE constraint
	pair := models.PairKey(user1, user2)
	p1, p2 := pair[0], pair[1]

	selectQuery := `SELECT ` + conversationColumns + ` FROM dm_conversations WHERE participant1_id = $1 AND participant2_id = $2`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, selectQuery, p1, p2))
	if err == nil {
		return s.withReads(ctx, conv)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "postgres.GetOrCreateConversation.Select")
	}

	insertQuery := `
		INSERT INTO dm_conversations (participant1_id, participant2_id)
		VALUES ($1, $2)
		ON CONFLICT (participant1_id, participant2_id) DO NOTHING
		RETURNING ` + conversationColumns
	conv, err = scanConversation(s.db.QueryRowContext(ctx, insertQuery, p1, p2))
	if errors.Is(err, sql.ErrNoRows) {
		// lost a race with a concurrent insert
		conv, err = scanConversation(s.db.QueryRowContext(ctx, selectQuery, p1, p2))
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgres.GetOrCreateConversation.Insert")
	}
	s.log.Info().Str("conversation_id", conv.ID).Str("participant1", p1).Str("participant2", p2).Msg("created DM conversation")
	return conv, nil
}

func (s *DMStore) withReads(ctx context.Context, conv *models.DMConversation) (*models.DMConversation, error) {
	convs := []models.DMConversation{*conv}
	if err := s.loadReads(ctx, convs); err != nil {
		return nil, err
	}
	return &convs[0], nil
}

func (s *DMStore) loadReads(ctx context.Context, convs []models.DMConversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, len(convs))
	index := make(map[string]int, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		index[c.ID] = i
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT dm_conversation_id, user_id, last_read_at FROM dm_reads WHERE dm_conversation_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return errors.Wrap(err, "postgres.loadReads")
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		var at time.Time
		if err := rows.Scan(&convID, &userID, &at); err != nil {
			return errors.Wrap(err, "postgres.loadReads.Scan")
		}
		i, ok := index[convID]
		if !ok {
			continue
		}
		if convs[i].LastRead == nil {
			convs[i].LastRead = make(map[string]time.Time)
		}
		convs[i].LastRead[userID] = at.UTC()
	}
	return errors.Wrap(rows.Err(), "postgres.loadReads.Rows")
}

// Conversation loads one conversation by id, or storage.ErrNotFound.
func (s *DMStore) Conversation(ctx context.Context, dmID string) (*models.DMConversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM dm_conversations WHERE id = $1`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, dmID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(storage.ErrNotFound, "postgres.Conversation: %s", dmID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgres.Conversation")
	}
	return s.withReads(ctx, conv)
}

// ListConversations lists all conversations a user is a part of.
func (s *DMStore) ListConversations(ctx context.Context, userID string) ([]models.DMConversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM dm_conversations
		WHERE participant1_id = $1 OR participant2_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.ListConversations")
	}
	defer rows.Close()

	var convs []models.DMConversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("skipping unreadable conversation row")
			continue
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres.ListConversations.Rows")
	}

	if err := s.loadReads(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

const messageColumns = `m.id, m.dm_conversation_id, m.sender_id, m.content, m.message_type, m.metadata, m.created_at,
	COALESCE(p.display_name, ''), COALESCE(p.username, ''), COALESCE(p.avatar_url, '')`

func scanMessage(row interface{ Scan(...any) error }) (*models.DMMessage, error) {
	msg := &models.DMMessage{}
	var meta []byte
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Kind, &meta, &msg.CreatedAt,
		&msg.Sender.DisplayName, &msg.Sender.Username, &msg.Sender.AvatarURL)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
			return nil, errors.Wrap(err, "metadata")
		}
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// ListMessages retrieves a conversation's messages, oldest first.
func (s *DMStore) ListMessages(ctx context.Context, dmID string) ([]models.DMMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM dm_messages m
		LEFT JOIN profiles p ON p.user_id = m.sender_id
		WHERE m.dm_conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, dmID)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.ListMessages")
	}
	defer rows.Close()

	var msgs []models.DMMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			s.log.Warn().Err(err).Str("conversation_id", dmID).Msg("skipping unreadable message row")
			continue
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres.ListMessages.Rows")
	}
	// ORDER BY id is byte order; same-instant ties follow generation order
	slices.SortStableFunc(msgs, func(a, b models.DMMessage) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return idgen.Compare(a.ID, b.ID)
	})
	return msgs, nil
}

// InsertMessage stores msg. Re-inserting an ID returns the stored row.
func (s *DMStore) InsertMessage(ctx context.Context, msg models.DMMessage) (*models.DMMessage, error) {
	// nil stores SQL NULL
	var meta any
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, errors.Wrap(err, "postgres.InsertMessage.Metadata")
		}
		meta = string(raw)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.InsertMessage.Begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dm_messages (id, dm_conversation_id, sender_id, content, message_type, metadata, created_at)
		SELECT $1, id, $3, $4, $5, $6, $7
		FROM dm_conversations WHERE id = $2
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, string(msg.Kind), meta, msg.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.InsertMessage")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		// Update the updated_at timestamp of the conversation
		if _, err := tx.ExecContext(ctx,
			`UPDATE dm_conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
			msg.ConversationID, msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "postgres.InsertMessage.Touch")
		}
	}

	query := `
		SELECT ` + messageColumns + `
		FROM dm_messages m
		LEFT JOIN profiles p ON p.user_id = m.sender_id
		WHERE m.dm_conversation_id = $1 AND m.id = $2
	`
	stored, err := scanMessage(tx.QueryRowContext(ctx, query, msg.ConversationID, msg.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(storage.ErrNotFound, "postgres.InsertMessage: conversation %s", msg.ConversationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgres.InsertMessage.Select")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "postgres.InsertMessage.Commit")
	}

	s.log.Debug().Str("message_id", stored.ID).Str("conversation_id", stored.ConversationID).Msg("stored DM message")
	return stored, nil
}

// MarkRead stamps userID's last-read time on a conversation they are part of.
func (s *DMStore) MarkRead(ctx context.Context, dmID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_reads (dm_conversation_id, user_id, last_read_at)
		SELECT id, $2, $3 FROM dm_conversations
		WHERE id = $1 AND (participant1_id = $2 OR participant2_id = $2)
		ON CONFLICT (dm_conversation_id, user_id) DO UPDATE SET last_read_at = EXCLUDED.last_read_at`,
		dmID, userID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "postgres.MarkRead")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(storage.ErrNotFound, "postgres.MarkRead: %s in %s", userID, dmID)
	}
	return nil
}

// Profiles returns the known profiles among userIDs.
func (s *DMStore) Profiles(ctx context.Context, userIDs []string) ([]models.Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, username, avatar_url FROM profiles WHERE user_id = ANY($1)`,
		pq.Array(userIDs))
	if err != nil {
		return nil, errors.Wrap(err, "postgres.Profiles")
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.Username, &p.AvatarURL); err != nil {
			return nil, errors.Wrap(err, "postgres.Profiles.Scan")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "postgres.Profiles.Rows")
}

func (s *DMStore) UpsertProfile(ctx context.Context, p models.Profile) error {
	if p.UserID == "" {
		return errors.New("postgres.UpsertProfile: empty user id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, username, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name, username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url`,
		p.UserID, p.DisplayName, p.Username, p.AvatarURL)
	return errors.Wrap(err, "postgres.UpsertProfile")
}

// Close closes the database connection.
func (s *DMStore) Close() error {
	return s.db.Close()
}
