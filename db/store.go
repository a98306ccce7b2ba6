package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/huebyte/echohub/chat"
	"github.com/huebyte/echohub/crypto"
)

const pgUniqueViolation = "23505"

// Store implements chat.Store and chat.Authenticator on Postgres.
type Store struct {
	db *sql.DB
}

var (
	_ chat.Store         = (*Store)(nil)
	_ chat.Authenticator = (*Store)(nil)
)

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const channelColumns = `id, name, topic, created_by, is_public, created_at`

func scanChannel(row interface{ Scan(...any) error }) (chat.Channel, error) {
	var ch chat.Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Topic, &ch.CreatedBy, &ch.IsPublic, &ch.CreatedAt)
	return ch, err
}

// EnsureChannel inserts ch unless the name exists. Concurrent callers race on
// the unique name; exactly one sees created=true.
func (s *Store) EnsureChannel(ctx context.Context, ch chat.Channel) (chat.Channel, bool, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	stored, err := scanChannel(s.db.QueryRowContext(ctx, `
		INSERT INTO channels (id, name, topic, created_by, is_public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO NOTHING
		RETURNING `+channelColumns,
		ch.ID, ch.Name, ch.Topic, ch.CreatedBy, ch.IsPublic, ch.CreatedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return chat.Channel{}, false, fmt.Errorf("insert channel: %w", err)
	}
	existing, err := s.GetChannel(ctx, ch.Name)
	if err != nil {
		return chat.Channel{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetChannel(ctx context.Context, name string) (chat.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Channel{}, chat.ErrChannelNotFound
	}
	if err != nil {
		return chat.Channel{}, fmt.Errorf("get channel %q: %w", name, err)
	}
	return ch, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]chat.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []chat.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) UpdateChannelTopic(ctx context.Context, name, topic string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET topic = $2 WHERE name = $1`, name, topic)
	if err != nil {
		return fmt.Errorf("update topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrChannelNotFound
	}
	return nil
}

// SetChannelPublic changes whether a channel appears in channel lists.
func (s *Store) SetChannelPublic(ctx context.Context, name string, public bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET is_public = $2 WHERE name = $1`, name, public)
	if err != nil {
		return fmt.Errorf("update channel visibility: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrChannelNotFound
	}
	return nil
}

// jsonOrNull marshals v, mapping empty values to SQL NULL.
func jsonOrNull(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	attachment, err := jsonOrNull(msg.Attachment, msg.Attachment == nil)
	if err != nil {
		return fmt.Errorf("encode attachment: %w", err)
	}
	embeds, err := jsonOrNull(msg.Embeds, len(msg.Embeds) == 0)
	if err != nil {
		return fmt.Errorf("encode embeds: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel, sender_id, sender_username, kind, content, attachment, embeds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.Channel, msg.SenderID, msg.SenderUsername, string(msg.Kind), msg.Content, attachment, embeds, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest count messages in insertion order.
func (s *Store) RecentMessages(ctx context.Context, channel string, count int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender_id, sender_username, kind, content, attachment, embeds, created_at
		FROM (
			SELECT * FROM messages WHERE channel = $1 ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC`, channel, count)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var (
			m                  chat.Message
			kind               string
			attachment, embeds []byte
		)
		if err := rows.Scan(&m.ID, &m.Channel, &m.SenderID, &m.SenderUsername, &kind, &m.Content, &attachment, &embeds, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = chat.MessageKind(kind)
		if len(attachment) > 0 {
			m.Attachment = &chat.Attachment{}
			if err := json.Unmarshal(attachment, m.Attachment); err != nil {
				return nil, fmt.Errorf("decode attachment of %s: %w", m.ID, err)
			}
		}
		if len(embeds) > 0 {
			if err := json.Unmarshal(embeds, &m.Embeds); err != nil {
				return nil, fmt.Errorf("decode embeds of %s: %w", m.ID, err)
			}
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

const userColumns = `id, username, display_name, status, status_message, created_at, last_seen_at`

func scanUser(row interface{ Scan(...any) error }) (chat.UserProfile, error) {
	var (
		u      chat.UserProfile
		status string
	)
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &status, &u.StatusMessage, &u.CreatedAt, &u.LastSeenAt)
	u.Status = chat.UserStatus(status)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, username string) (chat.UserProfile, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(username) = LOWER($1)`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.UserProfile{}, chat.ErrUserNotFound
	}
	if err != nil {
		return chat.UserProfile{}, fmt.Errorf("get user %q: %w", username, err)
	}
	return u, nil
}

func (s *Store) GetUsers(ctx context.Context, usernames []string) ([]chat.UserProfile, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(usernames))
	for i, n := range usernames {
		lowered[i] = strings.ToLower(n)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(username) = ANY($1) ORDER BY LOWER(username)`, lowered)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()
	var out []chat.UserProfile
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, userID string, status chat.UserStatus, statusMessage string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return chat.ErrUserNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET status = $2, status_message = $3, last_seen_at = NOW() WHERE id = $1`,
		userID, string(status), statusMessage)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrUserNotFound
	}
	return nil
}

// Authenticate checks a password against the stored bcrypt hash.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, error) {
	var id, hash string
	err := s.db.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE LOWER(username) = LOWER($1)`, username).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", chat.ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}
	if err := crypto.CompareHashAndPassword(hash, password); err != nil {
		return "", chat.ErrInvalidCredentials
	}
	return id, nil
}

// CreateUser registers an account. Usernames are unique case-insensitively.
func (s *Store) CreateUser(ctx context.Context, username, password, displayName string) (chat.UserProfile, error) {
	if err := chat.ValidateUsername(username); err != nil {
		return chat.UserProfile{}, err
	}
	if password == "" {
		return chat.UserProfile{}, errors.New("password cannot be empty")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return chat.UserProfile{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, display_name, password_hash, status)
		VALUES ($1, $2, $3, $4, 'offline')
		RETURNING `+userColumns,
		uuid.NewString(), username, displayName, hash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return chat.UserProfile{}, chat.ErrUserExists
		}
		return chat.UserProfile{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// SetPassword replaces a user's password hash.
func (s *Store) SetPassword(ctx context.Context, username, password string) error {
	if password == "" {
		return errors.New("password cannot be empty")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE LOWER(username) = LOWER($1)`, username, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrUserNotFound
	}
	return nil
}

// LegacyMessage is a stored message whose content is not yet encrypted.
type LegacyMessage struct {
	Seq     int64
	ID      string
	Content string
}

// ListLegacyMessages returns up to limit plaintext messages with seq greater
// than afterSeq, in seq order.
func (s *Store) ListLegacyMessages(ctx context.Context, afterSeq int64, limit int) ([]LegacyMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, content FROM messages
		WHERE seq > $1 AND content <> '' AND content NOT LIKE $2
		ORDER BY seq
		LIMIT $3`, afterSeq, crypto.ContentPrefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("query legacy messages: %w", err)
	}
	defer rows.Close()
	var out []LegacyMessage
	for rows.Next() {
		var m LegacyMessage
		if err := rows.Scan(&m.Seq, &m.ID, &m.Content); err != nil {
			return nil, fmt.Errorf("scan legacy message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageContent rewrites the stored content of one message.
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = $2 WHERE id = $1`, id, content)
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s not found", id)
	}
	return nil
}

const pruneCandidates = `
	WITH ranked AS (
		SELECT seq, channel, created_at,
		       ROW_NUMBER() OVER (PARTITION BY channel ORDER BY seq DESC) AS rn
		FROM messages
	)
	SELECT seq, channel FROM ranked
	WHERE ($1::timestamptz IS NULL OR created_at < $1)
	  AND ($2::int = 0 OR rn > $2)`

// PruneMessages deletes messages that neither rule retains: the age rule keeps
// messages created at or after before (zero disables it), the count rule keeps
// the newest keepPerChannel per channel (0 disables it). It returns the number
// of affected messages per channel; with dryRun nothing is deleted.
func (s *Store) PruneMessages(ctx context.Context, before time.Time, keepPerChannel int, dryRun bool) (map[string]int64, error) {
	if before.IsZero() && keepPerChannel <= 0 {
		return map[string]int64{}, nil
	}
	cutoff := sql.NullTime{Time: before, Valid: !before.IsZero()}
	if keepPerChannel < 0 {
		keepPerChannel = 0
	}

	var query string
	if dryRun {
		query = `SELECT channel, COUNT(*) FROM (` + pruneCandidates + `) c GROUP BY channel`
	} else {
		query = `
			WITH deleted AS (
				DELETE FROM messages WHERE seq IN (SELECT seq FROM (` + pruneCandidates + `) c)
				RETURNING channel
			)
			SELECT channel, COUNT(*) FROM deleted GROUP BY channel`
	}
	rows, err := s.db.QueryContext(ctx, query, cutoff, keepPerChannel)
	if err != nil {
		return nil, fmt.Errorf("prune messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var channel string
		var n int64
		if err := rows.Scan(&channel, &n); err != nil {
			return nil, fmt.Errorf("scan prune count: %w", err)
		}
		out[channel] = n
	}
	return out, rows.Err()
}
