package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIgnoredAccount rejects writes that would recreate state for an account
// whose data was erased on request.
var ErrIgnoredAccount = errors.New("account is ignored")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- servers ---

func (s *PostgresStore) UpsertServer(ctx context.Context, server Server) (Server, error) {
	const query = `
		INSERT INTO servers (id, discord_id, name, icon, description)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (discord_id) DO UPDATE
			SET name=EXCLUDED.name, icon=EXCLUDED.icon, description=EXCLUDED.description,
				kicked_at=NULL, updated_at=NOW()
		RETURNING id, discord_id, name, icon, description, kicked_at, created_at, updated_at
	`
	var out Server
	err := s.db.QueryRowContext(ctx, query, server.ID, server.DiscordID, server.Name, server.Icon, server.Description).
		Scan(&out.ID, &out.DiscordID, &out.Name, &out.Icon, &out.Description, &out.KickedAt, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Server{}, fmt.Errorf("upsert server: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetServer(ctx context.Context, id string) (Server, error) {
	var out Server
	err := s.db.QueryRowContext(ctx, `
		SELECT id, discord_id, name, icon, description, kicked_at, created_at, updated_at
		FROM servers WHERE id=$1
	`, id).Scan(&out.ID, &out.DiscordID, &out.Name, &out.Icon, &out.Description, &out.KickedAt, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Server{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetServerByDiscordID(ctx context.Context, discordID string) (Server, error) {
	var out Server
	err := s.db.QueryRowContext(ctx, `
		SELECT id, discord_id, name, icon, description, kicked_at, created_at, updated_at
		FROM servers WHERE discord_id=$1
	`, discordID).Scan(&out.ID, &out.DiscordID, &out.Name, &out.Icon, &out.Description, &out.KickedAt, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Server{}, err
	}
	return out, nil
}

func (s *PostgresStore) SetServerKicked(ctx context.Context, discordID string, kickedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE servers SET kicked_at=$2, updated_at=NOW() WHERE discord_id=$1
	`, discordID, kickedAt)
	if err != nil {
		return fmt.Errorf("set server kicked: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, discord_id, name, icon, description, kicked_at, created_at, updated_at
		FROM servers
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	items := make([]Server, 0)
	for rows.Next() {
		var item Server
		if err := rows.Scan(&item.ID, &item.DiscordID, &item.Name, &item.Icon, &item.Description, &item.KickedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return items, nil
}

// --- channels ---

func (s *PostgresStore) UpsertChannel(ctx context.Context, channel Channel) (Channel, error) {
	const query = `
		INSERT INTO channels (id, discord_id, server_id, parent_id, name, type, indexing_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (discord_id) DO UPDATE
			SET name=EXCLUDED.name, type=EXCLUDED.type, parent_id=EXCLUDED.parent_id,
				indexing_enabled=EXCLUDED.indexing_enabled, updated_at=NOW()
		RETURNING id, discord_id, server_id, parent_id, name, type, indexing_enabled, last_indexed_message_id, created_at, updated_at
	`
	var out Channel
	err := s.db.QueryRowContext(ctx, query,
		channel.ID, channel.DiscordID, channel.ServerID, channel.ParentID, channel.Name, channel.Type, channel.IndexingEnabled).
		Scan(&out.ID, &out.DiscordID, &out.ServerID, &out.ParentID, &out.Name, &out.Type, &out.IndexingEnabled, &out.LastIndexedMessageID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Channel{}, fmt.Errorf("upsert channel: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	var out Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, discord_id, server_id, parent_id, name, type, indexing_enabled, last_indexed_message_id, created_at, updated_at
		FROM channels WHERE id=$1
	`, id).Scan(&out.ID, &out.DiscordID, &out.ServerID, &out.ParentID, &out.Name, &out.Type, &out.IndexingEnabled, &out.LastIndexedMessageID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Channel{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetChannelByDiscordID(ctx context.Context, discordID string) (Channel, error) {
	var out Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, discord_id, server_id, parent_id, name, type, indexing_enabled, last_indexed_message_id, created_at, updated_at
		FROM channels WHERE discord_id=$1
	`, discordID).Scan(&out.ID, &out.DiscordID, &out.ServerID, &out.ParentID, &out.Name, &out.Type, &out.IndexingEnabled, &out.LastIndexedMessageID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Channel{}, err
	}
	return out, nil
}

// ListChannelsByServer returns top-level channels for a server. When
// indexedOnly is true, channels with indexing disabled are filtered out at
// the SQL level so un-indexed channels never reach a public payload.
func (s *PostgresStore) ListChannelsByServer(ctx context.Context, serverID string, indexedOnly bool) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, discord_id, server_id, parent_id, name, type, indexing_enabled, last_indexed_message_id, created_at, updated_at
		FROM channels
		WHERE server_id=$1 AND parent_id IS NULL
			AND (NOT $2::boolean OR indexing_enabled)
		ORDER BY name ASC
	`, serverID, indexedOnly)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var item Channel
		if err := rows.Scan(&item.ID, &item.DiscordID, &item.ServerID, &item.ParentID, &item.Name, &item.Type, &item.IndexingEnabled, &item.LastIndexedMessageID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetChannelCursor(ctx context.Context, channelID, lastIndexedMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channels SET last_indexed_message_id=$2, updated_at=NOW() WHERE id=$1
	`, channelID, lastIndexedMessageID)
	if err != nil {
		return fmt.Errorf("set channel cursor: %w", err)
	}
	return nil
}

// ListRecentThreads returns thread channels under a parent channel, most
// recently active first.
func (s *PostgresStore) ListRecentThreads(ctx context.Context, parentChannelID string, limit int) ([]Channel, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.discord_id, c.server_id, c.parent_id, c.name, c.type, c.indexing_enabled, c.last_indexed_message_id, c.created_at, c.updated_at
		FROM channels c
		WHERE c.parent_id=$1 AND c.indexing_enabled
		ORDER BY (SELECT MAX(m.created_at) FROM messages m WHERE m.channel_id=c.id) DESC NULLS LAST
		LIMIT $2
	`, parentChannelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent threads: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var item Channel
		if err := rows.Scan(&item.ID, &item.DiscordID, &item.ServerID, &item.ParentID, &item.Name, &item.Type, &item.IndexingEnabled, &item.LastIndexedMessageID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

// --- messages ---

func (s *PostgresStore) UpsertMessages(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert messages: %w", err)
	}
	const query = `
		INSERT INTO messages (id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (discord_id) DO UPDATE
			SET content=EXCLUDED.content, pinned=EXCLUDED.pinned, edited_at=EXCLUDED.edited_at
	`
	for _, m := range messages {
		if _, err := tx.ExecContext(ctx, query,
			m.ID, m.DiscordID, m.ChannelID, m.ServerID, m.AuthorID, m.Content, m.ReplyToID, m.Pinned, m.EditedAt, m.CreatedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert message %s: %w", m.DiscordID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessageByDiscordID(ctx context.Context, discordID string) (Message, error) {
	var out Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages WHERE discord_id=$1
	`, discordID).Scan(&out.ID, &out.DiscordID, &out.ChannelID, &out.ServerID, &out.AuthorID, &out.Content, &out.ReplyToID, &out.Pinned, &out.EditedAt, &out.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

// ListThreadMessages returns a thread's messages oldest first, the order a
// message page renders them in.
func (s *PostgresStore) ListThreadMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE channel_id=$1
		ORDER BY created_at ASC, discord_id ASC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	return scanMessages(rows)
}

// ListFirstThreadMessages returns the oldest message of each given thread in
// one query, so thread listings don't fetch openers one thread at a time.
func (s *PostgresStore) ListFirstThreadMessages(ctx context.Context, channelIDs []string) ([]Message, error) {
	if len(channelIDs) == 0 {
		return []Message{}, nil
	}
	placeholders, args := placeholderList(channelIDs, 1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT ON (channel_id)
			id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE channel_id IN (%s)
		ORDER BY channel_id, created_at ASC, discord_id ASC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list first thread messages: %w", err)
	}
	return scanMessages(rows)
}

// ListChannelMessages pages a channel newest first. before is an exclusive
// discord id cursor; empty means start from the newest message.
func (s *PostgresStore) ListChannelMessages(ctx context.Context, channelID, before string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE channel_id=$1
	`
	args := []any{channelID}
	if before != "" {
		query += ` AND (created_at, discord_id) < (SELECT created_at, discord_id FROM messages WHERE discord_id=$2)`
		args = append(args, before)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, discord_id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channel messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) ListMessageReplies(ctx context.Context, messageID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE reply_to_id=$1
		ORDER BY created_at ASC, discord_id ASC
		LIMIT $2
	`, messageID, limit)
	if err != nil {
		return nil, fmt.Errorf("list message replies: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) ListMessagesByIDs(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return []Message{}, nil
	}
	placeholders, args := placeholderList(ids, 1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages by ids: %w", err)
	}
	return scanMessages(rows)
}

// ListMessagesByDiscordIDs lets the ingest path discover which rows of a
// batch already exist, so re-synced messages keep their internal ids.
func (s *PostgresStore) ListMessagesByDiscordIDs(ctx context.Context, discordIDs []string) ([]Message, error) {
	if len(discordIDs) == 0 {
		return []Message{}, nil
	}
	placeholders, args := placeholderList(discordIDs, 1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE discord_id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages by discord ids: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) CountMessages(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// ListServerMessages loads every indexed message of a server. Used by the
// reindex path after a server-wide visibility change.
func (s *PostgresStore) ListServerMessages(ctx context.Context, serverID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE server_id=$1
		ORDER BY created_at ASC, discord_id ASC
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list server messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) ListAuthorServerMessages(ctx context.Context, serverID, authorID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, discord_id, channel_id, server_id, author_id, content, reply_to_id, pinned, edited_at, created_at
		FROM messages
		WHERE server_id=$1 AND author_id=$2
		ORDER BY created_at ASC, discord_id ASC
	`, serverID, authorID)
	if err != nil {
		return nil, fmt.Errorf("list author messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// PurgeAuthorMessages removes every message an author has on record, across
// all servers, in one transaction. It returns the removed message ids (for
// search index cleanup) and the object keys of any mirrored attachments (for
// blob cleanup). Attachments and reactions go with their messages via
// cascading foreign keys.
func (s *PostgresStore) PurgeAuthorMessages(ctx context.Context, authorID string) ([]string, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	messageIDs := make([]string, 0)
	rows, err := tx.QueryContext(ctx, `SELECT id FROM messages WHERE author_id=$1`, authorID)
	if err != nil {
		return nil, nil, fmt.Errorf("select purged messages: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan purged message: %w", err)
		}
		messageIDs = append(messageIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate purged messages: %w", err)
	}

	objectKeys := make([]string, 0)
	keyRows, err := tx.QueryContext(ctx, `
		SELECT a.object_key
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.author_id=$1 AND a.object_key IS NOT NULL
	`, authorID)
	if err != nil {
		return nil, nil, fmt.Errorf("select purged attachments: %w", err)
	}
	for keyRows.Next() {
		var key string
		if err := keyRows.Scan(&key); err != nil {
			keyRows.Close()
			return nil, nil, fmt.Errorf("scan purged attachment: %w", err)
		}
		objectKeys = append(objectKeys, key)
	}
	keyRows.Close()
	if err := keyRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate purged attachments: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE author_id=$1`, authorID); err != nil {
		return nil, nil, fmt.Errorf("delete purged messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit purge: %w", err)
	}
	return messageIDs, objectKeys, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.DiscordID, &item.ChannelID, &item.ServerID, &item.AuthorID, &item.Content, &item.ReplyToID, &item.Pinned, &item.EditedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// --- attachments ---

func (s *PostgresStore) UpsertAttachments(ctx context.Context, attachments []Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert attachments: %w", err)
	}
	const query = `
		INSERT INTO attachments (id, discord_id, message_id, filename, content_type, size, url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (discord_id) DO UPDATE
			SET filename=EXCLUDED.filename, content_type=EXCLUDED.content_type, size=EXCLUDED.size, url=EXCLUDED.url
	`
	for _, a := range attachments {
		if _, err := tx.ExecContext(ctx, query, a.ID, a.DiscordID, a.MessageID, a.Filename, a.ContentType, a.Size, a.URL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert attachment %s: %w", a.DiscordID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert attachments: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (Attachment, error) {
	var out Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, discord_id, message_id, filename, content_type, size, url, object_key
		FROM attachments WHERE id=$1
	`, id).Scan(&out.ID, &out.DiscordID, &out.MessageID, &out.Filename, &out.ContentType, &out.Size, &out.URL, &out.ObjectKey)
	if err != nil {
		return Attachment{}, err
	}
	return out, nil
}

func (s *PostgresStore) SetAttachmentObjectKey(ctx context.Context, id, objectKey string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attachments SET object_key=$2 WHERE id=$1`, id, objectKey)
	if err != nil {
		return fmt.Errorf("set attachment object key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set attachment object key: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListAttachmentsByMessageIDs(ctx context.Context, messageIDs []string) ([]Attachment, error) {
	if len(messageIDs) == 0 {
		return []Attachment{}, nil
	}
	placeholders, args := placeholderList(messageIDs, 1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, discord_id, message_id, filename, content_type, size, url, object_key
		FROM attachments
		WHERE message_id IN (%s)
		ORDER BY discord_id ASC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.DiscordID, &item.MessageID, &item.Filename, &item.ContentType, &item.Size, &item.URL, &item.ObjectKey); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// --- reactions ---

// ReplaceReactions swaps a message's reaction counts for the set the bot
// just observed. Counts come aggregated from Discord, so replace is simpler
// and more correct than merging.
func (s *PostgresStore) ReplaceReactions(ctx context.Context, messageID string, reactions []Reaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace reactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE message_id=$1`, messageID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear reactions: %w", err)
	}
	for _, r := range reactions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reactions (message_id, emoji, count) VALUES ($1, $2, $3)
		`, messageID, r.Emoji, r.Count); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert reaction: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace reactions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReactionsByMessageIDs(ctx context.Context, messageIDs []string) ([]Reaction, error) {
	if len(messageIDs) == 0 {
		return []Reaction{}, nil
	}
	placeholders, args := placeholderList(messageIDs, 1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT message_id, emoji, count
		FROM reactions
		WHERE message_id IN (%s)
		ORDER BY count DESC, emoji ASC
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	items := make([]Reaction, 0)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.MessageID, &item.Emoji, &item.Count); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

// --- discord accounts ---

func (s *PostgresStore) UpsertDiscordAccounts(ctx context.Context, accounts []DiscordAccount) error {
	if len(accounts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert accounts: %w", err)
	}
	const query = `
		INSERT INTO discord_accounts (id, name, avatar)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, avatar=EXCLUDED.avatar
	`
	for _, a := range accounts {
		if _, err := tx.ExecContext(ctx, query, a.ID, a.Name, a.Avatar); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert account %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert accounts: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDiscordAccountsByIDs(ctx context.Context, ids []string) ([]DiscordAccount, error) {
	if len(ids) == 0 {
		return []DiscordAccount{}, nil
	}
	placeholders, args := placeholderList(ids, 1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, avatar FROM discord_accounts WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	items := make([]DiscordAccount, 0)
	for rows.Next() {
		var item DiscordAccount
		if err := rows.Scan(&item.ID, &item.Name, &item.Avatar); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return items, nil
}

// --- visibility context ---

// GetServerPreferences returns nil when no preference row exists; absence is
// meaningful to the visibility engine, not an error.
func (s *PostgresStore) GetServerPreferences(ctx context.Context, serverID string) (*ServerPreferences, error) {
	var out ServerPreferences
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, consider_all_messages_public, anonymize_messages, updated_at
		FROM server_preferences WHERE server_id=$1
	`, serverID).Scan(&out.ServerID, &out.ConsiderAllMessagesPublic, &out.AnonymizeMessages, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server preferences: %w", err)
	}
	return &out, nil
}

// UpsertServerPreferences applies a partial update: nil fields keep their
// stored value. A field can therefore move from unset to set but never back;
// the unset state exists only before first configuration.
func (s *PostgresStore) UpsertServerPreferences(ctx context.Context, serverID string, considerAllPublic, anonymize *bool) (ServerPreferences, error) {
	const query = `
		INSERT INTO server_preferences (server_id, consider_all_messages_public, anonymize_messages)
		VALUES ($1, $2, $3)
		ON CONFLICT (server_id) DO UPDATE
			SET consider_all_messages_public=COALESCE($2, server_preferences.consider_all_messages_public),
				anonymize_messages=COALESCE($3, server_preferences.anonymize_messages),
				updated_at=NOW()
		RETURNING server_id, consider_all_messages_public, anonymize_messages, updated_at
	`
	var out ServerPreferences
	err := s.db.QueryRowContext(ctx, query, serverID, considerAllPublic, anonymize).
		Scan(&out.ServerID, &out.ConsiderAllMessagesPublic, &out.AnonymizeMessages, &out.UpdatedAt)
	if err != nil {
		return ServerPreferences{}, fmt.Errorf("upsert server preferences: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetUserServerSettings(ctx context.Context, userID, serverID string) (*UserServerSettings, error) {
	var out UserServerSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, server_id, can_publicly_display_messages, message_indexing_disabled, updated_at
		FROM user_server_settings WHERE user_id=$1 AND server_id=$2
	`, userID, serverID).Scan(&out.UserID, &out.ServerID, &out.CanPubliclyDisplayMessages, &out.MessageIndexingDisabled, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user server settings: %w", err)
	}
	return &out, nil
}

// GetUserServerSettingsBulk fetches the consent records for a set of users
// on one server in a single query. Users without a row are simply missing
// from the result.
func (s *PostgresStore) GetUserServerSettingsBulk(ctx context.Context, serverID string, userIDs []string) ([]UserServerSettings, error) {
	if len(userIDs) == 0 {
		return []UserServerSettings{}, nil
	}
	placeholders, args := placeholderList(userIDs, 2)
	args = append([]any{serverID}, args...)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT user_id, server_id, can_publicly_display_messages, message_indexing_disabled, updated_at
		FROM user_server_settings
		WHERE server_id=$1 AND user_id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list user server settings: %w", err)
	}
	defer rows.Close()

	items := make([]UserServerSettings, 0)
	for rows.Next() {
		var item UserServerSettings
		if err := rows.Scan(&item.UserID, &item.ServerID, &item.CanPubliclyDisplayMessages, &item.MessageIndexingDisabled, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user server settings: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user server settings: %w", err)
	}
	return items, nil
}

// UpsertUserServerSettings writes a consent record. Ignored accounts are
// refused with ErrIgnoredAccount: their data was erased and a consent row
// would be the first step toward re-collecting it.
func (s *PostgresStore) UpsertUserServerSettings(ctx context.Context, userID, serverID string, canDisplay, indexingDisabled *bool) (UserServerSettings, error) {
	ignored, err := s.IsIgnoredAccount(ctx, userID)
	if err != nil {
		return UserServerSettings{}, err
	}
	if ignored {
		return UserServerSettings{}, ErrIgnoredAccount
	}

	const query = `
		INSERT INTO user_server_settings (user_id, server_id, can_publicly_display_messages, message_indexing_disabled)
		VALUES ($1, $2, $3, COALESCE($4, FALSE))
		ON CONFLICT (user_id, server_id) DO UPDATE
			SET can_publicly_display_messages=COALESCE($3, user_server_settings.can_publicly_display_messages),
				message_indexing_disabled=COALESCE($4, user_server_settings.message_indexing_disabled),
				updated_at=NOW()
		RETURNING user_id, server_id, can_publicly_display_messages, message_indexing_disabled, updated_at
	`
	var out UserServerSettings
	err = s.db.QueryRowContext(ctx, query, userID, serverID, canDisplay, indexingDisabled).
		Scan(&out.UserID, &out.ServerID, &out.CanPubliclyDisplayMessages, &out.MessageIndexingDisabled, &out.UpdatedAt)
	if err != nil {
		return UserServerSettings{}, fmt.Errorf("upsert user server settings: %w", err)
	}
	return out, nil
}

// --- ignored accounts ---

func (s *PostgresStore) InsertIgnoredAccount(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ignored_accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("insert ignored account: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteIgnoredAccount(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ignored_accounts WHERE user_id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete ignored account: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsIgnoredAccount(ctx context.Context, userID string) (bool, error) {
	var ignored bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ignored_accounts WHERE user_id=$1)`, userID).Scan(&ignored)
	if err != nil {
		return false, fmt.Errorf("check ignored account: %w", err)
	}
	return ignored, nil
}

// ListIgnoredAccountIDs filters a candidate id set down to the ones that are
// ignored, so the ingest path can drop their messages in one pass.
func (s *PostgresStore) ListIgnoredAccountIDs(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return []string{}, nil
	}
	placeholders, args := placeholderList(userIDs, 1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT user_id FROM ignored_accounts WHERE user_id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list ignored accounts: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ignored account: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ignored accounts: %w", err)
	}
	return ids, nil
}

// --- dashboard ---

func (s *PostgresStore) GetServerCounts(ctx context.Context, serverID string) (ServerCounts, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM channels WHERE server_id=$1 AND indexing_enabled),
			(SELECT COUNT(*) FROM messages WHERE server_id=$1),
			(SELECT COUNT(*) FROM user_server_settings WHERE server_id=$1 AND can_publicly_display_messages IS TRUE)
	`
	var counts ServerCounts
	err := s.db.QueryRowContext(ctx, query, serverID).Scan(&counts.Channels, &counts.Messages, &counts.ConsentingUsers)
	if err != nil {
		return ServerCounts{}, fmt.Errorf("server counts: %w", err)
	}
	return counts, nil
}

// placeholderList renders "$n, $n+1, ..." for a string slice starting at
// argument position start, returning the fragment and the matching args.
func placeholderList(values []string, start int) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = fmt.Sprintf("$%d", start+i)
		args[i] = v
	}
	return strings.Join(marks, ", "), args
}
