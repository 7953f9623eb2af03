package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestPurgeAuthorMessagesRemovesEverything verifies the data-deletion path an
// ignored account triggers: every message the author wrote disappears, the
// cascade takes attachments and reactions with it, and the call reports the
// ids and object keys the caller still has to clean up elsewhere.
func TestPurgeAuthorMessagesRemovesEverything(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	db, err := Open(ctx, integrationDatabaseURL(t))
	if err != nil {
		t.Skipf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)

	server, err := s.UpsertServer(ctx, Server{ID: "srv_purge", DiscordID: "purge-guild", Name: "Purge Guild"})
	if err != nil {
		t.Fatalf("upsert server: %v", err)
	}
	channel, err := s.UpsertChannel(ctx, Channel{ID: "ch_purge", DiscordID: "purge-channel", ServerID: server.ID, Name: "general", Type: "text", IndexingEnabled: true})
	if err != nil {
		t.Fatalf("upsert channel: %v", err)
	}

	now := time.Now().UTC()
	messages := []Message{
		{ID: "msg_purge_1", DiscordID: "purge-m1", ChannelID: channel.ID, ServerID: server.ID, AuthorID: "author-x", Content: "first", CreatedAt: now},
		{ID: "msg_purge_2", DiscordID: "purge-m2", ChannelID: channel.ID, ServerID: server.ID, AuthorID: "author-x", Content: "second", CreatedAt: now.Add(time.Second)},
		{ID: "msg_purge_3", DiscordID: "purge-m3", ChannelID: channel.ID, ServerID: server.ID, AuthorID: "author-y", Content: "kept", CreatedAt: now.Add(2 * time.Second)},
	}
	if err := s.UpsertMessages(ctx, messages); err != nil {
		t.Fatalf("upsert messages: %v", err)
	}
	if err := s.UpsertAttachments(ctx, []Attachment{
		{ID: "att_purge_1", DiscordID: "purge-a1", MessageID: "msg_purge_1", Filename: "a.png", Size: 10, URL: "https://cdn/a.png"},
	}); err != nil {
		t.Fatalf("upsert attachments: %v", err)
	}
	if err := s.SetAttachmentObjectKey(ctx, "att_purge_1", "mirror/a.png"); err != nil {
		t.Fatalf("set object key: %v", err)
	}
	if err := s.ReplaceReactions(ctx, "msg_purge_1", []Reaction{{MessageID: "msg_purge_1", Emoji: "👍", Count: 3}}); err != nil {
		t.Fatalf("replace reactions: %v", err)
	}

	ids, keys, err := s.PurgeAuthorMessages(ctx, "author-x")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 purged message ids, got %d", len(ids))
	}
	if len(keys) != 1 || keys[0] != "mirror/a.png" {
		t.Errorf("expected purged object key mirror/a.png, got %v", keys)
	}

	remaining, err := s.ListThreadMessages(ctx, channel.ID, 0)
	if err != nil {
		t.Fatalf("list remaining: %v", err)
	}
	if len(remaining) != 1 || remaining[0].AuthorID != "author-y" {
		t.Errorf("expected only author-y's message to survive, got %+v", remaining)
	}

	var attachmentCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachments WHERE message_id='msg_purge_1'`).Scan(&attachmentCount); err != nil {
		t.Fatalf("count attachments: %v", err)
	}
	if attachmentCount != 0 {
		t.Errorf("expected attachment cascade, %d rows remain", attachmentCount)
	}

	// Cleanup so the test can rerun against the same database.
	_, _ = db.ExecContext(ctx, `DELETE FROM servers WHERE id='srv_purge'`)
}

// integrationDatabaseURL returns the database URL for integration tests,
// preferring TEST_DATABASE_URL and falling back to the standard Postgres
// environment variables.
func integrationDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "tapestry")
	pass := getenv("POSTGRES_PASSWORD", "tapestry")
	dbname := getenv("POSTGRES_DB", "tapestry_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
