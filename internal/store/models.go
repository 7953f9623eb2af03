package store

import "time"

type Server struct {
	ID          string
	DiscordID   string
	Name        string
	Icon        *string
	Description *string
	KickedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Channel covers both top-level channels and threads: a thread is a channel
// whose ParentID points at the channel it was spawned from.
type Channel struct {
	ID                   string
	DiscordID            string
	ServerID             string
	ParentID             *string
	Name                 string
	Type                 string
	IndexingEnabled      bool
	LastIndexedMessageID *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type Message struct {
	ID        string
	DiscordID string
	ChannelID string
	ServerID  string
	AuthorID  string
	Content   string
	ReplyToID *string
	Pinned    bool
	EditedAt  *time.Time
	CreatedAt time.Time
}

type Attachment struct {
	ID          string
	DiscordID   string
	MessageID   string
	Filename    string
	ContentType *string
	Size        int64
	URL         string
	// ObjectKey is set once the blob has been mirrored into object storage.
	ObjectKey *string
}

type Reaction struct {
	MessageID string
	Emoji     string
	Count     int
}

type DiscordAccount struct {
	ID     string
	Name   string
	Avatar *string
}

// ServerPreferences uses pointer booleans because an unset flag is not the
// same thing as an explicit false: absence falls back to the default.
type ServerPreferences struct {
	ServerID                  string
	ConsiderAllMessagesPublic *bool
	AnonymizeMessages         *bool
	UpdatedAt                 time.Time
}

// UserServerSettings is the per-(user, server) consent record.
// CanPubliclyDisplayMessages is nil when the user has never answered the
// consent prompt on that server, which downstream treats differently from an
// explicit false only in type, not in the public-gate outcome.
type UserServerSettings struct {
	UserID                     string
	ServerID                   string
	CanPubliclyDisplayMessages *bool
	MessageIndexingDisabled    bool
	UpdatedAt                  time.Time
}

type IgnoredAccount struct {
	UserID    string
	CreatedAt time.Time
}

// ServerCounts backs the dashboard payload.
type ServerCounts struct {
	Channels        int
	Messages        int
	ConsentingUsers int
}
