package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tapestry/api/internal/config"
	"tapestry/api/internal/feed"
	"tapestry/api/internal/observability"
	"tapestry/api/internal/queries"
	"tapestry/api/internal/search"
	"tapestry/api/internal/storage"
	"tapestry/api/internal/store"
	"tapestry/api/internal/util"
	"tapestry/api/internal/visibility"
)

type SyncServerInput struct {
	DiscordID   string  `json:"discordId"`
	Name        string  `json:"name"`
	Icon        *string `json:"icon"`
	Description *string `json:"description"`
}

type SyncChannelInput struct {
	DiscordID       string  `json:"discordId"`
	ParentDiscordID *string `json:"parentDiscordId"`
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	IndexingEnabled bool    `json:"indexingEnabled"`
}

type SyncChannelsInput struct {
	ServerDiscordID string             `json:"serverDiscordId"`
	Channels        []SyncChannelInput `json:"channels"`
}

type SyncAuthorInput struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Avatar *string `json:"avatar"`
}

type SyncAttachmentInput struct {
	DiscordID   string  `json:"discordId"`
	Filename    string  `json:"filename"`
	ContentType *string `json:"contentType"`
	Size        int64   `json:"size"`
	URL         string  `json:"url"`
}

type SyncReactionInput struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

type SyncMessageInput struct {
	DiscordID        string                `json:"discordId"`
	Content          string                `json:"content"`
	ReplyToDiscordID *string               `json:"replyToDiscordId"`
	Pinned           bool                  `json:"pinned"`
	EditedAt         *time.Time            `json:"editedAt"`
	CreatedAt        time.Time             `json:"createdAt"`
	Author           SyncAuthorInput       `json:"author"`
	Attachments      []SyncAttachmentInput `json:"attachments"`
	Reactions        []SyncReactionInput   `json:"reactions"`
}

type SyncMessagesInput struct {
	ChannelDiscordID string             `json:"channelDiscordId"`
	Messages         []SyncMessageInput `json:"messages"`
}

type PreferencesInput struct {
	ConsiderAllMessagesPublic *bool `json:"considerAllMessagesPublic"`
	AnonymizeMessages         *bool `json:"anonymizeMessages"`
}

type ConsentInput struct {
	CanPubliclyDisplayMessages *bool `json:"canPubliclyDisplayMessages"`
	MessageIndexingDisabled    *bool `json:"messageIndexingDisabled"`
}

type SearchInput struct {
	Text            string
	Type            string
	ServerDiscordID string
	ChannelID       string
	Page            int
	Limit           int
}

var allowedChannelTypes = map[string]struct{}{
	"text":         {},
	"announcement": {},
	"forum":        {},
	"thread":       {},
}

type dataStore interface {
	UpsertServer(context.Context, store.Server) (store.Server, error)
	GetServer(context.Context, string) (store.Server, error)
	GetServerByDiscordID(context.Context, string) (store.Server, error)
	SetServerKicked(context.Context, string, *time.Time) error
	UpsertChannel(context.Context, store.Channel) (store.Channel, error)
	GetChannel(context.Context, string) (store.Channel, error)
	GetChannelByDiscordID(context.Context, string) (store.Channel, error)
	ListChannelsByServer(context.Context, string, bool) ([]store.Channel, error)
	SetChannelCursor(context.Context, string, string) error
	ListRecentThreads(context.Context, string, int) ([]store.Channel, error)
	UpsertMessages(context.Context, []store.Message) error
	GetMessageByDiscordID(context.Context, string) (store.Message, error)
	ListThreadMessages(context.Context, string, int) ([]store.Message, error)
	ListFirstThreadMessages(context.Context, []string) ([]store.Message, error)
	ListChannelMessages(context.Context, string, string, int) ([]store.Message, error)
	ListMessageReplies(context.Context, string, int) ([]store.Message, error)
	ListMessagesByIDs(context.Context, []string) ([]store.Message, error)
	ListMessagesByDiscordIDs(context.Context, []string) ([]store.Message, error)
	CountMessages(context.Context) (int, error)
	DeleteMessage(context.Context, string) error
	PurgeAuthorMessages(context.Context, string) ([]string, []string, error)
	UpsertAttachments(context.Context, []store.Attachment) error
	GetAttachment(context.Context, string) (store.Attachment, error)
	SetAttachmentObjectKey(context.Context, string, string) error
	ListAttachmentsByMessageIDs(context.Context, []string) ([]store.Attachment, error)
	ReplaceReactions(context.Context, string, []store.Reaction) error
	ListReactionsByMessageIDs(context.Context, []string) ([]store.Reaction, error)
	UpsertDiscordAccounts(context.Context, []store.DiscordAccount) error
	GetDiscordAccountsByIDs(context.Context, []string) ([]store.DiscordAccount, error)
	GetServerPreferences(context.Context, string) (*store.ServerPreferences, error)
	UpsertServerPreferences(context.Context, string, *bool, *bool) (store.ServerPreferences, error)
	GetUserServerSettings(context.Context, string, string) (*store.UserServerSettings, error)
	GetUserServerSettingsBulk(context.Context, string, []string) ([]store.UserServerSettings, error)
	UpsertUserServerSettings(context.Context, string, string, *bool, *bool) (store.UserServerSettings, error)
	InsertIgnoredAccount(context.Context, string) error
	DeleteIgnoredAccount(context.Context, string) error
	IsIgnoredAccount(context.Context, string) (bool, error)
	ListIgnoredAccountIDs(context.Context, []string) ([]string, error)
	GetServerCounts(context.Context, string) (store.ServerCounts, error)
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexMessages(records []search.MessageRecord)
	IndexServer(record search.ServerRecord)
	DeleteMessages(ids []string)
	DeleteServer(id string)
	ReindexServerMessages(ctx context.Context, serverID string)
	ReindexAuthorMessages(ctx context.Context, serverID, authorID string)
	NeedsBootstrap(rowCount int) bool
	ReindexAllFromPG(ctx context.Context)
}

type blobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
	PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	search searchIndex
	feed   feed.Feed
	blobs  blobStore
}

// New wires the service. blobs may be nil when attachment mirroring is not
// configured; everything else is required.
func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, changeFeed feed.Feed, blobs *storage.Storage) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		search: searchService,
		feed:   changeFeed,
	}
	if blobs != nil {
		s.blobs = blobs
	}
	return s
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// BootstrapSearchIndex seeds Meilisearch from Postgres when the index is
// empty but the store is not, e.g. after the search volume was wiped.
func (s *Service) BootstrapSearchIndex(ctx context.Context) {
	count, err := s.store.CountMessages(ctx)
	if err != nil {
		log.Printf("bootstrap: count messages: %v", err)
		return
	}
	if !s.search.NeedsBootstrap(count) {
		return
	}
	log.Printf("bootstrap: search index is empty, reindexing %d messages", count)
	go s.search.ReindexAllFromPG(context.Background())
}

// --- ingest ---

func (s *Service) SyncServer(ctx context.Context, input SyncServerInput) (map[string]any, error) {
	discordID := strings.TrimSpace(input.DiscordID)
	name := strings.TrimSpace(input.Name)
	if discordID == "" || name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "discordId and name are required", nil)
	}

	server, err := s.store.UpsertServer(ctx, store.Server{
		ID:          util.NewID("srv"),
		DiscordID:   discordID,
		Name:        name,
		Icon:        input.Icon,
		Description: input.Description,
	})
	if err != nil {
		return nil, err
	}

	description := ""
	if server.Description != nil {
		description = *server.Description
	}
	s.search.IndexServer(search.ServerRecord{
		ID:          server.ID,
		DiscordID:   server.DiscordID,
		Name:        server.Name,
		Description: description,
	})
	s.publish(ctx, "servers", server.ID)

	return map[string]any{"server": serverPayload(server)}, nil
}

// RemoveServer marks a server the bot was kicked from. Rows stay in the
// store so a re-invite picks up where it left off, but the server drops out
// of search until then.
func (s *Service) RemoveServer(ctx context.Context, discordID string) (map[string]any, error) {
	server, err := s.store.GetServerByDiscordID(ctx, discordID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.store.SetServerKicked(ctx, discordID, &now); err != nil {
		return nil, err
	}
	server.KickedAt = &now

	s.search.DeleteServer(server.ID)
	s.publish(ctx, "servers", server.ID)

	return map[string]any{"server": serverPayload(server)}, nil
}

func (s *Service) SyncChannels(ctx context.Context, input SyncChannelsInput) (map[string]any, error) {
	serverDiscordID := strings.TrimSpace(input.ServerDiscordID)
	if serverDiscordID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "serverDiscordId is required", nil)
	}
	server, err := s.store.GetServerByDiscordID(ctx, serverDiscordID)
	if err != nil {
		return nil, err
	}

	// Parents before threads, so a thread arriving in the same batch as the
	// channel it lives under resolves without a second sync.
	ordered := make([]SyncChannelInput, 0, len(input.Channels))
	for _, channel := range input.Channels {
		if channel.ParentDiscordID == nil {
			ordered = append(ordered, channel)
		}
	}
	for _, channel := range input.Channels {
		if channel.ParentDiscordID != nil {
			ordered = append(ordered, channel)
		}
	}

	idByDiscord := make(map[string]string, len(ordered))
	upserted := make([]store.Channel, 0, len(ordered))
	for _, in := range ordered {
		discordID := strings.TrimSpace(in.DiscordID)
		if discordID == "" || strings.TrimSpace(in.Name) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "every channel needs a discordId and name", nil)
		}
		channelType := strings.ToLower(strings.TrimSpace(in.Type))
		if _, ok := allowedChannelTypes[channelType]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid channel type", map[string]any{
				"discordId": discordID,
				"type":      in.Type,
			})
		}

		var parentID *string
		if in.ParentDiscordID != nil {
			resolved, ok := idByDiscord[*in.ParentDiscordID]
			if !ok {
				parent, err := s.store.GetChannelByDiscordID(ctx, *in.ParentDiscordID)
				if errors.Is(err, sql.ErrNoRows) {
					return nil, domainError(http.StatusUnprocessableEntity, "UNKNOWN_PARENT_CHANNEL", "parent channel has not been synced", map[string]any{
						"discordId":       discordID,
						"parentDiscordId": *in.ParentDiscordID,
					})
				}
				if err != nil {
					return nil, err
				}
				resolved = parent.ID
			}
			parentID = &resolved
		}

		channel, err := s.store.UpsertChannel(ctx, store.Channel{
			ID:              util.NewID("ch"),
			DiscordID:       discordID,
			ServerID:        server.ID,
			ParentID:        parentID,
			Name:            strings.TrimSpace(in.Name),
			Type:            channelType,
			IndexingEnabled: in.IndexingEnabled,
		})
		if err != nil {
			return nil, err
		}
		idByDiscord[channel.DiscordID] = channel.ID
		upserted = append(upserted, channel)
	}

	if len(upserted) > 0 {
		s.publish(ctx, "channels", upserted[len(upserted)-1].ID)
	}

	payloads := make([]map[string]any, 0, len(upserted))
	for _, channel := range upserted {
		payloads = append(payloads, channelPayload(channel))
	}
	return map[string]any{"channels": payloads}, nil
}

func (s *Service) SyncMessages(ctx context.Context, input SyncMessagesInput) (map[string]any, error) {
	channelDiscordID := strings.TrimSpace(input.ChannelDiscordID)
	if channelDiscordID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "channelDiscordId is required", nil)
	}
	channel, err := s.store.GetChannelByDiscordID(ctx, channelDiscordID)
	if err != nil {
		return nil, err
	}
	if !channel.IndexingEnabled {
		return nil, domainError(http.StatusUnprocessableEntity, "INDEXING_DISABLED", "indexing is disabled for this channel", map[string]any{
			"channelDiscordId": channelDiscordID,
		})
	}

	authorIDs := make([]string, 0, len(input.Messages))
	seenAuthors := make(map[string]struct{}, len(input.Messages))
	for _, m := range input.Messages {
		if m.Author.ID == "" {
			continue
		}
		if _, ok := seenAuthors[m.Author.ID]; ok {
			continue
		}
		seenAuthors[m.Author.ID] = struct{}{}
		authorIDs = append(authorIDs, m.Author.ID)
	}

	ignoredIDs, err := s.store.ListIgnoredAccountIDs(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	ignored := make(map[string]struct{}, len(ignoredIDs))
	for _, id := range ignoredIDs {
		ignored[id] = struct{}{}
	}

	settingsRows, err := s.store.GetUserServerSettingsBulk(ctx, channel.ServerID, authorIDs)
	if err != nil {
		return nil, err
	}
	optedOut := make(map[string]struct{})
	users := make(map[string]*visibility.UserContext, len(settingsRows))
	for i := range settingsRows {
		if settingsRows[i].MessageIndexingDisabled {
			optedOut[settingsRows[i].UserID] = struct{}{}
		}
		users[settingsRows[i].UserID] = visibility.UserContextFromSettings(&settingsRows[i])
	}

	accepted := make([]SyncMessageInput, 0, len(input.Messages))
	skipped := 0
	for _, m := range input.Messages {
		if strings.TrimSpace(m.DiscordID) == "" || m.Author.ID == "" {
			skipped++
			continue
		}
		if _, ok := ignored[m.Author.ID]; ok {
			skipped++
			continue
		}
		if _, ok := optedOut[m.Author.ID]; ok {
			skipped++
			continue
		}
		accepted = append(accepted, m)
	}

	if len(accepted) > 0 {
		if err := s.ingestMessages(ctx, channel, accepted, users); err != nil {
			return nil, err
		}
	}

	// The cursor covers every message the bot handed us, skipped ones
	// included, so opted-out history is not re-offered on the next sweep.
	cursor := ""
	if channel.LastIndexedMessageID != nil {
		cursor = *channel.LastIndexedMessageID
	}
	advanced := false
	for _, m := range input.Messages {
		if id := strings.TrimSpace(m.DiscordID); id != "" && laterSnowflake(id, cursor) {
			cursor = id
			advanced = true
		}
	}
	if advanced {
		if err := s.store.SetChannelCursor(ctx, channel.ID, cursor); err != nil {
			return nil, err
		}
		s.publish(ctx, "channels", channel.ID)
	}

	return map[string]any{
		"accepted": len(accepted),
		"skipped":  skipped,
		"cursor":   cursor,
	}, nil
}

// ingestMessages stores one accepted batch: authors, messages, attachments
// and reactions, then pushes the rows into the search index under the
// server's current visibility context.
func (s *Service) ingestMessages(ctx context.Context, channel store.Channel, batch []SyncMessageInput, users map[string]*visibility.UserContext) error {
	accounts := make([]store.DiscordAccount, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		if _, ok := seen[m.Author.ID]; ok {
			continue
		}
		seen[m.Author.ID] = struct{}{}
		accounts = append(accounts, store.DiscordAccount{
			ID:     m.Author.ID,
			Name:   m.Author.Name,
			Avatar: m.Author.Avatar,
		})
	}
	if err := s.store.UpsertDiscordAccounts(ctx, accounts); err != nil {
		return err
	}

	// Re-synced messages must keep their internal ids, so look up what
	// already exists before minting new ones.
	discordIDs := make([]string, 0, len(batch))
	for _, m := range batch {
		discordIDs = append(discordIDs, m.DiscordID)
	}
	existing, err := s.store.ListMessagesByDiscordIDs(ctx, discordIDs)
	if err != nil {
		return err
	}
	idByDiscord := make(map[string]string, len(batch))
	for _, m := range existing {
		idByDiscord[m.DiscordID] = m.ID
	}
	for _, m := range batch {
		if _, ok := idByDiscord[m.DiscordID]; !ok {
			idByDiscord[m.DiscordID] = util.NewID("msg")
		}
	}

	// Reply targets resolve against the batch first, then the store. A
	// reply to a message we never indexed just loses its link.
	missing := make([]string, 0)
	for _, m := range batch {
		if m.ReplyToDiscordID == nil {
			continue
		}
		if _, ok := idByDiscord[*m.ReplyToDiscordID]; !ok {
			missing = append(missing, *m.ReplyToDiscordID)
		}
	}
	if len(missing) > 0 {
		targets, err := s.store.ListMessagesByDiscordIDs(ctx, missing)
		if err != nil {
			return err
		}
		for _, m := range targets {
			idByDiscord[m.DiscordID] = m.ID
		}
	}

	rows := make([]store.Message, 0, len(batch))
	for _, m := range batch {
		var replyTo *string
		if m.ReplyToDiscordID != nil {
			if id, ok := idByDiscord[*m.ReplyToDiscordID]; ok {
				resolved := id
				replyTo = &resolved
			}
		}
		rows = append(rows, store.Message{
			ID:        idByDiscord[m.DiscordID],
			DiscordID: m.DiscordID,
			ChannelID: channel.ID,
			ServerID:  channel.ServerID,
			AuthorID:  m.Author.ID,
			Content:   m.Content,
			ReplyToID: replyTo,
			Pinned:    m.Pinned,
			EditedAt:  m.EditedAt,
			CreatedAt: m.CreatedAt.UTC(),
		})
	}
	if err := s.store.UpsertMessages(ctx, rows); err != nil {
		return err
	}

	attachments := make([]store.Attachment, 0)
	for _, m := range batch {
		messageID := idByDiscord[m.DiscordID]
		for _, a := range m.Attachments {
			attachments = append(attachments, store.Attachment{
				ID:          util.NewID("att"),
				DiscordID:   a.DiscordID,
				MessageID:   messageID,
				Filename:    a.Filename,
				ContentType: a.ContentType,
				Size:        a.Size,
				URL:         a.URL,
			})
		}
	}
	if len(attachments) > 0 {
		if err := s.store.UpsertAttachments(ctx, attachments); err != nil {
			return err
		}
	}

	for _, m := range batch {
		reactions := make([]store.Reaction, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			reactions = append(reactions, store.Reaction{
				MessageID: idByDiscord[m.DiscordID],
				Emoji:     r.Emoji,
				Count:     r.Count,
			})
		}
		if err := s.store.ReplaceReactions(ctx, idByDiscord[m.DiscordID], reactions); err != nil {
			return err
		}
	}

	prefs, err := s.store.GetServerPreferences(ctx, channel.ServerID)
	if err != nil {
		return err
	}
	server := visibility.ServerContextFromPreferences(prefs)
	records := make([]search.MessageRecord, 0, len(rows))
	for _, m := range rows {
		records = append(records, search.MessageRecord{
			ID:        m.ID,
			DiscordID: m.DiscordID,
			ChannelID: m.ChannelID,
			ServerID:  m.ServerID,
			Content:   m.Content,
			Public:    visibility.IsMessagePublic(server, users[m.AuthorID]),
		})
	}
	s.search.IndexMessages(records)

	observability.AddMessagesIngested(len(rows))

	for _, account := range accounts {
		s.publish(ctx, "discord_accounts", account.ID)
	}
	s.publish(ctx, "messages", rows[len(rows)-1].ID)
	return nil
}

func (s *Service) DeleteMessageByDiscordID(ctx context.Context, discordID string) (map[string]any, error) {
	message, err := s.store.GetMessageByDiscordID(ctx, discordID)
	if err != nil {
		return nil, err
	}

	attachments, err := s.store.ListAttachmentsByMessageIDs(ctx, []string{message.ID})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(attachments))
	for _, a := range attachments {
		if a.ObjectKey != nil {
			keys = append(keys, *a.ObjectKey)
		}
	}

	if err := s.store.DeleteMessage(ctx, message.ID); err != nil {
		return nil, err
	}

	s.search.DeleteMessages([]string{message.ID})
	s.removeBlobs(keys)
	s.publish(ctx, "messages", message.ID)

	return map[string]any{"deleted": true}, nil
}

// SyncAttachmentBlob mirrors an attachment's bytes into object storage so the
// public page survives Discord CDN link expiry.
func (s *Service) SyncAttachmentBlob(ctx context.Context, attachmentID, contentType string, size int64, body io.Reader) (map[string]any, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_DISABLED", "attachment mirroring is not configured", nil)
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}

	if contentType == "" && attachment.ContentType != nil {
		contentType = *attachment.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if size <= 0 {
		size = -1
	}

	key := storage.ObjectKey(attachment.ID, attachment.Filename)
	if err := s.blobs.Put(ctx, key, body, size, contentType); err != nil {
		return nil, fmt.Errorf("mirror attachment %s: %w", attachment.ID, err)
	}
	if err := s.store.SetAttachmentObjectKey(ctx, attachment.ID, key); err != nil {
		return nil, err
	}
	attachment.ObjectKey = &key

	s.publish(ctx, "attachments", attachment.ID)

	return map[string]any{"attachment": attachmentPayload(attachment)}, nil
}

// --- public reads ---

func (s *Service) Search(ctx context.Context, input SearchInput) (map[string]any, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}

	var filterType search.ResultType
	switch strings.TrimSpace(input.Type) {
	case "":
	case "message":
		filterType = search.ResultMessage
	case "server":
		filterType = search.ResultServer
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be message or server", nil)
	}

	limit := input.Limit
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	page := input.Page
	if page < 0 {
		page = 0
	}

	q := search.Query{
		Text:            text,
		FilterType:      filterType,
		FilterChannelID: strings.TrimSpace(input.ChannelID),
		Limit:           limit,
		Offset:          page * limit,
		PublicOnly:      true,
	}
	if serverDiscordID := strings.TrimSpace(input.ServerDiscordID); serverDiscordID != "" {
		server, err := s.store.GetServerByDiscordID(ctx, serverDiscordID)
		if err != nil {
			return nil, err
		}
		q.FilterServerID = server.ID
	}

	resp := s.search.Search(q)

	// Index entries can trail the store, so message hits are candidates
	// only: re-fetch the rows and let the visibility engine decide again
	// before anything leaves the API.
	messageIDs := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Type == search.ResultMessage {
			messageIDs = append(messageIDs, r.ID)
		}
	}
	publicRows := make(map[string]visibility.MessageWithAuthor, len(messageIDs))
	if len(messageIDs) > 0 {
		rows, err := s.store.ListMessagesByIDs(ctx, messageIDs)
		if err != nil {
			return nil, err
		}
		sanitized, err := visibility.GetSanitizedMessages(ctx, s.store, rows)
		if err != nil {
			return nil, err
		}
		for _, row := range sanitized {
			if row.Message.Public {
				publicRows[row.Message.ID] = row
			}
		}
	}

	results := make([]map[string]any, 0, len(resp.Results))
	dropped := 0
	for _, r := range resp.Results {
		if r.Type == search.ResultServer {
			results = append(results, map[string]any{
				"type":     string(r.Type),
				"id":       r.ID,
				"title":    r.Title,
				"snippet":  r.Snippet,
				"serverId": r.ServerID,
			})
			continue
		}
		row, ok := publicRows[r.ID]
		if !ok {
			dropped++
			continue
		}
		results = append(results, map[string]any{
			"type":      string(r.Type),
			"id":        r.ID,
			"snippet":   r.Snippet,
			"serverId":  row.Message.ServerID,
			"channelId": row.Message.ChannelID,
			"message": map[string]any{
				"discordId": row.Message.DiscordID,
				"content":   row.Message.Content,
				"createdAt": row.Message.CreatedAt,
				"author":    authorPayload(row.Author),
			},
		})
	}

	return map[string]any{
		"results": results,
		"total":   resp.Total - dropped,
		"query":   text,
		"page":    page,
	}, nil
}

func (s *Service) ServerByDiscordID(ctx context.Context, discordID string) (map[string]any, error) {
	server, err := s.store.GetServerByDiscordID(ctx, discordID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"server": serverPayload(server)}, nil
}

func (s *Service) ServerChannels(ctx context.Context, discordID string) (map[string]any, error) {
	server, err := s.store.GetServerByDiscordID(ctx, discordID)
	if err != nil {
		return nil, err
	}
	channels, err := s.store.ListChannelsByServer(ctx, server.ID, true)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(channels))
	for _, channel := range channels {
		payloads = append(payloads, channelPayload(channel))
	}
	return map[string]any{
		"server":   serverPayload(server),
		"channels": payloads,
	}, nil
}

func (s *Service) RecentThreads(ctx context.Context, channelID string, limit int) (map[string]any, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.IndexingEnabled {
		return nil, sql.ErrNoRows
	}

	threads, err := s.store.ListRecentThreads(ctx, channel.ID, limit)
	if err != nil {
		return nil, err
	}
	threadIDs := make([]string, 0, len(threads))
	for _, t := range threads {
		threadIDs = append(threadIDs, t.ID)
	}

	// One query for every opener, one visibility pass for the lot.
	openers, err := s.store.ListFirstThreadMessages(ctx, threadIDs)
	if err != nil {
		return nil, err
	}
	sanitized, err := visibility.GetSanitizedMessagesForServer(ctx, s.store, channel.ServerID, openers)
	if err != nil {
		return nil, err
	}
	openerPayloads, err := s.messageListPayload(ctx, sanitized)
	if err != nil {
		return nil, err
	}
	openerByThread := make(map[string]map[string]any, len(openerPayloads))
	for i, row := range sanitized {
		openerByThread[row.Message.ChannelID] = openerPayloads[i]
	}

	items := make([]map[string]any, 0, len(threads))
	for _, t := range threads {
		item := map[string]any{
			"channel":      channelPayload(t),
			"firstMessage": nil,
		}
		if opener, ok := openerByThread[t.ID]; ok {
			item["firstMessage"] = opener
		}
		items = append(items, item)
	}

	return map[string]any{
		"channel": channelPayload(channel),
		"threads": items,
	}, nil
}

func (s *Service) ChannelMessages(ctx context.Context, channelID, before string, limit int) (map[string]any, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.IndexingEnabled {
		return nil, sql.ErrNoRows
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	messages, err := s.store.ListChannelMessages(ctx, channel.ID, before, limit)
	if err != nil {
		return nil, err
	}
	sanitized, err := visibility.GetSanitizedMessagesForServer(ctx, s.store, channel.ServerID, messages)
	if err != nil {
		return nil, err
	}
	payloads, err := s.messageListPayload(ctx, sanitized)
	if err != nil {
		return nil, err
	}

	var nextBefore any
	if len(messages) == limit {
		nextBefore = messages[len(messages)-1].DiscordID
	}

	return map[string]any{
		"channel":    channelPayload(channel),
		"messages":   payloads,
		"nextBefore": nextBefore,
	}, nil
}

// MessagePage assembles the public page for one message: the message, the
// thread conversation around it when there is one, and the channel and
// server it lives in.
func (s *Service) MessagePage(ctx context.Context, discordID string) (map[string]any, error) {
	root, err := s.store.GetMessageByDiscordID(ctx, discordID)
	if err != nil {
		return nil, err
	}
	channel, err := s.store.GetChannel(ctx, root.ChannelID)
	if err != nil {
		return nil, err
	}
	if !channel.IndexingEnabled {
		return nil, sql.ErrNoRows
	}
	server, err := s.store.GetServer(ctx, root.ServerID)
	if err != nil {
		return nil, err
	}

	var (
		thread        *store.Channel
		parentChannel = channel
		rows          []store.Message
	)
	if channel.ParentID != nil {
		// The message sits inside a thread; the page shows the whole thread.
		thread = &channel
		parentChannel, err = s.store.GetChannel(ctx, *channel.ParentID)
		if err != nil {
			return nil, err
		}
		rows, err = s.store.ListThreadMessages(ctx, channel.ID, 0)
		if err != nil {
			return nil, err
		}
	} else {
		// A thread spawned from a message shares its discord id.
		spawned, err := s.store.GetChannelByDiscordID(ctx, root.DiscordID)
		switch {
		case err == nil && spawned.ParentID != nil:
			thread = &spawned
			more, lerr := s.store.ListThreadMessages(ctx, spawned.ID, 0)
			if lerr != nil {
				return nil, lerr
			}
			rows = append([]store.Message{root}, more...)
		case err == nil || errors.Is(err, sql.ErrNoRows):
			replies, lerr := s.store.ListMessageReplies(ctx, root.ID, 0)
			if lerr != nil {
				return nil, lerr
			}
			rows = append([]store.Message{root}, replies...)
		default:
			return nil, err
		}
	}

	sanitized, err := visibility.GetSanitizedMessagesForServer(ctx, s.store, server.ID, rows)
	if err != nil {
		return nil, err
	}
	payloads, err := s.messageListPayload(ctx, sanitized)
	if err != nil {
		return nil, err
	}

	var rootPayload map[string]any
	for i, row := range sanitized {
		if row.Message.ID == root.ID {
			rootPayload = payloads[i]
			break
		}
	}

	var threadPayload map[string]any
	if thread != nil {
		threadPayload = channelPayload(*thread)
	}

	return map[string]any{
		"message":  rootPayload,
		"messages": payloads,
		"channel":  channelPayload(parentChannel),
		"thread":   threadPayload,
		"server":   serverPayload(server),
	}, nil
}

// AttachmentRedirectURL resolves where GET /api/attachments/{id} should send
// the client: the mirrored object when we have one, the original CDN URL
// otherwise. Attachments of non-public messages resolve to not found.
func (s *Service) AttachmentRedirectURL(ctx context.Context, attachmentID string) (string, error) {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return "", err
	}

	rows, err := s.store.ListMessagesByIDs(ctx, []string{attachment.MessageID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", sql.ErrNoRows
	}
	sanitized, err := visibility.GetSanitizedMessagesForServer(ctx, s.store, rows[0].ServerID, rows)
	if err != nil {
		return "", err
	}
	if len(sanitized) == 0 || !sanitized[0].Message.Public {
		return "", sql.ErrNoRows
	}

	if s.blobs != nil && attachment.ObjectKey != nil {
		url, err := s.blobs.PresignedGet(ctx, *attachment.ObjectKey, 15*time.Minute)
		if err == nil {
			return url, nil
		}
		log.Printf("storage: presign %s: %v", *attachment.ObjectKey, err)
	}
	return attachment.URL, nil
}

// --- manage ---

func (s *Service) UpdateServerPreferences(ctx context.Context, serverID string, input PreferencesInput) (map[string]any, error) {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	prefs, err := s.store.UpsertServerPreferences(ctx, server.ID, input.ConsiderAllMessagesPublic, input.AnonymizeMessages)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, "server_preferences", server.ID)
	// The index stores visibility at index time; a flipped server default
	// invalidates every message on the server.
	go s.search.ReindexServerMessages(context.Background(), server.ID)

	return map[string]any{"preferences": preferencesPayload(prefs)}, nil
}

// UserConsent reads one user's consent record on a server, with defaults in
// place of a missing row, so the dashboard shows current state before edits.
func (s *Service) UserConsent(ctx context.Context, serverID, userID string) (map[string]any, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	settings, err := s.store.GetUserServerSettings(ctx, userID, server.ID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = &store.UserServerSettings{UserID: userID, ServerID: server.ID}
	}
	ignored, err := s.store.IsIgnoredAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"settings": settingsPayload(*settings),
		"ignored":  ignored,
	}, nil
}

func (s *Service) UpdateUserConsent(ctx context.Context, serverID, userID string, input ConsentInput) (map[string]any, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	settings, err := s.store.UpsertUserServerSettings(ctx, userID, server.ID, input.CanPubliclyDisplayMessages, input.MessageIndexingDisabled)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, "user_server_settings", userID)
	go s.search.ReindexAuthorMessages(context.Background(), server.ID, userID)

	return map[string]any{"settings": settingsPayload(settings)}, nil
}

// IgnoreAccount erases a user on their request: the mark stops future
// ingestion, the purge removes what is already stored.
func (s *Service) IgnoreAccount(ctx context.Context, userID string) (map[string]any, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}

	if err := s.store.InsertIgnoredAccount(ctx, userID); err != nil {
		return nil, err
	}
	messageIDs, objectKeys, err := s.store.PurgeAuthorMessages(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.search.DeleteMessages(messageIDs)
	s.removeBlobs(objectKeys)
	s.publish(ctx, "messages", userID)
	s.publish(ctx, "discord_accounts", userID)

	return map[string]any{
		"ignored":        true,
		"purgedMessages": len(messageIDs),
	}, nil
}

func (s *Service) UnignoreAccount(ctx context.Context, userID string) (map[string]any, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if err := s.store.DeleteIgnoredAccount(ctx, userID); err != nil {
		return nil, err
	}
	return map[string]any{"ignored": false}, nil
}

func (s *Service) ServerDashboard(ctx context.Context, serverID string) (map[string]any, error) {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.GetServerCounts(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	prefs, err := s.store.GetServerPreferences(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	channels, err := s.store.ListChannelsByServer(ctx, server.ID, false)
	if err != nil {
		return nil, err
	}

	channelPayloads := make([]map[string]any, 0, len(channels))
	for _, channel := range channels {
		channelPayloads = append(channelPayloads, channelPayload(channel))
	}

	var prefsPayload map[string]any
	if prefs != nil {
		prefsPayload = preferencesPayload(*prefs)
	}

	return map[string]any{
		"server": serverPayload(server),
		"counts": map[string]any{
			"channels":        counts.Channels,
			"messages":        counts.Messages,
			"consentingUsers": counts.ConsentingUsers,
		},
		"preferences": prefsPayload,
		"channels":    channelPayloads,
	}, nil
}

// --- live queries ---

// RegisterQueries exposes the read operations under stable names for live
// subscriptions. Declared tables decide which feed events re-run a query.
func (s *Service) RegisterQueries(r *queries.Registry) {
	messageTables := []string{
		"servers", "channels", "messages", "attachments", "reactions",
		"discord_accounts", "server_preferences", "user_server_settings",
	}

	r.Register("serverByDiscordId", []string{"servers"}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			DiscordID string `json:"discordId"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return s.ServerByDiscordID(ctx, in.DiscordID)
	})

	r.Register("serverChannels", []string{"servers", "channels"}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			DiscordID string `json:"discordId"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return s.ServerChannels(ctx, in.DiscordID)
	})

	r.Register("recentThreads", messageTables, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			ChannelID string `json:"channelId"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return s.RecentThreads(ctx, in.ChannelID, in.Limit)
	})

	r.Register("channelMessages", messageTables, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			ChannelID string `json:"channelId"`
			Before    string `json:"before"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return s.ChannelMessages(ctx, in.ChannelID, in.Before, in.Limit)
	})

	r.Register("messagePage", messageTables, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			DiscordID string `json:"discordId"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return s.MessagePage(ctx, in.DiscordID)
	})

	r.Register("serverDashboard", []string{
		"servers", "channels", "messages", "server_preferences", "user_server_settings",
	}, func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			ServerID string `json:"serverId"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return s.ServerDashboard(ctx, in.ServerID)
	})
}

// --- payloads ---

// messageListPayload turns sanitized rows into response payloads, hydrating
// attachments and reactions for the whole list in two queries.
func (s *Service) messageListPayload(ctx context.Context, rows []visibility.MessageWithAuthor) ([]map[string]any, error) {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Message.ID)
	}

	attachments, err := s.store.ListAttachmentsByMessageIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	attachmentsByMessage := make(map[string][]store.Attachment)
	for _, a := range attachments {
		attachmentsByMessage[a.MessageID] = append(attachmentsByMessage[a.MessageID], a)
	}

	reactions, err := s.store.ListReactionsByMessageIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	reactionsByMessage := make(map[string][]store.Reaction)
	for _, r := range reactions {
		reactionsByMessage[r.MessageID] = append(reactionsByMessage[r.MessageID], r)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, messagePayload(row, attachmentsByMessage[row.Message.ID], reactionsByMessage[row.Message.ID]))
	}
	return out, nil
}

// messagePayload renders one sanitized message. Non-public messages keep
// their place in the conversation but lose content and files; reactions are
// aggregate counts and stay.
func messagePayload(row visibility.MessageWithAuthor, attachments []store.Attachment, reactions []store.Reaction) map[string]any {
	m := row.Message

	attachmentPayloads := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		attachmentPayloads = append(attachmentPayloads, attachmentPayload(a))
	}
	reactionPayloads := make([]map[string]any, 0, len(reactions))
	for _, r := range reactions {
		reactionPayloads = append(reactionPayloads, map[string]any{
			"emoji": r.Emoji,
			"count": r.Count,
		})
	}

	payload := map[string]any{
		"id":          m.ID,
		"discordId":   m.DiscordID,
		"channelId":   m.ChannelID,
		"serverId":    m.ServerID,
		"content":     m.Content,
		"replyToId":   m.ReplyToID,
		"pinned":      m.Pinned,
		"editedAt":    m.EditedAt,
		"createdAt":   m.CreatedAt,
		"public":      m.Public,
		"author":      authorPayload(row.Author),
		"attachments": attachmentPayloads,
		"reactions":   reactionPayloads,
	}
	if !m.Public {
		payload["content"] = ""
		payload["attachments"] = []map[string]any{}
	}
	return payload
}

// authorPayload renders a sanitized author. An anonymized author exposes no
// id: the pseudonym is the only stable handle the public surface gets.
func authorPayload(author *visibility.SanitizedAuthor) map[string]any {
	if author == nil {
		return nil
	}
	if !author.Public {
		return map[string]any{
			"name":   author.Name,
			"avatar": nil,
			"public": false,
		}
	}
	return map[string]any{
		"id":     author.ID,
		"name":   author.Name,
		"avatar": author.Avatar,
		"public": true,
	}
}

func serverPayload(server store.Server) map[string]any {
	return map[string]any{
		"id":          server.ID,
		"discordId":   server.DiscordID,
		"name":        server.Name,
		"icon":        server.Icon,
		"description": server.Description,
		"kickedAt":    server.KickedAt,
	}
}

func channelPayload(channel store.Channel) map[string]any {
	return map[string]any{
		"id":              channel.ID,
		"discordId":       channel.DiscordID,
		"serverId":        channel.ServerID,
		"parentId":        channel.ParentID,
		"name":            channel.Name,
		"type":            channel.Type,
		"indexingEnabled": channel.IndexingEnabled,
	}
}

func attachmentPayload(attachment store.Attachment) map[string]any {
	return map[string]any{
		"id":          attachment.ID,
		"discordId":   attachment.DiscordID,
		"filename":    attachment.Filename,
		"contentType": attachment.ContentType,
		"size":        attachment.Size,
		"url":         attachment.URL,
		"mirrored":    attachment.ObjectKey != nil,
	}
}

func preferencesPayload(prefs store.ServerPreferences) map[string]any {
	return map[string]any{
		"serverId":                  prefs.ServerID,
		"considerAllMessagesPublic": prefs.ConsiderAllMessagesPublic,
		"anonymizeMessages":         prefs.AnonymizeMessages,
	}
}

func settingsPayload(settings store.UserServerSettings) map[string]any {
	return map[string]any{
		"userId":                     settings.UserID,
		"serverId":                   settings.ServerID,
		"canPubliclyDisplayMessages": settings.CanPubliclyDisplayMessages,
		"messageIndexingDisabled":    settings.MessageIndexingDisabled,
	}
}

// --- helpers ---

func (s *Service) publish(ctx context.Context, table, id string) {
	if err := s.feed.Publish(ctx, table, id); err != nil {
		log.Printf("feed: publish %s/%s: %v", table, id, err)
	}
}

// removeBlobs deletes mirrored objects off the request path; a failed delete
// only strands a blob, it never blocks the row-level cleanup that mattered.
func (s *Service) removeBlobs(keys []string) {
	if s.blobs == nil || len(keys) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, key := range keys {
			if err := s.blobs.Remove(ctx, key); err != nil {
				log.Printf("storage: remove %s: %v", key, err)
			}
		}
	}()
}

// laterSnowflake reports whether a sorts after b as Discord snowflakes:
// numeric strings without leading zeros, so longer means larger.
func laterSnowflake(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}
