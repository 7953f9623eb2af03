package visibility

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"tapestry/api/internal/store"
)

// ContextSource supplies the rows a visibility decision is judged under.
// The Postgres store satisfies it; tests use function-field fakes.
type ContextSource interface {
	GetServerPreferences(ctx context.Context, serverID string) (*store.ServerPreferences, error)
	GetUserServerSettingsBulk(ctx context.Context, serverID string, userIDs []string) ([]store.UserServerSettings, error)
	GetDiscordAccountsByIDs(ctx context.Context, ids []string) ([]store.DiscordAccount, error)
}

// GetSanitizedMessages sanitizes a mixed-server batch. Messages are grouped
// by server first so each server's preferences and each author's settings
// are fetched once per server rather than once per message; the per-server
// fetches fan out concurrently. Output order matches input order.
func GetSanitizedMessages(ctx context.Context, src ContextSource, messages []store.Message) ([]MessageWithAuthor, error) {
	out := make([]MessageWithAuthor, len(messages))
	if len(messages) == 0 {
		return out, nil
	}

	byServer := make(map[string][]int)
	for i, message := range messages {
		byServer[message.ServerID] = append(byServer[message.ServerID], i)
	}

	var (
		mu       sync.Mutex
		authors  map[string]store.DiscordAccount
		contexts = make(map[string]serverBatchContext, len(byServer))
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		accounts, err := src.GetDiscordAccountsByIDs(gctx, distinctAuthorIDs(messages, nil))
		if err != nil {
			return fmt.Errorf("fetch authors: %w", err)
		}
		byID := make(map[string]store.DiscordAccount, len(accounts))
		for _, account := range accounts {
			byID[account.ID] = account
		}
		mu.Lock()
		authors = byID
		mu.Unlock()
		return nil
	})

	for serverID, indexes := range byServer {
		serverID, indexes := serverID, indexes
		g.Go(func() error {
			batch, err := fetchServerBatchContext(gctx, src, serverID, distinctAuthorIDs(messages, indexes))
			if err != nil {
				return err
			}
			mu.Lock()
			contexts[serverID] = batch
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for serverID, indexes := range byServer {
		batch := contexts[serverID]
		group := make([]store.Message, 0, len(indexes))
		for _, i := range indexes {
			group = append(group, messages[i])
		}
		sanitized := ApplyToMessages(group, batch.server, authors, batch.users)
		for pos, i := range indexes {
			out[i] = sanitized[pos]
		}
	}
	return out, nil
}

// GetSanitizedMessagesForServer sanitizes a batch already known to share one
// server, skipping the grouping step.
func GetSanitizedMessagesForServer(ctx context.Context, src ContextSource, serverID string, messages []store.Message) ([]MessageWithAuthor, error) {
	if len(messages) == 0 {
		return []MessageWithAuthor{}, nil
	}

	authorIDs := distinctAuthorIDs(messages, nil)
	batch, err := fetchServerBatchContext(ctx, src, serverID, authorIDs)
	if err != nil {
		return nil, err
	}

	accounts, err := src.GetDiscordAccountsByIDs(ctx, authorIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch authors: %w", err)
	}
	authors := make(map[string]store.DiscordAccount, len(accounts))
	for _, account := range accounts {
		authors[account.ID] = account
	}

	return ApplyToMessages(messages, batch.server, authors, batch.users), nil
}

type serverBatchContext struct {
	server ServerContext
	users  map[string]*UserContext
}

func fetchServerBatchContext(ctx context.Context, src ContextSource, serverID string, authorIDs []string) (serverBatchContext, error) {
	prefs, err := src.GetServerPreferences(ctx, serverID)
	if err != nil {
		return serverBatchContext{}, fmt.Errorf("fetch server preferences: %w", err)
	}

	settings, err := src.GetUserServerSettingsBulk(ctx, serverID, authorIDs)
	if err != nil {
		return serverBatchContext{}, fmt.Errorf("fetch user settings: %w", err)
	}

	users := make(map[string]*UserContext, len(settings))
	for i := range settings {
		users[settings[i].UserID] = UserContextFromSettings(&settings[i])
	}
	return serverBatchContext{
		server: ServerContextFromPreferences(prefs),
		users:  users,
	}, nil
}

// distinctAuthorIDs collects unique author ids, over the whole slice when
// indexes is nil or over just the indexed messages otherwise. Order follows
// first appearance so fetches stay deterministic.
func distinctAuthorIDs(messages []store.Message, indexes []int) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	add := func(m store.Message) {
		if _, ok := seen[m.AuthorID]; ok {
			return
		}
		seen[m.AuthorID] = struct{}{}
		ids = append(ids, m.AuthorID)
	}
	if indexes == nil {
		for _, m := range messages {
			add(m)
		}
		return ids
	}
	for _, i := range indexes {
		add(messages[i])
	}
	return ids
}
