package search

import (
	"context"
	"log"

	"tapestry/api/internal/observability"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			observability.IncSearchRequest("meilisearch")
			return Response{Results: sanitizeResults(nonNil(results), q.PublicOnly), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	observability.IncSearchRequest("pgfts")
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: sanitizeResults(nonNil(results), q.PublicOnly), Total: total, Query: q.Text}
}

// IndexMessages indexes a batch of messages (fire-and-forget to Meilisearch).
func (s *Service) IndexMessages(records []MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexMessages(records); err != nil {
			log.Printf("search: index %d messages: %v", len(records), err)
		}
	}()
}

// IndexServer indexes a server (fire-and-forget to Meilisearch).
func (s *Service) IndexServer(record ServerRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexServers([]ServerRecord{record}); err != nil {
			log.Printf("search: index server %s: %v", record.ID, err)
		}
	}()
}

// DeleteMessages removes messages from the search index (fire-and-forget).
func (s *Service) DeleteMessages(ids []string) {
	if s.meili == nil || !s.meili.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.meili.DeleteMessages(ids); err != nil {
			log.Printf("search: delete %d messages: %v", len(ids), err)
		}
	}()
}

// DeleteServer removes a server from the search index (fire-and-forget).
func (s *Service) DeleteServer(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteServer(id); err != nil {
			log.Printf("search: delete server %s: %v", id, err)
		}
	}()
}

// ReindexServerMessages recomputes and re-pushes every message of a server,
// used after a preference change flips the server-wide public default.
func (s *Service) ReindexServerMessages(ctx context.Context, serverID string) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadServerMessages(ctx, serverID)
	if err != nil {
		log.Printf("search: reindex server %s load failed: %v", serverID, err)
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		log.Printf("search: reindex server %s: %v", serverID, err)
	}
}

// ReindexAuthorMessages recomputes and re-pushes one author's messages on
// one server, used after a consent change.
func (s *Service) ReindexAuthorMessages(ctx context.Context, serverID, authorID string) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAuthorMessages(ctx, serverID, authorID)
	if err != nil {
		log.Printf("search: reindex author %s load failed: %v", authorID, err)
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		log.Printf("search: reindex author %s: %v", authorID, err)
	}
}

// NeedsBootstrap reports whether Meilisearch is up but has not been seeded:
// healthy, zero indexed messages, and rowCount stored messages in Postgres.
func (s *Service) NeedsBootstrap(rowCount int) bool {
	if s.meili == nil || !s.meili.Healthy() || rowCount == 0 {
		return false
	}
	indexed, err := s.meili.MessagesIndexed()
	if err != nil {
		log.Printf("search: bootstrap stats check: %v", err)
		return false
	}
	return indexed == 0
}

// ReindexAllFromPG reindexes all messages and servers from PostgreSQL into
// Meilisearch. Called during bootstrap when the index is empty but the
// store is not.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	messages, servers, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(messages) > 0 {
		if err := s.meili.IndexMessages(messages); err != nil {
			log.Printf("search: reindex messages: %v", err)
		}
	}
	if len(servers) > 0 {
		if err := s.meili.IndexServers(servers); err != nil {
			log.Printf("search: reindex servers: %v", err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// sanitizeResults drops message hits whose index-time public flag is stale
// or false; the read path re-verifies the survivors against live data.
func sanitizeResults(results []Result, publicOnly bool) []Result {
	if !publicOnly {
		return results
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if result.Type == ResultMessage && !result.Public {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
