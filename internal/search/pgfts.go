package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// publicGateSQL mirrors the visibility engine's public rule in SQL: the
// server override wins, else the author's explicit consent; absent rows
// count as false on both sides.
const publicGateSQL = "(coalesce(sp.consider_all_messages_public, false) OR coalesce(uss.can_publicly_display_messages, false))"

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across messages and servers using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Messages sub-query
	if q.FilterType == "" || q.FilterType == ResultMessage {
		msgWhere := "m.fts @@ " + tsQuery
		if q.FilterServerID != "" {
			msgWhere += fmt.Sprintf(" AND m.server_id = $%d", argN)
			args = append(args, q.FilterServerID)
			argN++
		}
		if q.FilterChannelID != "" {
			msgWhere += fmt.Sprintf(" AND m.channel_id = $%d", argN)
			args = append(args, q.FilterChannelID)
			argN++
		}
		if q.PublicOnly {
			msgWhere += " AND " + publicGateSQL
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, ''::text AS title,
				ts_headline('english', coalesce(m.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.server_id, m.channel_id,
				%s AS public,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			LEFT JOIN server_preferences sp ON sp.server_id = m.server_id
			LEFT JOIN user_server_settings uss ON uss.server_id = m.server_id AND uss.user_id = m.author_id
			WHERE %s`, tsQuery, publicGateSQL, tsQuery, msgWhere))
	}

	// Servers sub-query; a channel-scoped search can only hit messages.
	if (q.FilterType == "" || q.FilterType == ResultServer) && q.FilterChannelID == "" {
		srvWhere := "s.fts @@ " + tsQuery + " AND s.kicked_at IS NULL"
		if q.FilterServerID != "" {
			srvWhere += fmt.Sprintf(" AND s.id = $%d", argN)
			args = append(args, q.FilterServerID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'server'::text AS type, s.id, s.name AS title,
				ts_headline('english', coalesce(s.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.id AS server_id, ''::text AS channel_id,
				true AS public,
				ts_rank(s.fts, %s) AS rank
			FROM servers s
			WHERE %s`, tsQuery, tsQuery, srvWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	// Count query
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	// Data query
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, server_id, channel_id, public
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ServerID, &r.ChannelID, &r.Public); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable records for full reindexing, with
// each message's public flag computed the same way the read path does.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, []ServerRecord, error) {
	msgRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.discord_id, m.channel_id, m.server_id, m.content,
			`+publicGateSQL+` AS public
		FROM messages m
		LEFT JOIN server_preferences sp ON sp.server_id = m.server_id
		LEFT JOIN user_server_settings uss ON uss.server_id = m.server_id AND uss.user_id = m.author_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()

	messages := make([]MessageRecord, 0)
	for msgRows.Next() {
		var r MessageRecord
		if err := msgRows.Scan(&r.ID, &r.DiscordID, &r.ChannelID, &r.ServerID, &r.Content, &r.Public); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, r)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	srvRows, err := p.db.QueryContext(ctx, `
		SELECT id, discord_id, name, coalesce(description, '')
		FROM servers
		WHERE kicked_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load servers: %w", err)
	}
	defer srvRows.Close()

	servers := make([]ServerRecord, 0)
	for srvRows.Next() {
		var r ServerRecord
		if err := srvRows.Scan(&r.ID, &r.DiscordID, &r.Name, &r.Description); err != nil {
			return nil, nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, r)
	}
	if err := srvRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate servers: %w", err)
	}

	return messages, servers, nil
}

// LoadServerMessages returns indexable records for one server, used when a
// preference change flips the server's public default.
func (p *PgFTS) LoadServerMessages(ctx context.Context, serverID string) ([]MessageRecord, error) {
	return p.loadMessages(ctx, "m.server_id = $1", serverID)
}

// LoadAuthorMessages returns indexable records for one author on one
// server, used when that author's consent changes.
func (p *PgFTS) LoadAuthorMessages(ctx context.Context, serverID, authorID string) ([]MessageRecord, error) {
	return p.loadMessages(ctx, "m.server_id = $1 AND m.author_id = $2", serverID, authorID)
}

func (p *PgFTS) loadMessages(ctx context.Context, where string, args ...any) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.discord_id, m.channel_id, m.server_id, m.content,
			`+publicGateSQL+` AS public
		FROM messages m
		LEFT JOIN server_preferences sp ON sp.server_id = m.server_id
		LEFT JOIN user_server_settings uss ON uss.server_id = m.server_id AND uss.user_id = m.author_id
		WHERE `+where,
		args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.DiscordID, &r.ChannelID, &r.ServerID, &r.Content, &r.Public); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
