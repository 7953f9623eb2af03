package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultMessage ResultType = "message"
	ResultServer  ResultType = "server"
)

// Result is a single search hit returned to the caller. Message hits are
// candidates only; the read path re-fetches and re-sanitizes them before
// anything leaves the API.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ServerID  string     `json:"serverId"`
	ChannelID string     `json:"channelId,omitempty"`
	Public    bool       `json:"public"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterServerID  string
	FilterChannelID string // message hits only; implies FilterType message
	Limit           int
	Offset          int
	PublicOnly      bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexMessages(records []MessageRecord) error
	IndexServers(records []ServerRecord) error
	DeleteMessages(ids []string) error
	DeleteServer(id string) error
}

// MessageRecord is the data we index for a message. Public is the
// visibility flag at index time; it pre-filters public searches but the
// read path recomputes it.
type MessageRecord struct {
	ID        string `json:"id"`
	DiscordID string `json:"discordId"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	Content   string `json:"content"`
	Public    bool   `json:"public"`
}

// ServerRecord is the data we index for a server.
type ServerRecord struct {
	ID          string `json:"id"`
	DiscordID   string `json:"discordId"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
