// Package search provides full-text issue search backed by Meilisearch
// with a PostgreSQL FTS fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Category string `json:"category"`
	Ward     string `json:"ward"`
	Status   string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Category string // empty = all categories
	Ward     string
	Status   string
	Limit    int
	Offset   int
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

// IssueRecord is the data we index per issue.
type IssueRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Ward        string `json:"ward"`
	Status      string `json:"status"`
	Location    string `json:"location"`
}
