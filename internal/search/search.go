package search

import "time"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultContent ResultType = "content"
	ResultStory   ResultType = "story"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	AuthorID string     `json:"authorId"`
	PostedAt time.Time  `json:"postedAt"`
}

// Query describes a search request. ExcludeAuthorID drops hits authored by
// that user; the mention scanner uses it to skip self-mentions.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	ExcludeAuthorID string
	Limit           int
	Offset          int
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
	IndexContent(c ContentRecord) error
	IndexStory(s StoryRecord) error
	DeleteContent(id string) error
}

// ContentRecord is the data we index for a content post.
type ContentRecord struct {
	ID       string `json:"id"`
	AuthorID string `json:"authorId"`
	Body     string `json:"body"`
	PostedAt string `json:"postedAt"`
}

// StoryRecord is the data we index for a published story.
type StoryRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	InitiatorID string `json:"initiatorId"`
	PublishedAt string `json:"publishedAt"`
}
