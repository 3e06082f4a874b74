// Package models defines the request and response shapes of the HTTP API.
package models

import "fmt"

// Document is a stored text with its key and split.
type Document struct {
	Key   uint64 `json:"key"`
	Text  string `json:"text"`
	Split uint32 `json:"split,omitempty"`
}

// AddRequest is the body for adding one or more documents. Exactly one of
// Text or Texts should be set; Texts adds a batch.
type AddRequest struct {
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
	Split uint32   `json:"split,omitempty"`
}

// Validate checks that the request carries something to add.
func (r *AddRequest) Validate() error {
	if r.Text == "" && len(r.Texts) == 0 {
		return fmt.Errorf("text cannot be empty")
	}
	if r.Text != "" && len(r.Texts) > 0 {
		return fmt.Errorf("set either text or texts, not both")
	}
	return nil
}

// RemoveTextRequest is the body for removing documents by exact text.
type RemoveTextRequest struct {
	Text  string `json:"text"`
	Split uint32 `json:"split,omitempty"`
}

// SearchQuery is a search request. Split 0 searches the whole corpus.
type SearchQuery struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	Split uint32 `json:"split,omitempty"`
}

// Validate ensures the query is non-empty and normalizes the limit.
func (q *SearchQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return nil
}

// SearchResult is one ranked hit. Distance is cosine distance, so smaller
// is closer. Text is empty when the document was removed mid-search.
type SearchResult struct {
	Key      uint64  `json:"key"`
	Text     string  `json:"text"`
	Distance float32 `json:"distance"`
	Rank     int     `json:"rank"`
}

// SearchResponse is the response for a one-shot search.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	QueryTime int64           `json:"query_time_ms"`
}

// SessionRequest opens an incremental search session.
type SessionRequest struct {
	Query string `json:"query"`
	Split uint32 `json:"split,omitempty"`
}

// Session identifies an open incremental search session.
type Session struct {
	Handle uint64 `json:"handle"`
}

// SessionPage is one page of an incremental search session.
type SessionPage struct {
	Handle    uint64    `json:"handle"`
	Keys      []uint64  `json:"keys"`
	Distances []float32 `json:"distances"`
	Texts     []string  `json:"texts,omitempty"`
	Completed bool      `json:"completed"`
}

// Status reports the index's current shape.
type Status struct {
	Documents    int    `json:"documents"`
	Dimensions   int    `json:"dimensions"`
	OpenSessions int    `json:"open_sessions"`
	Version      string `json:"version"`
}
