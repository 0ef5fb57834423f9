// Package catalog defines the source-record model and loads the
// accession-register CSV that feeds the enrichment pipeline.
package catalog

// SourceRecord is one sparse catalog entry to be enriched. SourceID is the
// accession number: unique and stable across runs. Records are immutable once
// loaded.
type SourceRecord struct {
	SourceID string
	Title    string
	Author   string
	Extra    map[string]string
}

// CandidateRecord is one external API match for a SourceRecord, tagged with
// the fallback level the query that produced it ran at. Owned by the fetch
// scheduler until written to the ledger; immutable afterwards.
type CandidateRecord struct {
	SourceID      string   `json:"source_id"`
	Found         bool     `json:"found"`
	ISBN13        string   `json:"isbn_13,omitempty"`
	ExternalID    string   `json:"external_id,omitempty"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	Description   string   `json:"description,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	ThumbnailURL  string   `json:"thumbnail_url,omitempty"`
	PublishedDate string   `json:"published_date,omitempty"`
	FallbackLevel int      `json:"fallback_level"`
}

// CanonicalRecord is the single merged record representing one physical book.
// Produced by the merge engine; immutable once handed to the store.
type CanonicalRecord struct {
	ISBN13        string   `json:"isbn_13,omitempty"`
	ExternalID    string   `json:"external_id,omitempty"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	Description   string   `json:"description,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	ThumbnailURL  string   `json:"thumbnail_url,omitempty"`
	PublishedDate string   `json:"published_date,omitempty"`
}
