// Package identity computes deduplication keys for candidate records and
// groups candidates that represent the same physical book. The key hierarchy
// is fixed: ISBN-13 first, then the API's volume id, then the normalized
// title/author pair. A candidate with none of these forms a singleton bucket
// keyed by its own source id so it is never dropped or merged by coincidence.
package identity

import (
	"fmt"

	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/normalize"
)

// Kind discriminates how a Key was derived, in priority order.
type Kind string

const (
	KindISBN13      Kind = "isbn13"
	KindExternalID  Kind = "external"
	KindTitleAuthor Kind = "title_author"
	KindSource      Kind = "source"
)

// Key identifies one physical book. Keys are comparable and safe as map keys.
type Key struct {
	Kind  Kind
	Value string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Value)
}

// Resolve returns the highest-priority key available for the candidate. Pure
// and deterministic.
func Resolve(c catalog.CandidateRecord) Key {
	if c.ISBN13 != "" {
		return Key{Kind: KindISBN13, Value: c.ISBN13}
	}
	if c.ExternalID != "" {
		return Key{Kind: KindExternalID, Value: c.ExternalID}
	}
	title := normalize.Normalize(c.Title)
	author := normalize.Normalize(c.Author)
	if title != "" {
		return Key{Kind: KindTitleAuthor, Value: title + "|" + author}
	}
	return Key{Kind: KindSource, Value: c.SourceID}
}

// Bucket groups candidates by their resolved key. Every candidate lands in
// exactly one bucket.
func Bucket(candidates []catalog.CandidateRecord) map[Key][]catalog.CandidateRecord {
	buckets := make(map[Key][]catalog.CandidateRecord)
	for _, c := range candidates {
		key := Resolve(c)
		buckets[key] = append(buckets[key], c)
	}
	return buckets
}
