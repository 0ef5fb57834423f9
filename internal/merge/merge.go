// Package merge collapses a bucket of candidate records into one canonical
// record using deterministic field-level preference rules. Output is
// independent of candidate arrival order: buckets are sorted by source id
// before any rule runs, and every rule's tie-break bottoms out at the
// lexicographically smallest source id.
package merge

import (
	"sort"

	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
	"github.com/Falak-Parmar/Book-Finder/internal/identity"
)

// DefaultMaxCategories caps the merged category list when the caller does not
// configure one.
const DefaultMaxCategories = 8

// Engine applies the per-field preference rules.
type Engine struct {
	maxCategories int
}

// NewEngine creates an Engine. maxCategories <= 0 selects the default cap.
func NewEngine(maxCategories int) *Engine {
	if maxCategories <= 0 {
		maxCategories = DefaultMaxCategories
	}
	return &Engine{maxCategories: maxCategories}
}

// Merge collapses bucket into one canonical record for key. An empty bucket
// is a contract violation by the caller and panics.
func (e *Engine) Merge(key identity.Key, bucket []catalog.CandidateRecord) catalog.CanonicalRecord {
	if len(bucket) == 0 {
		panic("merge: empty bucket for key " + key.String())
	}
	// Canonical processing order, independent of arrival order.
	sorted := make([]catalog.CandidateRecord, len(bucket))
	copy(sorted, bucket)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SourceID < sorted[j].SourceID
	})

	return catalog.CanonicalRecord{
		ISBN13:        firstNonEmpty(sorted, func(c catalog.CandidateRecord) string { return c.ISBN13 }),
		ExternalID:    firstNonEmpty(sorted, func(c catalog.CandidateRecord) string { return c.ExternalID }),
		Title:         bestMatched(sorted, func(c catalog.CandidateRecord) string { return c.Title }),
		Author:        bestMatched(sorted, func(c catalog.CandidateRecord) string { return c.Author }),
		Description:   longestDescription(sorted),
		Categories:    mergeCategories(sorted, e.maxCategories),
		ThumbnailURL:  bestThumbnail(sorted),
		PublishedDate: firstNonEmpty(sorted, func(c catalog.CandidateRecord) string { return c.PublishedDate }),
	}
}

// bestMatched returns the field value from the candidate that matched at the
// lowest fallback level among those with a non-empty value (exact query
// preferred over broad); ties fall to the smallest source id, which is the
// sort order.
func bestMatched(sorted []catalog.CandidateRecord, field func(catalog.CandidateRecord) string) string {
	best := ""
	bestLevel := -1
	for _, c := range sorted {
		v := field(c)
		if v == "" {
			continue
		}
		if bestLevel == -1 || c.FallbackLevel < bestLevel {
			best, bestLevel = v, c.FallbackLevel
		}
	}
	return best
}

// firstNonEmpty returns the field value from the first candidate (in source
// id order) for which it is non-empty.
func firstNonEmpty(sorted []catalog.CandidateRecord, field func(catalog.CandidateRecord) string) string {
	for _, c := range sorted {
		if v := field(c); v != "" {
			return v
		}
	}
	return ""
}

// longestDescription prefers the longest non-empty description; ties keep the
// earlier candidate.
func longestDescription(sorted []catalog.CandidateRecord) string {
	best := ""
	for _, c := range sorted {
		if len(c.Description) > len(best) {
			best = c.Description
		}
	}
	return best
}
