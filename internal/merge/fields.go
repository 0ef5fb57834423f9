package merge

import (
	"net/url"
	"sort"
	"strconv"

	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
)

// bestThumbnail prefers the URL with the highest declared zoom tag; untagged
// URLs fall back to longest-string comparison. Ties keep the earlier
// candidate.
func bestThumbnail(sorted []catalog.CandidateRecord) string {
	best := ""
	bestZoom := -1
	for _, c := range sorted {
		if c.ThumbnailURL == "" {
			continue
		}
		zoom := zoomTag(c.ThumbnailURL)
		switch {
		case zoom > bestZoom:
			best, bestZoom = c.ThumbnailURL, zoom
		case zoom == bestZoom && len(c.ThumbnailURL) > len(best):
			best = c.ThumbnailURL
		}
	}
	return best
}

// zoomTag extracts the declared resolution from a thumbnail URL's zoom query
// parameter. Untagged or unparseable URLs report zoom 0.
func zoomTag(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	z, err := strconv.Atoi(u.Query().Get("zoom"))
	if err != nil || z < 0 {
		return 0
	}
	return z
}

// mergeCategories unions all candidates' category sets, orders them by
// descending frequency across the bucket then alphabetically, and caps the
// result.
func mergeCategories(sorted []catalog.CandidateRecord, max int) []string {
	freq := make(map[string]int)
	for _, c := range sorted {
		seen := make(map[string]struct{}, len(c.Categories))
		for _, cat := range c.Categories {
			if cat == "" {
				continue
			}
			// Each candidate votes once per category.
			if _, dup := seen[cat]; dup {
				continue
			}
			seen[cat] = struct{}{}
			freq[cat]++
		}
	}
	if len(freq) == 0 {
		return nil
	}
	merged := make([]string, 0, len(freq))
	for cat := range freq {
		merged = append(merged, cat)
	}
	sort.Slice(merged, func(i, j int) bool {
		if freq[merged[i]] != freq[merged[j]] {
			return freq[merged[i]] > freq[merged[j]]
		}
		return merged[i] < merged[j]
	})
	if len(merged) > max {
		merged = merged[:max]
	}
	return merged
}
