package normalize

import (
	"fmt"
	"strings"

	"github.com/Falak-Parmar/Book-Finder/internal/catalog"
)

// Fallback levels for query construction. Each level broadens the query; a
// level is only tried when the previous one returned zero matches.
const (
	LevelTitleAuthor      = 0 // full title + author
	LevelShortTitleAuthor = 1 // title truncated at a separator + author
	LevelTitleOnly        = 2 // title only
	MaxLevel              = LevelTitleOnly
)

// shortTitleWords caps the aggressive truncation at level 1 when the title has
// no separator to cut at.
const shortTitleWords = 5

// BuildQuery returns the API query string for rec at the given fallback
// level. ok is false when the level would repeat an earlier query (for
// example level 1 when the title has nothing to truncate) and should be
// skipped.
func BuildQuery(rec catalog.SourceRecord, level int) (query string, ok bool) {
	title := Normalize(rec.Title)
	author := Normalize(rec.Author)
	if title == "" {
		return "", false
	}
	switch level {
	case LevelTitleAuthor:
		return assemble(title, author), true
	case LevelShortTitleAuthor:
		short := ShortTitle(title)
		if short == title {
			return "", false
		}
		return assemble(short, author), true
	case LevelTitleOnly:
		if author == "" {
			// Level 0 was already title-only.
			return "", false
		}
		return assemble(title, ""), true
	}
	return "", false
}

// ShortTitle truncates a normalized title at the first subtitle separator, or
// to its first few words when the title is long and has no separator.
func ShortTitle(title string) string {
	for _, sep := range []string{":", " - ", ";"} {
		if i := strings.Index(title, sep); i > 0 {
			return strings.TrimSpace(title[:i])
		}
	}
	words := strings.Fields(title)
	if len(words) > shortTitleWords {
		return strings.Join(words[:shortTitleWords], " ")
	}
	return title
}

func assemble(title, author string) string {
	q := fmt.Sprintf("intitle:%s", title)
	if author != "" {
		q += fmt.Sprintf("+inauthor:%s", author)
	}
	return q
}
