// Package normalize provides text canonicalisation for query construction and
// identity resolution. It folds Unicode punctuation variants to ASCII,
// lower-cases, strips markup, and collapses whitespace.
package normalize

import (
	"strings"
)

// asciiFolds maps common Unicode quote and dash variants to ASCII
// equivalents so catalog text and API text compare equal.
var asciiFolds = map[rune]rune{
	'‘': '\'', // left single quote
	'’': '\'', // right single quote
	'‚': '\'',
	'“': '"', // left double quote
	'”': '"', // right double quote
	'„': '"',
	'‐': '-', // hyphen
	'‑': '-',
	'‒': '-',
	'–': '-', // en dash
	'—': '-', // em dash
	'−': '-', // minus sign
	' ': ' ', // no-break space
	'…': ' ', // ellipsis
}

// Normalize returns the canonical form of text: markup stripped, Unicode
// punctuation folded to ASCII, lower-cased, whitespace collapsed. It is a
// total function and never fails.
func Normalize(text string) string {
	text = StripTags(text)
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if folded, ok := asciiFolds[r]; ok {
			b.WriteRune(folded)
		} else {
			b.WriteRune(r)
		}
	}
	lowered := strings.ToLower(b.String())
	collapsed := strings.Join(strings.Fields(lowered), " ")
	return strings.Trim(collapsed, ".,/:;")
}

// StripTags removes HTML/markup tags from text. Unbalanced angle brackets are
// left untouched past the last complete tag.
func StripTags(text string) string {
	if !strings.ContainsRune(text, '<') {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	depth := 0
	for _, r := range text {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
