package model

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DedupKey collapses equivalent submissions: normalized title, kind and seasons.
type DedupKey string

// NewDedupKey builds the key. Seasons must already be sorted and unique.
func NewDedupKey(query string, kind MediaKind, seasons []int) DedupKey {
	return DedupKey(NormalizeTitle(query) + "|" + string(kind) + "|" + joinSeasons(seasons))
}

// NormalizeTitle folds a title for comparison: accents stripped, lowercased,
// punctuation dropped, "&" read as "and", whitespace collapsed.
//
//	"Amélie!"          -> "amelie"
//	"  Fast & Furious" -> "fast and furious"
func NormalizeTitle(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ReplaceAll(strings.ToLower(folded), "&", " and ")

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '.' || r == ':' || r == '/':
			space = true
		}
	}
	return b.String()
}

func joinSeasons(seasons []int) string {
	if len(seasons) == 0 {
		return ""
	}
	parts := make([]string, len(seasons))
	for i, s := range seasons {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, ",")
}
