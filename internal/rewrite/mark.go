package rewrite

import (
	"regexp"
	"strings"
)

// sixLetterWord matches a whole ASCII word of exactly six word characters.
var sixLetterWord = regexp.MustCompile(`\b\w{6}\b`)

// MarkWords appends marker to every six-character word in text.
//
// Distinct words are handled in order of first appearance. A word that
// already occurs followed by marker is left alone everywhere in text;
// otherwise all of its occurrences are marked. MarkWords(MarkWords(s)) is
// therefore equal to MarkWords(s).
func MarkWords(text, marker string) string {
	if marker == "" || len(text) < 6 {
		return text
	}
	matches := sixLetterWord.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	marked := make(map[string]bool, len(matches))
	for _, m := range matches {
		word := text[m[0]:m[1]]
		if strings.HasPrefix(text[m[1]:], marker) {
			marked[word] = true
		} else if _, seen := marked[word]; !seen {
			marked[word] = false
		}
	}

	var b strings.Builder
	b.Grow(len(text) + len(matches)*len(marker))
	last := 0
	for _, m := range matches {
		if marked[text[m[0]:m[1]]] {
			continue
		}
		b.WriteString(text[last:m[1]])
		b.WriteString(marker)
		last = m[1]
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}
