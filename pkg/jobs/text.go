package jobs

import (
	"strings"
	"unicode"
)

const maxKeywords = 10

var stopWords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "an": {}, "and": {}, "any": {},
	"are": {}, "as": {}, "at": {}, "be": {}, "been": {}, "but": {}, "by": {}, "can": {},
	"could": {}, "do": {}, "does": {}, "for": {}, "from": {}, "had": {}, "has": {}, "have": {},
	"how": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "latest": {}, "more": {},
	"new": {}, "not": {}, "of": {}, "on": {}, "or": {}, "other": {}, "our": {}, "out": {},
	"over": {}, "should": {}, "some": {}, "such": {}, "than": {}, "that": {}, "the": {},
	"their": {}, "them": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {},
	"to": {}, "under": {}, "up": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "would": {},
	"you": {}, "your": {},
}

// extractKeywords is the local stand-in for the query analyzer: lowercased
// words of three or more letters, stop words removed, first occurrence order.
func extractKeywords(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	var keywords []string
	for _, w := range words {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

// chunkText splits text into windows of at most size runes, each starting
// overlap runes before the end of the previous one. A window is cut at the
// last whitespace in its second half when there is one.
func chunkText(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end - 1; i > start+size/2; i-- {
				if unicode.IsSpace(runes[i]) {
					end = i
					break
				}
			}
		}
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
