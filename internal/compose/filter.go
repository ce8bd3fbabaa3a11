// internal/compose/filter.go
// Sender-side content filter. Applied only to outgoing text messages when the
// sender's mature-content flag is off; never to images or received messages.

package compose

import (
	"regexp"
	"strings"
)

// FilterFunc transforms outgoing text. Pure and synchronous.
type FilterFunc func(text string) string

// Minimal placeholder list. Deployments are expected to swap in their own
// FilterFunc backed by a real profanity service.
var filteredWords = []string{
	"spam", "scam", "abuse",
}

var filteredPatterns = compilePatterns(filteredWords)

func compilePatterns(words []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(words))
	for i, word := range words {
		patterns[i] = regexp.MustCompile("(?i)" + regexp.QuoteMeta(word))
	}
	return patterns
}

// Filter replaces each filtered word with asterisks of the same length,
// case-insensitively.
func Filter(text string) string {
	for i, pattern := range filteredPatterns {
		mask := strings.Repeat("*", len(filteredWords[i]))
		text = pattern.ReplaceAllString(text, mask)
	}
	return text
}

// ContainsFiltered reports whether text contains any filtered word.
func ContainsFiltered(text string) bool {
	lower := strings.ToLower(text)
	for _, word := range filteredWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
