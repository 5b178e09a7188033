package search

import (
	"strings"
	"unicode"
)

// stopWords are ignored when matching query words against document text.
var stopWords = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(`a an and are as at be but by do for from have
		in is it not of on or that the this to was with you`) {
		set[w] = struct{}{}
	}
	return set
}()

// tokenizeAndFilter lowercases text, splits it on anything that is not a
// letter, digit or hyphen, and drops stop words.
func tokenizeAndFilter(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	filtered := words[:0]
	for _, w := range words {
		w = strings.Trim(w, "-")
		if _, stop := stopWords[w]; w != "" && !stop {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

// containsAllQueryWords reports whether every filtered query word appears in text.
func containsAllQueryWords(text, query string) bool {
	queryWords := tokenizeAndFilter(query)
	if len(queryWords) == 0 {
		return false
	}
	present := make(map[string]struct{})
	for _, w := range tokenizeAndFilter(text) {
		present[w] = struct{}{}
	}
	for _, w := range queryWords {
		if _, ok := present[w]; !ok {
			return false
		}
	}
	return true
}
