package topics

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokeniser splits text into lowercase word n-grams with stop words removed.
// It satisfies nlp.Tokeniser so the count vectoriser builds its vocabulary
// from n-grams instead of single words.
type Tokeniser struct {
	NGramMax int
	stop     map[string]struct{}
}

// NewTokeniser returns a tokeniser producing 1..ngramMax grams. Stop words
// are matched after lowercasing.
func NewTokeniser(ngramMax int, stopWords ...string) *Tokeniser {
	if ngramMax < 1 {
		ngramMax = 1
	}
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return &Tokeniser{NGramMax: ngramMax, stop: stop}
}

// Words returns the filtered unigrams of text in order.
func (t *Tokeniser) Words(text string) []string {
	raw := wordPattern.FindAllString(strings.ToLower(text), -1)
	words := raw[:0]
	for _, w := range raw {
		if utf8.RuneCountInString(w) < 2 {
			continue
		}
		if _, ok := t.stop[w]; ok {
			continue
		}
		words = append(words, w)
	}
	return words
}

// ForEachIn calls fn for every n-gram of text, shortest first at each
// position.
func (t *Tokeniser) ForEachIn(text string, fn func(term string)) {
	words := t.Words(text)
	for i := range words {
		for n := 1; n <= t.NGramMax && i+n <= len(words); n++ {
			if n == 1 {
				fn(words[i])
				continue
			}
			fn(strings.Join(words[i:i+n], " "))
		}
	}
}

// Tokenise returns every n-gram of text.
func (t *Tokeniser) Tokenise(text string) []string {
	var terms []string
	t.ForEachIn(text, func(term string) {
		terms = append(terms, term)
	})
	return terms
}
