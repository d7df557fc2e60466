package resolver

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultTopic is returned when a text yields no usable word.
const DefaultTopic = "sujet general"

const maxTopicLen = 80

var (
	topicStrip = regexp.MustCompile(`[^\p{L}\p{N}_\s'-]`)
	topicWords = regexp.MustCompile(`[\p{L}\p{N}_'-]+`)
)

var stopwords = toSet(
	"le", "la", "les", "de", "des", "du", "un", "une", "et", "à", "a", "en", "dans", "pour", "avec", "sur", "par",
	"au", "aux", "ce", "ces", "qui", "que", "quoi", "il", "elle", "je", "tu", "nous", "vous", "est", "sont", "etre", "être",
	"avoir", "faire", "pas", "ne", "se", "mon", "ma", "mes", "son", "sa", "ses", "bien", "très", "plus", "moins", "comme",
	"the", "is", "are", "of", "and", "to", "in", "on", "for", "with", "by", "this", "that", "it", "be", "was", "were", "i", "you",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

type wordCount struct {
	word  string
	count int
}

func countWords(words []string, minLen int) []wordCount {
	freq := make(map[string]int)
	for _, w := range words {
		w = strings.Trim(w, `'"`)
		if utf8.RuneCountInString(w) < minLen {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		freq[w]++
	}
	out := make([]wordCount, 0, len(freq))
	for w, c := range freq {
		out = append(out, wordCount{w, c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].word < out[j].word
	})
	return out
}

// ClassifyTopic summarizes text as "Topic: A, B et C" from its most frequent
// content words. A fourth word is kept when it occurs at least twice.
func ClassifyTopic(text string) string {
	if strings.TrimSpace(text) == "" {
		return DefaultTopic
	}
	t := topicStrip.ReplaceAllString(lowerFR(text), " ")
	words := topicWords.FindAllString(t, -1)
	if len(words) == 0 {
		return DefaultTopic
	}

	items := countWords(words, 3)
	if len(items) == 0 {
		items = countWords(words, 2)
	}
	if len(items) == 0 {
		return DefaultTopic
	}

	var selected []string
	for i := 0; i < len(items) && i < 3; i++ {
		selected = append(selected, items[i].word)
	}
	if len(items) >= 4 && items[3].count >= 2 {
		selected = append(selected, items[3].word)
	}
	for len(selected) < 3 {
		selected = append(selected, "general")
	}

	for i, w := range selected {
		selected[i] = capitalize(w)
	}
	phrase := strings.Join(selected[:len(selected)-1], ", ") + " et " + selected[len(selected)-1]
	return truncateWords("Topic: "+phrase, maxTopicLen)
}

func capitalize(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError {
		return w
	}
	return string(unicode.ToUpper(r)) + w[size:]
}

// truncateWords caps s at limit runes, cutting back to the last space.
func truncateWords(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	cut := string([]rune(s)[:limit])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
