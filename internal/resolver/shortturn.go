package resolver

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Replies used by the short-turn classifier.
const (
	PraiseReply        = "Bravo ! C'est exact ! 🎉"
	EncouragementReply = "Pas tout à fait, mais tu vas y arriver ! Essaie encore 😊"
	FollowUpQuestion   = "On continue ? Voici une petite question facile : Combien font 2 + 2 ?"
)

// DefaultOverlapThreshold is the share of question words an answer must repeat
// to count as probably correct.
const DefaultOverlapThreshold = 0.35

// ShortTurnClassifier answers a short student reply locally when the previous
// assistant turn was a question.
type ShortTurnClassifier interface {
	Evaluate(prevAssistant, student string) (reply string, ok bool)
}

// ShortTurn scores replies by word overlap with the question.
type ShortTurn struct {
	Threshold float64
}

func NewShortTurn(threshold float64) ShortTurn {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultOverlapThreshold
	}
	return ShortTurn{Threshold: threshold}
}

// interrogative must be followed by a non-letter so "oui" is not read as "ou".
var interrogativeStart = regexp.MustCompile(`^(?:pourquoi|comment|quoi|quand|où|ou|qui|combien|est-ce que|peux-tu|peux tu|veux-tu|veux tu)(?:$|[^\p{L}])`)

var normalizedWord = regexp.MustCompile(`[\p{L}\p{N}_'-]+`)

// IsQuestion reports whether text ends with '?' or opens with a French interrogative.
func IsQuestion(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "?") {
		return true
	}
	return interrogativeStart.MatchString(lowerFR(t))
}

func wordSet(text string, minLen int) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range normalizedWord.FindAllString(lowerFR(text), -1) {
		if utf8.RuneCountInString(w) >= minLen {
			set[w] = struct{}{}
		}
	}
	return set
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

// Overlap returns |Q ∩ S| / |Q| where Q holds the question words longer than two letters.
func Overlap(question, answer string) float64 {
	q := wordSet(question, 3)
	if len(q) == 0 {
		return 0
	}
	s := wordSet(answer, 1)
	shared := 0
	for w := range q {
		if _, ok := s[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(q))
}

func (c ShortTurn) Evaluate(prevAssistant, student string) (string, bool) {
	if !IsQuestion(prevAssistant) || IsQuestion(student) {
		return "", false
	}
	reply := EncouragementReply
	if Overlap(prevAssistant, student) >= c.Threshold || (hasDigit(student) && hasDigit(prevAssistant)) {
		reply = PraiseReply
	}
	return reply + " " + FollowUpQuestion, true
}
