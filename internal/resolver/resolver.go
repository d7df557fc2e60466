// Package resolver rewrites vague follow-up messages so they carry the topic
// they refer to, classifies conversation topics and recognizes short answers
// to the assistant's own questions.
package resolver

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"edututor/internal/session"
)

// Session is the slice of session state the resolver reads.
type Session struct {
	CurrentTopic string
	History      []session.Turn
}

// FromSession narrows a cached session to the resolver view.
func FromSession(s session.Session) Session {
	return Session{CurrentTopic: s.CurrentTopic, History: s.History}
}

// Classifier decides which topic, if any, a message implicitly refers to.
type Classifier interface {
	ClassifyReference(text string, s Session) (topic string, ok bool)
}

// Lexicon flags a message as implicit when it uses a pronoun or demonstrative
// from Words and names no proper noun.
type Lexicon struct {
	Words map[string]struct{}
}

// DefaultLexicon holds the French pronouns and demonstratives.
var DefaultLexicon = NewLexicon(
	"il", "elle", "ils", "elles",
	"leur", "leurs", "lui", "eux",
	"ça", "ce", "cela",
	"ses", "son", "sa",
	"le", "la", "les",
)

func NewLexicon(words ...string) Lexicon {
	l := Lexicon{Words: make(map[string]struct{}, len(words))}
	for _, w := range words {
		l.Words[w] = struct{}{}
	}
	return l
}

var (
	tokenPattern      = regexp.MustCompile(`[\p{L}\p{N}_'’-]+`)
	topicLabelPattern = regexp.MustCompile(`(?i)^\s*(?:sujet|topic)\s*:?\s*`)
)

// lowerFR lowercases with French rules. Casers are stateful, so one is built per call.
func lowerFR(s string) string {
	return cases.Lower(language.French).String(s)
}

// interrogatives and sentence starters that are capitalized without being names
var notNames = map[string]struct{}{
	"qui": {}, "quoi": {}, "que": {}, "quel": {}, "quelle": {}, "quels": {}, "quelles": {},
	"pourquoi": {}, "comment": {}, "quand": {}, "combien": {}, "où": {}, "est-ce": {},
	"peux-tu": {}, "veux-tu": {}, "dis-moi": {}, "parle-moi": {}, "explique-moi": {},
}

func (l Lexicon) hasPronoun(message string) bool {
	for _, tok := range tokenPattern.FindAllString(message, -1) {
		w := lowerFR(tok)
		if _, ok := l.Words[w]; ok {
			return true
		}
		// l'aime, l’école
		if strings.HasPrefix(w, "l'") || strings.HasPrefix(w, "l’") {
			return true
		}
	}
	return false
}

// properNoun returns the first capitalized token of at least three letters that
// is neither elided (C'est) nor a pronoun or interrogative.
func (l Lexicon) properNoun(text string) (string, bool) {
	for _, tok := range tokenPattern.FindAllString(text, -1) {
		if utf8.RuneCountInString(tok) < 3 || strings.ContainsAny(tok, "'’") {
			continue
		}
		first, _ := utf8.DecodeRuneInString(tok)
		if !unicode.IsUpper(first) {
			continue
		}
		w := lowerFR(tok)
		if _, ok := l.Words[w]; ok {
			continue
		}
		if _, ok := notNames[w]; ok {
			continue
		}
		return strings.Trim(tok, "-_"), true
	}
	return "", false
}

// Implicit reports whether message leans on context it does not name.
func (l Lexicon) Implicit(message string) bool {
	if !l.hasPronoun(message) {
		return false
	}
	_, named := l.properNoun(message)
	return !named
}

// ClassifyReference returns the session topic, or the most recent proper noun
// in history, for an implicit message.
func (l Lexicon) ClassifyReference(text string, s Session) (string, bool) {
	if strings.TrimSpace(text) == "" || !l.Implicit(text) {
		return "", false
	}
	if t := strings.TrimSpace(topicLabelPattern.ReplaceAllString(s.CurrentTopic, "")); t != "" {
		return t, true
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		if name, ok := l.properNoun(s.History[i].Text); ok {
			return name, true
		}
	}
	return "", false
}

// Rewrite prefixes message with the topic found by c, or returns it unchanged.
func Rewrite(c Classifier, message string, s Session) string {
	topic, ok := c.ClassifyReference(message, s)
	if !ok {
		return message
	}
	return "About " + topic + ": " + message
}

// Resolve is Rewrite with DefaultLexicon.
func Resolve(message string, s Session) string {
	return Rewrite(DefaultLexicon, message, s)
}
