package quiz

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"edututor/internal/models"
)

var (
	requestPrefix = regexp.MustCompile(`(?i)^(?:fais[- ]?moi\s+un\s+quiz(?:\s+sur|\s+de)?|génère(?:r)?\s+un\s+quiz(?:\s+sur|\s+de)?|donne[- ]?moi\s+un\s+quiz(?:\s+sur|\s+de)?|je\s+veux\s+un\s+quiz(?:\s+sur|\s+de)?)`)
	displayPrefix = regexp.MustCompile(`(?i)^(?:génère|genere|fais[- ]?moi|donne[- ]?moi|crée|cree)\s+(?:un\s+)?quiz(?:\s+(?:sur|de|about)\s*)?`)
)

const maxTitleRunes = 40

// CleanTitle turns a quiz request into a short title: "fais-moi un quiz sur
// les volcans" becomes "Les volcans". Empty input yields "Général".
func CleanTitle(topic string) string {
	t := strings.TrimSpace(topic)
	t = requestPrefix.ReplaceAllString(t, "")
	t = strings.Trim(t, " :,-")
	if utf8.RuneCountInString(t) > maxTitleRunes {
		t = string([]rune(t)[:maxTitleRunes])
	}
	t = strings.TrimSpace(t)
	if t == "" {
		return "Général"
	}
	return capitalizeLower(t)
}

// capitalizeLower upper-cases the first rune and lower-cases the rest.
func capitalizeLower(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

// DisplayTitle strips a leading "génère un quiz sur" style phrase from a title.
func DisplayTitle(title string) string {
	t := strings.TrimSpace(displayPrefix.ReplaceAllString(strings.TrimSpace(title), ""))
	if t == "" {
		return "Quiz"
	}
	return t
}

var quizKeywords = []string{"quiz", "fais-moi un quiz", "génère un quiz", "donne-moi un quiz", "donne moi un quiz"}

// IsQuizRequest reports whether a chat message asks for a quiz.
func IsQuizRequest(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range quizKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// Readable renders the quiz as plain text: the title, then numbered
// questions with lettered choices.
func Readable(q *models.Quiz) string {
	if q == nil {
		return ""
	}
	lines := []string{DisplayTitle(q.Title)}
	for i, question := range q.Questions {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, question.Text))
		for ci, choice := range question.Choices {
			lines = append(lines, fmt.Sprintf("   %c) %s", rune('A'+ci), choice))
		}
	}
	return strings.Join(lines, "\n")
}

// SummaryText is the end-of-quiz message.
func SummaryText(correct, total int) string {
	return fmt.Sprintf("Tu as eu %d bonne(s) réponse(s) sur %d. Super effort ! 🎉", correct, total)
}

// StartText announces a new quiz.
func StartText(displayTitle string) string {
	return "D'accord ! Voici un petit quiz : " + displayTitle
}

// Advance records a graded answer on st and moves to the next question.
// finished reports whether that was the last question; AwaitingAnswer is set
// again only when another question follows.
func Advance(st *models.QuizState, correct bool, total int) (finished bool) {
	if correct {
		st.Correct++
	}
	st.Current++
	st.AwaitingAnswer = st.Current < total
	return st.Current >= total
}
