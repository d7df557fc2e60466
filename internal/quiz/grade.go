package quiz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"edututor/internal/models"
)

// ErrQuestionNotFound is returned when a question id is not part of the quiz.
var ErrQuestionNotFound = errors.New("question not found")

// Result is the outcome of grading one answer.
type Result struct {
	QuestionID   int    `json:"id"`
	CorrectIndex int    `json:"correct_index"`
	UserIndex    *int   `json:"user_index"`
	IsCorrect    bool   `json:"is_correct"`
	Explanation  string `json:"explanation"`
}

// Summary is the outcome of grading a whole quiz at once.
type Summary struct {
	Total   int      `json:"total"`
	Correct int      `json:"correct"`
	Details []Result `json:"details"`
}

const (
	correctFeedback      = "Bonne réponse ! Bravo 🎉"
	batchCorrectFeedback = "Bonne réponse ! Bravo 😊"
	explainSystemPrompt  = "Tu es un professeur pour enfants; réponds en français, phrases courtes."
	batchSystemPrompt    = "Tu es un professeur pour les enfants; sois bref, clair et positif."
)

func wrongFeedback(correct string) string {
	return fmt.Sprintf("Ce n'est pas tout à fait ça. La bonne réponse est: %s. Continue comme ça, tu apprends en t'amusant ! 😊", correct)
}

func batchWrongFeedback(correct string) string {
	return fmt.Sprintf("Ce n'est pas tout à fait ça. La bonne réponse est: %s. Petit rappel: essaie de relire la question et de choisir la réponse la plus simple.", correct)
}

// foldText lowercases, strips accents and drops everything but letters and digits.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func matchChoice(input string, choices []string) (int, bool) {
	want := foldText(input)
	if want == "" {
		return 0, false
	}
	for i, c := range choices {
		if foldText(c) == want {
			return i, true
		}
	}
	return 0, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ResolveChoice maps a raw answer onto a choice index. Numbers are read as
// 1-based first, then 0-based; a single letter A..Z comes next, then an exact
// match on folded text.
func ResolveChoice(raw string, choices []string) (int, bool) {
	s := strings.TrimSpace(raw)
	n := len(choices)
	if isDigits(s) {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, false
		}
		switch {
		case v >= 1 && v <= n:
			return v - 1, true
		case v >= 0 && v < n:
			return v, true
		}
		return 0, false
	}
	if r := []rune(s); len(r) == 1 && unicode.IsLetter(r[0]) {
		idx := int(unicode.ToUpper(r[0]) - 'A')
		if idx >= 0 && idx < n && idx < 26 {
			return idx, true
		}
	}
	return matchChoice(s, choices)
}

// GradeAnswer grades raw against question qid of q.
func (e *Engine) GradeAnswer(ctx context.Context, q *models.Quiz, qid int, raw string) (Result, error) {
	question, ok := q.Question(qid)
	if !ok {
		return Result{QuestionID: qid}, fmt.Errorf("grade question %d: %w", qid, ErrQuestionNotFound)
	}
	res := Result{QuestionID: qid, CorrectIndex: question.AnswerIndex}
	if idx, ok := ResolveChoice(raw, question.Choices); ok {
		res.UserIndex = &idx
		res.IsCorrect = idx == question.AnswerIndex
	}
	if res.IsCorrect {
		res.Explanation = correctFeedback
		return res, nil
	}

	correctText := correctChoice(question)
	prompt := fmt.Sprintf("Explique brièvement à un enfant pourquoi la bonne réponse est '%s' pour la question: %s. L'élève a répondu: %s. Sois encourageant et fais court.",
		correctText, question.Text, raw)
	res.Explanation = e.explainOr(ctx, explainSystemPrompt, prompt, wrongFeedback(correctText))
	return res, nil
}

// GradeQuiz grades answers keyed by question id, given as choice indexes.
func (e *Engine) GradeQuiz(ctx context.Context, q *models.Quiz, answers map[int]int) Summary {
	sum := Summary{Details: make([]Result, 0)}
	if q == nil {
		return sum
	}
	sum.Total = len(q.Questions)
	for _, question := range q.Questions {
		res := Result{QuestionID: question.ID, CorrectIndex: question.AnswerIndex}
		if ui, ok := answers[question.ID]; ok {
			ui := ui
			res.UserIndex = &ui
			res.IsCorrect = ui == question.AnswerIndex
		}
		if res.IsCorrect {
			sum.Correct++
			res.Explanation = batchCorrectFeedback
		} else {
			correctText := correctChoice(question)
			prompt := fmt.Sprintf("Explique de façon simple et encourageante à un enfant de 6 à 12 ans pourquoi la réponse correcte est '%s' pour la question: %s.", correctText, question.Text)
			if res.UserIndex != nil && *res.UserIndex >= 0 && *res.UserIndex < len(question.Choices) {
				prompt += fmt.Sprintf(" L'élève a répondu: %s. Sois bref et positif.", question.Choices[*res.UserIndex])
			}
			res.Explanation = e.explainOr(ctx, batchSystemPrompt, prompt, batchWrongFeedback(correctText))
		}
		sum.Details = append(sum.Details, res)
	}
	return sum
}

func correctChoice(q models.Question) string {
	if q.AnswerIndex >= 0 && q.AnswerIndex < len(q.Choices) {
		return q.Choices[q.AnswerIndex]
	}
	return "la bonne réponse"
}

// explainOr asks the completer for an explanation, returning fallback when
// explanations are off or the completion is empty.
func (e *Engine) explainOr(ctx context.Context, system, prompt, fallback string) string {
	if !e.explain {
		return fallback
	}
	text, err := e.completer.Complete(ctx, system, prompt)
	if err != nil {
		e.logger.Warn("quiz explanation failed", zap.Error(err))
		return fallback
	}
	if text = strings.TrimSpace(text); text == "" {
		return fallback
	}
	return text
}
