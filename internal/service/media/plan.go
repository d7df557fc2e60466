package media

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"edututor/internal/models"
	"edututor/internal/quiz"
	"edututor/internal/service/ai"
)

var (
	imageKeywords = []string{"image", "dessine", "montre une image", "génère une image", "crée une image", "faire une image"}
	pdfKeywords   = []string{"pdf", "document", "imprime", "génère un pdf", "crée un pdf"}

	summaryKeywords  = []string{"résum", "resume", "résume", "résumer", "summary"}
	exerciseKeywords = []string{"exerc", "exercice", "quiz", "question"}
)

func containsAny(text string, keywords []string) bool {
	t := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// IsImageRequest reports whether a chat message asks for a picture.
func IsImageRequest(text string) bool { return containsAny(text, imageKeywords) }

// IsPDFRequest reports whether a chat message asks for a document.
func IsPDFRequest(text string) bool { return containsAny(text, pdfKeywords) }

// PDFKind selects what goes into a requested document.
type PDFKind int

const (
	PDFGeneric PDFKind = iota
	PDFSummary
	PDFExercises
)

func (k PDFKind) String() string {
	switch k {
	case PDFSummary:
		return "summary"
	case PDFExercises:
		return "exercises"
	default:
		return "generic"
	}
}

// Plan is the decision taken for a PDF request.
type Plan struct {
	Kind  PDFKind
	Title string
}

// PDFPlan picks the document kind for request. Summary wins over exercises.
func PDFPlan(request string) Plan {
	kind := PDFGeneric
	switch {
	case containsAny(request, summaryKeywords):
		kind = PDFSummary
	case containsAny(request, exerciseKeywords):
		kind = PDFExercises
	}
	return Plan{Kind: kind, Title: CleanPDFTitle(request)}
}

const maxPDFTitleRunes = 60

var (
	pdfRequestPrefix = regexp.MustCompile(`(?i)^(?:génère|genere|fais[- ]?moi|donne[- ]?moi|crée|cree)\s+(?:moi\s+)?(?:un\s+)?(?:pdf|document)\s+(?:sur|de|about)\s*`)
	summaryPrefix    = regexp.MustCompile(`(?i)^(?:résum(?:e|é)|resume|résume|résumer|summary)\s*(?:de|of|sur)?\s*`)
	summaryTopic     = regexp.MustCompile(`(?i)(?:résum(?:e|é)|resume|résume|résumer|summary)\s*(?:de|of)?\s*(.+)`)
)

// CleanPDFTitle turns a request such as "génère moi un pdf sur les volcans"
// into a document title ("Les volcans").
func CleanPDFTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = pdfRequestPrefix.ReplaceAllString(t, "")
	t = summaryPrefix.ReplaceAllString(t, "")
	t = strings.Trim(t, " :,-.")
	if t == "" {
		return "Document"
	}
	r, size := utf8.DecodeRuneInString(t)
	t = string(unicode.ToUpper(r)) + t[size:]
	if utf8.RuneCountInString(t) > maxPDFTitleRunes {
		t = string([]rune(t)[:maxPDFTitleRunes])
	}
	t = strings.TrimSpace(t)
	if t == "" {
		return "Document"
	}
	return t
}

var (
	leadingEmphasis  = regexp.MustCompile(`^[\*_\s]+|[\*_]$`)
	leadingFiller    = regexp.MustCompile(`(?i)^\s*(?:super\s*[!:\-\.]?\s*|voici\s*(?:un\s+petit\s+résum[\p{L}\p{N}_]*)?\s*[!:\-\.]?\s*|voilà\s*[!:\-\.]?\s*)`)
	pdfInstructions  = regexp.MustCompile(`(?i)Pour ton PDF[:\-]?`)
	trailingQuestion = regexp.MustCompile(`(?i)\s*(?:Et toi[,\s].*|Tu veux.*|Veux-tu.*|Voulez-vous.*)$`)
)

const (
	summarySystem = "Tu es un professeur pour enfants; réponds en phrases courtes et claires."
	genericSystem = "Tu es un professeur pour enfants; sois clair et positif."

	minSummaryRunes = 10
	minCleanedRunes = 20
	minGenericRunes = 20
)

// CleanSummary strips markdown, chatty openers and closing questions from a
// generated summary. When too little is left the sanitized input is returned.
func CleanSummary(summary string) string {
	cleaned := ai.Sanitize(summary)
	cleaned = leadingEmphasis.ReplaceAllString(cleaned, "")
	cleaned = leadingFiller.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(pdfInstructions.Split(cleaned, 2)[0])
	cleaned = trailingQuestion.ReplaceAllString(cleaned, "")
	cleaned = ai.Sanitize(cleaned)
	if utf8.RuneCountInString(cleaned) < minCleanedRunes {
		return ai.Sanitize(summary)
	}
	return cleaned
}

// Completer returns one full completion.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// QuizSource builds the quiz used for exercise sheets.
type QuizSource interface {
	Generate(ctx context.Context, req quiz.Request) *models.Quiz
}

// Composer writes the title and paragraphs of a requested PDF.
type Composer struct {
	completer Completer
	quizzes   QuizSource
	logger    *zap.Logger
}

// NewComposer accepts nil collaborators; the matching sections then use
// their fixed fallback text.
func NewComposer(c Completer, q QuizSource, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{completer: c, quizzes: q, logger: logger}
}

// Compose returns the document for request.
func (c *Composer) Compose(ctx context.Context, request string) (title string, paragraphs []string) {
	plan := PDFPlan(request)
	switch plan.Kind {
	case PDFSummary:
		return c.summary(ctx, request)
	case PDFExercises:
		return c.exercises(ctx, request)
	default:
		return c.generic(ctx, plan.Title)
	}
}

func (c *Composer) complete(ctx context.Context, system, prompt string) string {
	if c.completer == nil {
		return ""
	}
	out, err := c.completer.Complete(ctx, system, prompt)
	if err != nil {
		c.logger.Warn("pdf completion failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(out)
}

func (c *Composer) summary(ctx context.Context, request string) (string, []string) {
	prompt := fmt.Sprintf("Fais un court résumé pour des enfants de 6 à 12 ans sur le sujet: %s. "+
		"Utilise un langage simple, 3 à 5 phrases, enthousiaste et encourageant. Réponds en français.", request)
	summary := c.complete(ctx, summarySystem, prompt)
	if utf8.RuneCountInString(summary) < minSummaryRunes {
		summary = fmt.Sprintf("Voici un petit résumé sur %s : %s est un sujet intéressant pour les enfants. "+
			"Lis des histoires simples et pose des questions si tu veux en savoir plus.", request, request)
	}
	cleaned := CleanSummary(summary)

	topic := ""
	if m := summaryTopic.FindStringSubmatch(request); m != nil {
		topic = strings.Trim(strings.TrimSpace(m[1]), ".")
	}
	if topic == "" {
		topic = CleanPDFTitle(request)
	}
	c.logger.Debug("pdf summary", zap.String("request", request), zap.String("summary", cleaned))
	return "Résumé : " + topic, []string{cleaned}
}

func (c *Composer) exercises(ctx context.Context, request string) (string, []string) {
	topic := CleanPDFTitle(request)
	if c.quizzes == nil {
		return topic, []string{"Exercices sur: " + topic}
	}
	q := c.quizzes.Generate(ctx, quiz.Request{Topic: topic, Difficulty: quiz.DefaultDifficulty, NumQuestions: 3, Age: quiz.DefaultAge})
	if q == nil || len(q.Questions) == 0 {
		return topic, []string{"Exercices sur: " + topic}
	}
	paragraphs := []string{q.Title}
	for _, question := range q.Questions {
		opts := make([]string, len(question.Choices))
		for i, choice := range question.Choices {
			opts[i] = fmt.Sprintf("%c) %s", rune('A'+i), choice)
		}
		paragraphs = append(paragraphs,
			"Question: "+question.Text,
			"Options: "+strings.Join(opts, " ; "),
		)
	}
	return "Exercices : " + topic, paragraphs
}

func (c *Composer) generic(ctx context.Context, title string) (string, []string) {
	prompt := fmt.Sprintf("Écris un court texte pour enfants de 6 à 12 ans sur le sujet: %s. "+
		"Utilise 3 à 5 phrases simples et encourageantes. Réponds en français.", title)
	content := c.complete(ctx, genericSystem, prompt)
	if utf8.RuneCountInString(content) < minGenericRunes {
		return title, []string{fmt.Sprintf("Voici des informations sur %s.", title)}
	}
	return title, []string{ai.Sanitize(content)}
}
