// Package quiz generates, validates and grades short multiple-choice quizzes
// for children.
package quiz

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"edututor/internal/models"
)

// Completer returns one full completion for a system and user prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Request describes the quiz to build.
type Request struct {
	Topic        string `json:"topic"`
	Difficulty   string `json:"difficulty"`
	NumQuestions int    `json:"num_questions"`
	Age          int    `json:"age"`
}

const (
	DefaultDifficulty   = "easy"
	DefaultAge          = 9
	DefaultNumQuestions = 3
	MaxQuestions        = 5
	defaultAttempts     = 2
)

func (r Request) normalized() Request {
	if r.NumQuestions <= 0 {
		r.NumQuestions = DefaultNumQuestions
	}
	r.NumQuestions = min(max(r.NumQuestions, 1), MaxQuestions)
	if strings.TrimSpace(r.Difficulty) == "" {
		r.Difficulty = DefaultDifficulty
	}
	if r.Age <= 0 {
		r.Age = DefaultAge
	}
	return r
}

// Engine builds quizzes with a Completer and falls back to local pools.
type Engine struct {
	completer Completer
	attempts  int
	explain   bool
	logger    *zap.Logger
}

type Option func(*Engine)

// WithAttempts sets how many completions are tried before falling back.
func WithAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithExplanations toggles model-written explanations for wrong answers.
func WithExplanations(on bool) Option {
	return func(e *Engine) { e.explain = on }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Engine. c may be nil, in which case every quiz comes from
// the fallback pools and wrong answers get the fixed explanation.
func New(c Completer, opts ...Option) *Engine {
	e := &Engine{
		completer: c,
		attempts:  defaultAttempts,
		explain:   c != nil,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.completer == nil {
		e.explain = false
	}
	return e
}

const generateSystemPrompt = "Tu es un assistant qui renvoie STRICTEMENT un objet JSON valide, sans texte additionnel."

func generatePrompt(r Request) string {
	return "Génère un quiz pour des enfants (6-12 ans) au format JSON strict. " +
		"Structure exacte attendue: {\n  \"title\": string,\n  \"questions\": [ { \"id\": int, \"question\": string, \"choices\": [string,...], \"answer_index\": int }, ... ]\n}." +
		fmt.Sprintf(" Sujet: %s. Difficulté: %s. Age: %d. Nombre de questions: %d.", r.Topic, r.Difficulty, r.Age, r.NumQuestions) +
		" Les champs doivent être présents et `answer_index` doit être un entier 0-based valide pour chaque question." +
		" Retourne uniquement l'objet JSON sans explications ni commentaires."
}

// Generate never fails and always returns exactly the requested number of
// questions. Invalid, short or missing completions yield Fallback.
func (e *Engine) Generate(ctx context.Context, req Request) *models.Quiz {
	req = req.normalized()
	if e.completer != nil {
		prompt := generatePrompt(req)
		for attempt := 1; attempt <= e.attempts; attempt++ {
			if ctx.Err() != nil {
				break
			}
			text, err := e.completer.Complete(ctx, generateSystemPrompt, prompt)
			if err != nil {
				e.logger.Warn("quiz completion failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			parsed, err := Parse(text)
			if err != nil {
				e.logger.Info("quiz completion rejected", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if len(parsed.Questions) < req.NumQuestions {
				e.logger.Info("quiz completion too short",
					zap.Int("attempt", attempt),
					zap.Int("want", req.NumQuestions),
					zap.Int("got", len(parsed.Questions)))
				continue
			}
			parsed.Questions = parsed.Questions[:req.NumQuestions]
			titleSource := req.Topic
			if strings.TrimSpace(titleSource) == "" {
				titleSource = parsed.Title
			}
			parsed.Title = "Quiz: " + CleanTitle(titleSource)
			return parsed
		}
	}
	return Fallback(req.Topic, req.NumQuestions, req.Age)
}
