package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edututor/internal/models"
	"edututor/internal/quiz"
	"edututor/internal/resolver"
	"edututor/internal/service/ai"
	"edututor/internal/service/assistant"
	"edututor/internal/service/media"
	"edututor/internal/session"
	"edututor/internal/worker"
)

// DefaultChildGuard is the system prompt of every chat turn.
const DefaultChildGuard = "Tu es un assistant bienveillant pour les enfants de 6 à 12 ans. " +
	"Utilise un langage simple et joyeux, phrases courtes, vocabulaire clair, et rends les réponses encourageantes et ludiques. " +
	"Si la question est une erreur, donne une courte explication et encourage l'enfant. " +
	"Réponds en français sauf indication contraire. Pas de Markdown ni de listes complexes."

const defaultGenerationTimeout = 2 * time.Minute

// Texts of the error events.
const (
	textQuizIdentity    = "student_id is required to start a quiz."
	textMessageIdentity = "student_id is required to start a conversation."
	textStudentNotFound = "Student profile not found."
	textEmptyMessage    = "Le message est vide."
	textTimeout         = "La réponse a pris trop de temps."
	textBusy            = "L'assistant est très occupé, réessaie dans un instant."
)

// Persistence is the durable storage the router writes to.
type Persistence interface {
	GetOrCreateConversation(ctx context.Context, studentID, conversationID int64) (*models.Conversation, error)
	EnsureTitle(ctx context.Context, c *models.Conversation, firstMessage string) (bool, error)
	SaveMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, messageID int64, content string) error
	SaveProvisional(ctx context.Context, conversationID int64, turnID, fragment string) error
	DeleteProvisional(ctx context.Context, conversationID int64, turnID string) (int64, error)
	ConversationText(ctx context.Context, conversationID int64) (string, error)
	UpdateConversationTopic(ctx context.Context, conversationID int64, topic string) error
	SaveQuiz(ctx context.Context, conversationID int64, q *models.Quiz) (int64, error)
	StartAttempt(ctx context.Context, quizID, studentID int64, total int) (int64, error)
	SaveAnswer(ctx context.Context, attemptID int64, a assistant.AttemptAnswer) error
	FinishAttempt(ctx context.Context, attemptID int64, score, total int) error
	SaveMediaFile(ctx context.Context, f models.MediaFile) (*models.MediaFile, error)
}

// Identity maps the caller id carried by a frame to a learner profile.
type Identity interface {
	StudentForUser(ctx context.Context, userID int64) (*models.Student, error)
}

type QuizEngine interface {
	Generate(ctx context.Context, req quiz.Request) *models.Quiz
	GradeAnswer(ctx context.Context, q *models.Quiz, qid int, raw string) (quiz.Result, error)
}

// Streamer runs one generation turn.
type Streamer interface {
	Stream(ctx context.Context, key int64, req ai.Request) (<-chan worker.Event, error)
}

type MediaMaker interface {
	Image(ctx context.Context, prompt string) (*media.Asset, error)
	PDF(title string, paragraphs []string) (*media.Asset, error)
	Save(conversationID int64, kind models.MessageType, a *media.Asset, caption string) (models.MediaFile, error)
}

type DocumentComposer interface {
	Compose(ctx context.Context, request string) (title string, paragraphs []string)
}

type Config struct {
	GenerationTimeout time.Duration
	ChildGuard        string
}

// Deps are the collaborators of a Router. Media and Composer are optional;
// without them image and PDF requests go to the model like any message.
type Deps struct {
	Sessions  *session.Store
	Store     Persistence
	Identity  Identity
	Quiz      QuizEngine
	Bridge    Streamer
	Media     MediaMaker
	Composer  DocumentComposer
	Resolver  resolver.Classifier
	ShortTurn resolver.ShortTurnClassifier
	Logger    *zap.Logger
	Config    Config
}

// Router handles the inbound messages of tutoring connections. It is safe
// for concurrent use; each connection calls Handle sequentially.
type Router struct {
	Deps
	nonFatalCount atomic.Int64
}

func NewRouter(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Resolver == nil {
		d.Resolver = resolver.DefaultLexicon
	}
	if d.ShortTurn == nil {
		d.ShortTurn = resolver.NewShortTurn(resolver.DefaultOverlapThreshold)
	}
	if d.Config.GenerationTimeout <= 0 {
		d.Config.GenerationTimeout = defaultGenerationTimeout
	}
	if strings.TrimSpace(d.Config.ChildGuard) == "" {
		d.Config.ChildGuard = DefaultChildGuard
	}
	return &Router{Deps: d}
}

// NonFatalCount is the number of side effects that failed and were swallowed.
func (r *Router) NonFatalCount() int64 {
	return r.nonFatalCount.Load()
}

// nonFatal runs a side effect whose failure must not interrupt the turn.
func (r *Router) nonFatal(ctx context.Context, op string, fn func() error) {
	if err := fn(); err != nil {
		r.nonFatalCount.Add(1)
		if ctx.Err() != nil {
			r.Logger.Debug("side effect aborted", zap.String("op", op), zap.Error(err))
			return
		}
		r.Logger.Warn("side effect failed", zap.String("op", op), zap.Error(err))
	}
}

// Handle processes one inbound message, emitting its events in order. The
// returned error comes from emit only; every other failure is reported to the
// client as an ErrorEvent.
func (r *Router) Handle(ctx context.Context, in Inbound, emit func(Event) error) error {
	switch m := in.(type) {
	case StartQuiz:
		return r.handleStartQuiz(ctx, m, emit)
	case UserMessage:
		return r.handleMessage(ctx, m, emit)
	default:
		return emit(ErrorEvent{Text: "Action inconnue"})
	}
}

// requireCaller fails with ErrIdentityRequired when a frame names no caller.
func requireCaller(studentID int64, action string) error {
	if studentID <= 0 {
		return fmt.Errorf("%s: %w", action, ErrIdentityRequired)
	}
	return nil
}

func errorText(prefix string, err error) ErrorEvent {
	return ErrorEvent{Text: prefix + err.Error()}
}

func (r *Router) student(ctx context.Context, userID int64) (*models.Student, *ErrorEvent) {
	st, err := r.Identity.StudentForUser(ctx, userID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, assistant.ErrStudentNotFound) {
		r.Logger.Error("student lookup failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil, &ErrorEvent{Text: textStudentNotFound}
}

func (r *Router) handleStartQuiz(ctx context.Context, in StartQuiz, emit func(Event) error) error {
	if err := requireCaller(in.StudentID, ActionStartQuiz); err != nil {
		r.Logger.Debug("frame rejected", zap.Error(err))
		return emit(ErrorEvent{Text: textQuizIdentity})
	}
	st, failure := r.student(ctx, in.StudentID)
	if failure != nil {
		return emit(*failure)
	}
	conv, err := r.Store.GetOrCreateConversation(ctx, st.ID, in.ConversationID)
	if err != nil {
		return emit(errorText("Impossible de démarrer le quiz: ", err))
	}
	req := in.QuizRequest()
	if req.Age <= 0 {
		req.Age = st.Age
	}
	// the client needs the id to answer, the conversation may be new
	r.nonFatal(ctx, "ensure title", func() error {
		_, err := r.Store.EnsureTitle(ctx, conv, "Quiz: "+quiz.CleanTitle(req.Topic))
		return err
	})
	if err := emit(ConversationEvent{ID: conv.ID, Title: conv.Title}); err != nil {
		return err
	}
	return r.beginQuiz(ctx, conv, req, "Impossible de démarrer le quiz: ", emit)
}

// beginQuiz generates a quiz, installs it in the session and asks the first
// question.
func (r *Router) beginQuiz(ctx context.Context, conv *models.Conversation, req quiz.Request, failPrefix string, emit func(Event) error) error {
	q := r.Quiz.Generate(ctx, req)
	if q == nil || len(q.Questions) == 0 {
		return emit(errorText(failPrefix, errors.New("aucune question générée")))
	}
	r.Sessions.SetQuiz(conv.ID, q)

	var quizID int64
	r.nonFatal(ctx, "save quiz", func() (err error) {
		quizID, err = r.Store.SaveQuiz(ctx, conv.ID, q)
		return err
	})
	r.nonFatal(ctx, "save quiz json", func() error {
		raw, err := json.Marshal(q)
		if err != nil {
			return err
		}
		_, err = r.Store.SaveMessage(ctx, models.Message{
			ConversationID: conv.ID,
			Sender:         models.SenderAssistant,
			Type:           models.MessageSystem,
			Content:        string(raw),
			Metadata:       map[string]any{"is_quiz": true, "quiz_id": quizID, "internal": true},
		})
		return err
	})
	r.nonFatal(ctx, "save readable quiz", func() error {
		_, err := r.Store.SaveMessage(ctx, models.Message{
			ConversationID: conv.ID,
			Sender:         models.SenderAssistant,
			Type:           models.MessageText,
			Content:        quiz.Readable(q),
			Metadata:       map[string]any{"is_quiz": true, "quiz_id": quizID, "human_readable": true},
		})
		return err
	})
	r.Sessions.UpdateQuizState(conv.ID, func(s *models.QuizState) {
		s.AwaitingAnswer = true
		s.QuizID = quizID
	})

	title := quiz.DisplayTitle(q.Title)
	r.say(ctx, conv.ID, quiz.StartText(title), nil)
	return emit(QuizStartEvent{Title: title, Question: questionView(q.Questions[0])})
}

func questionView(q models.Question) QuestionView {
	return QuestionView{ID: q.ID, Question: q.Text, Choices: append([]string(nil), q.Choices...)}
}

// say persists an assistant text and records it in the session history.
func (r *Router) say(ctx context.Context, conversationID int64, text string, meta map[string]any) string {
	text = ai.Sanitize(text)
	r.nonFatal(ctx, "save assistant message", func() error {
		_, err := r.Store.SaveMessage(ctx, models.Message{
			ConversationID: conversationID,
			Sender:         models.SenderAssistant,
			Type:           models.MessageText,
			Content:        text,
			Metadata:       meta,
		})
		return err
	})
	r.Sessions.AppendHistory(conversationID, models.SenderAssistant, text)
	return text
}

func (r *Router) handleMessage(ctx context.Context, in UserMessage, emit func(Event) error) error {
	if err := requireCaller(in.StudentID, ActionMessage); err != nil {
		r.Logger.Debug("frame rejected", zap.Error(err))
		return emit(ErrorEvent{Text: textMessageIdentity})
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return emit(ErrorEvent{Text: textEmptyMessage})
	}
	st, failure := r.student(ctx, in.StudentID)
	if failure != nil {
		return emit(*failure)
	}
	conv, err := r.Store.GetOrCreateConversation(ctx, st.ID, in.ConversationID)
	if err != nil {
		return emit(errorText("Conversation indisponible: ", err))
	}
	r.nonFatal(ctx, "ensure title", func() error {
		_, err := r.Store.EnsureTitle(ctx, conv, content)
		return err
	})
	if err := emit(ConversationEvent{ID: conv.ID, Title: conv.Title}); err != nil {
		return err
	}

	language := strings.TrimSpace(in.Language)
	if language == "" {
		language = ai.DefaultLanguage
	}
	msg, err := r.Store.SaveMessage(ctx, models.Message{
		ConversationID: conv.ID,
		Sender:         models.SenderStudent,
		Type:           models.MessageText,
		Content:        content,
		Metadata:       map[string]any{"language": language},
	})
	if err != nil {
		r.Logger.Error("save student message", zap.Int64("conversation_id", conv.ID), zap.Error(err))
		return emit(errorText("Impossible d'enregistrer le message: ", err))
	}
	r.Sessions.AppendHistory(conv.ID, models.SenderStudent, content)
	sess := r.Sessions.GetOrCreate(conv.ID)

	if sess.Quiz != nil && sess.QuizState != nil && sess.QuizState.AwaitingAnswer {
		handled, err := r.answerQuiz(ctx, conv.ID, st, msg, sess, emit)
		if handled || err != nil {
			return err
		}
	}

	if prev, ok := sess.LastAssistant(); ok {
		if reply, hit := r.ShortTurn.Evaluate(prev, content); hit {
			return emit(AssistantReplyEvent{Text: r.say(ctx, conv.ID, reply, map[string]any{"short_turn": true})})
		}
	}

	resolved := resolver.Rewrite(r.Resolver, content, resolver.FromSession(sess))
	lower := strings.ToLower(resolved)
	switch {
	case quiz.IsQuizRequest(lower):
		req := quiz.Request{Topic: resolved, Difficulty: quiz.DefaultDifficulty, NumQuestions: quiz.DefaultNumQuestions, Age: quiz.DefaultAge}
		return r.beginQuiz(ctx, conv, req, "Erreur génération quiz: ", emit)
	case r.Media != nil && media.IsImageRequest(lower):
		return r.sendImage(ctx, conv.ID, content, resolved, emit)
	case r.Media != nil && r.Composer != nil && media.IsPDFRequest(lower):
		return r.sendPDF(ctx, conv.ID, content, resolved, emit)
	}
	return r.stream(ctx, conv.ID, resolved, language, emit)
}

// answerQuiz grades content against the current question. handled is false
// when the message should continue through the normal chat flow.
func (r *Router) answerQuiz(ctx context.Context, conversationID int64, st *models.Student, msg *models.Message, sess session.Session, emit func(Event) error) (handled bool, err error) {
	q, cur := sess.Quiz, *sess.QuizState
	total := len(q.Questions)
	if cur.Current >= total {
		r.Sessions.ClearQuiz(conversationID)
		return false, nil
	}
	question := q.Questions[cur.Current]
	res, gerr := r.Quiz.GradeAnswer(ctx, q, question.ID, msg.Content)
	if gerr != nil {
		r.Logger.Warn("grade answer", zap.Int64("conversation_id", conversationID), zap.Error(gerr))
		return false, emit(errorText("Erreur correction quiz: ", gerr))
	}

	attemptID := cur.AttemptID
	if attemptID == 0 && cur.QuizID > 0 {
		r.nonFatal(ctx, "start attempt", func() (err error) {
			attemptID, err = r.Store.StartAttempt(ctx, cur.QuizID, st.ID, total)
			return err
		})
	}
	selected := msg.Content
	if res.UserIndex != nil {
		selected = question.Choices[*res.UserIndex]
	}
	r.nonFatal(ctx, "rewrite answer message", func() error {
		return r.Store.UpdateMessageContent(ctx, msg.ID, ai.Sanitize(selected))
	})
	if attemptID > 0 {
		r.nonFatal(ctx, "save answer", func() error {
			return r.Store.SaveAnswer(ctx, attemptID, assistant.AttemptAnswer{
				QuestionID:    question.ID,
				SelectedIndex: res.UserIndex,
				SelectedText:  selected,
				IsCorrect:     res.IsCorrect,
				Feedback:      res.Explanation,
			})
		})
	}

	var (
		state    models.QuizState
		finished bool
		stale    bool
	)
	active := r.Sessions.UpdateQuizState(conversationID, func(s *models.QuizState) {
		if s.Current != cur.Current || !s.AwaitingAnswer {
			stale = true
			return
		}
		s.AttemptID = attemptID
		finished = quiz.Advance(s, res.IsCorrect, total)
		state = *s
	})
	if !active || stale {
		// another connection answered this question first
		r.Logger.Info("quiz answer discarded", zap.Int64("conversation_id", conversationID))
		return true, nil
	}

	r.say(ctx, conversationID, res.Explanation, map[string]any{"quiz_feedback": true})
	if err := emit(QuizFeedbackEvent{
		Result: res,
		Score:  Score{Correct: state.Correct, Current: state.Current, Total: total},
	}); err != nil {
		return true, err
	}
	if !finished {
		return true, emit(QuizQuestionEvent{Question: questionView(q.Questions[state.Current])})
	}

	summary := r.say(ctx, conversationID, quiz.SummaryText(state.Correct, total), map[string]any{"quiz_summary": true})
	err = emit(QuizDoneEvent{Summary: summary, Score: FinalScore{Correct: state.Correct, Total: total}})
	r.Sessions.ClearQuiz(conversationID)
	if attemptID > 0 {
		r.nonFatal(ctx, "finish attempt", func() error {
			return r.Store.FinishAttempt(ctx, attemptID, state.Correct, total)
		})
	}
	return true, err
}

func (r *Router) sendImage(ctx context.Context, conversationID int64, request, prompt string, emit func(Event) error) error {
	asset, err := r.Media.Image(ctx, prompt)
	if err != nil {
		return emit(errorText("Erreur génération image: ", err))
	}
	path := r.saveMedia(ctx, conversationID, models.MessageImage, asset, "Image générée: "+request)

	msg := models.Message{
		ConversationID: conversationID,
		Sender:         models.SenderAssistant,
		Type:           models.MessageImage,
		Content:        "Image pour: " + request,
		Metadata:       map[string]any{"caption": request},
		FilePath:       path,
	}
	if path == "" {
		msg.Type, msg.Content = models.MessageText, "J'ai créé une image pour: "+request
	}
	r.nonFatal(ctx, "save image message", func() error {
		_, err := r.Store.SaveMessage(ctx, msg)
		return err
	})
	r.Sessions.AppendHistory(conversationID, models.SenderAssistant, msg.Content)
	return emit(ImageEvent{ImageB64: asset.Base64(), ContentType: asset.ContentType, Caption: request})
}

func (r *Router) sendPDF(ctx context.Context, conversationID int64, request, resolved string, emit func(Event) error) error {
	title, paragraphs := r.Composer.Compose(ctx, resolved)
	asset, err := r.Media.PDF(title, paragraphs)
	if err != nil {
		return emit(errorText("Erreur génération PDF: ", err))
	}
	path := r.saveMedia(ctx, conversationID, models.MessagePDF, asset, title)

	msg := models.Message{
		ConversationID: conversationID,
		Sender:         models.SenderAssistant,
		Type:           models.MessagePDF,
		Content:        strings.Join(paragraphs, "\n"),
		Metadata:       map[string]any{"title": title},
		FilePath:       path,
	}
	if path == "" {
		msg.Type, msg.Content = models.MessageText, "J'ai préparé un PDF pour: "+request
	}
	r.nonFatal(ctx, "save pdf message", func() error {
		_, err := r.Store.SaveMessage(ctx, msg)
		return err
	})
	r.Sessions.AppendHistory(conversationID, models.SenderAssistant, msg.Content)
	return emit(PDFEvent{
		PDFB64:      asset.Base64(),
		ContentType: asset.ContentType,
		Filename:    title + ".pdf",
		Title:       title,
	})
}

// saveMedia writes the asset to disk and records it. It returns the stored
// path, or "" when either step failed.
func (r *Router) saveMedia(ctx context.Context, conversationID int64, kind models.MessageType, a *media.Asset, caption string) string {
	var path string
	r.nonFatal(ctx, "save "+string(kind)+" file", func() error {
		f, err := r.Media.Save(conversationID, kind, a, caption)
		if err != nil {
			return err
		}
		stored, err := r.Store.SaveMediaFile(ctx, f)
		if err != nil {
			return err
		}
		path = stored.StoredPath
		return nil
	})
	return path
}

// stream runs one generation turn through the bridge, forwarding fragments
// as partial events and finalizing the message on end.
func (r *Router) stream(ctx context.Context, conversationID int64, prompt, language string, emit func(Event) error) error {
	sctx, cancel := context.WithTimeout(ai.WithConversation(ctx, conversationID), r.Config.GenerationTimeout)
	defer cancel()

	events, err := r.Bridge.Stream(sctx, conversationID, ai.Request{
		Prompt:   prompt,
		System:   r.Config.ChildGuard,
		Language: language,
	})
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return emit(ErrorEvent{Text: textBusy})
	case err != nil:
		return emit(errorText("Assistant unavailable: ", err))
	}

	turnID := uuid.NewString()
	logger := r.Logger.With(zap.Int64("conversation_id", conversationID), zap.String("turn_id", turnID))
	var fragments []string
	for {
		ev, ok := <-events
		if !ok {
			// closed without end: the turn was cancelled
			if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
				logger.Warn("generation timed out")
				return emit(ErrorEvent{Text: textTimeout})
			}
			return nil
		}
		switch ev.Kind {
		case worker.EventFragment:
			fragments = append(fragments, ev.Text)
			if err := emit(PartialEvent{Text: ev.Text}); err != nil {
				return err
			}
			r.nonFatal(ctx, "save provisional fragment", func() error {
				return r.Store.SaveProvisional(ctx, conversationID, turnID, ev.Text)
			})
		case worker.EventError:
			logger.Warn("generation failed", zap.Error(ev.Err))
			if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
				return emit(ErrorEvent{Text: textTimeout})
			}
			return emit(ErrorEvent{Text: ev.Err.Error()})
		case worker.EventEnd:
			return emit(DoneEvent{Text: r.finishTurn(ctx, conversationID, turnID, fragments)})
		}
	}
}

// finishTurn stores the final assistant message of a streamed turn, drops
// its fragments and reclassifies the conversation topic.
func (r *Router) finishTurn(ctx context.Context, conversationID int64, turnID string, fragments []string) string {
	text := ai.Sanitize(strings.Join(fragments, ""))
	r.nonFatal(ctx, "save final message", func() error {
		_, err := r.Store.SaveMessage(ctx, models.Message{
			ConversationID: conversationID,
			Sender:         models.SenderAssistant,
			Type:           models.MessageText,
			Content:        text,
			TurnID:         turnID,
		})
		return err
	})
	r.nonFatal(ctx, "delete provisional fragments", func() error {
		_, err := r.Store.DeleteProvisional(ctx, conversationID, turnID)
		return err
	})
	r.Sessions.AppendHistory(conversationID, models.SenderAssistant, text)
	r.nonFatal(ctx, "classify topic", func() error {
		all, err := r.Store.ConversationText(ctx, conversationID)
		if err != nil {
			return err
		}
		topic := resolver.ClassifyTopic(all)
		if topic == "" {
			return nil
		}
		r.Sessions.SetTopic(conversationID, topic)
		if err := r.Store.UpdateConversationTopic(ctx, conversationID, topic); err != nil {
			return fmt.Errorf("store topic %q: %w", topic, err)
		}
		return nil
	})
	return text
}
