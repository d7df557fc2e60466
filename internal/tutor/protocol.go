// Package tutor routes the messages of a tutoring connection: it decodes the
// inbound actions, drives the quiz, short-turn, media and generation flows and
// emits the typed outbound events.
package tutor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"edututor/internal/quiz"
)

var (
	ErrUnknownAction    = errors.New("unknown action")
	ErrMalformed        = errors.New("malformed payload")
	ErrIdentityRequired = errors.New("identity required")
)

const (
	ActionStartQuiz = "start_quiz"
	ActionMessage   = "message"
)

// Inbound is one decoded client message. The set of implementations is closed.
type Inbound interface {
	inbound()
}

// StartQuiz asks for a new quiz in the conversation.
type StartQuiz struct {
	ConversationID int64
	StudentID      int64
	Topic          string
	Content        string
	Difficulty     string
	NumQuestions   int
	Age            int
}

// UserMessage is a chat turn from the student.
type UserMessage struct {
	ConversationID int64
	StudentID      int64
	Content        string
	Language       string
}

func (StartQuiz) inbound()   {}
func (UserMessage) inbound() {}

// QuizRequest turns the action into a generation request. The topic falls
// back to the content, then to "Quiz".
func (s StartQuiz) QuizRequest() quiz.Request {
	topic := strings.TrimSpace(s.Topic)
	if topic == "" {
		topic = strings.TrimSpace(s.Content)
	}
	if topic == "" {
		topic = "Quiz"
	}
	return quiz.Request{Topic: topic, Difficulty: s.Difficulty, NumQuestions: s.NumQuestions, Age: s.Age}
}

// flexInt accepts a JSON number, a numeric string or null.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer: %q", s)
		}
		*f = flexInt(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		fl, ferr := n.Float64()
		if ferr != nil {
			return err
		}
		v = int64(fl)
	}
	*f = flexInt(v)
	return nil
}

type wireInbound struct {
	Action         string  `json:"action"`
	ConversationID flexInt `json:"conversation_id"`
	StudentID      flexInt `json:"student_id"`
	Content        string  `json:"content"`
	Language       string  `json:"language"`
	Topic          string  `json:"topic"`
	Difficulty     string  `json:"difficulty"`
	NumQuestions   flexInt `json:"num_questions"`
	Age            flexInt `json:"age"`
}

// DecodeInbound parses one client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch strings.TrimSpace(w.Action) {
	case ActionStartQuiz:
		return StartQuiz{
			ConversationID: int64(w.ConversationID),
			StudentID:      int64(w.StudentID),
			Topic:          w.Topic,
			Content:        w.Content,
			Difficulty:     w.Difficulty,
			NumQuestions:   int(w.NumQuestions),
			Age:            int(w.Age),
		}, nil
	case ActionMessage:
		return UserMessage{
			ConversationID: int64(w.ConversationID),
			StudentID:      int64(w.StudentID),
			Content:        w.Content,
			Language:       w.Language,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, w.Action)
	}
}

// WithStudent returns in with its caller identity replaced by studentID.
func WithStudent(in Inbound, studentID int64) Inbound {
	switch v := in.(type) {
	case StartQuiz:
		v.StudentID = studentID
		return v
	case UserMessage:
		v.StudentID = studentID
		return v
	}
	return in
}

// Event is one outbound message.
type Event interface {
	EventType() string
}

// QuestionView is a quiz question as shown to the student, without the answer.
type QuestionView struct {
	ID       int      `json:"id"`
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
}

type Score struct {
	Correct int `json:"correct"`
	Current int `json:"current"`
	Total   int `json:"total"`
}

type FinalScore struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

type ConversationEvent struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type PartialEvent struct {
	Text string `json:"text"`
}

type DoneEvent struct {
	Text string `json:"text"`
}

type ErrorEvent struct {
	Text string `json:"text"`
}

type QuizStartEvent struct {
	Title    string       `json:"title"`
	Question QuestionView `json:"question"`
}

type QuizQuestionEvent struct {
	Question QuestionView `json:"question"`
}

type QuizFeedbackEvent struct {
	Result quiz.Result `json:"result"`
	Score  Score       `json:"score"`
}

type QuizDoneEvent struct {
	Summary string     `json:"summary"`
	Score   FinalScore `json:"score"`
}

type AssistantReplyEvent struct {
	Text string `json:"text"`
}

type ImageEvent struct {
	ImageB64    string `json:"image_b64"`
	ContentType string `json:"content_type"`
	Caption     string `json:"caption"`
}

type PDFEvent struct {
	PDFB64      string `json:"pdf_b64"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Title       string `json:"title"`
}

func (ConversationEvent) EventType() string   { return "conversation" }
func (PartialEvent) EventType() string        { return "partial" }
func (DoneEvent) EventType() string           { return "done" }
func (ErrorEvent) EventType() string          { return "error" }
func (QuizStartEvent) EventType() string      { return "quiz_start" }
func (QuizQuestionEvent) EventType() string   { return "quiz_question" }
func (QuizFeedbackEvent) EventType() string   { return "quiz_feedback" }
func (QuizDoneEvent) EventType() string       { return "quiz_done" }
func (AssistantReplyEvent) EventType() string { return "assistant_reply" }
func (ImageEvent) EventType() string          { return "image" }
func (PDFEvent) EventType() string            { return "pdf" }

// MarshalEvent encodes ev as a flat object with its "type" first.
func MarshalEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.EventType(), err)
	}
	typ, _ := json.Marshal(ev.EventType())

	var buf bytes.Buffer
	buf.Grow(len(payload) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if body := bytes.TrimSpace(payload[1 : len(payload)-1]); len(body) > 0 {
		buf.WriteByte(',')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
