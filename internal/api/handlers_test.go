package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"edututor/internal/auth"
	"edututor/internal/config"
	"edututor/internal/models"
	"edututor/internal/quiz"
	"edututor/internal/service/ai"
	"edututor/internal/service/assistant"
	"edututor/internal/session"
	"edututor/internal/storage"
	"edututor/internal/tutor"
	"edututor/internal/worker"
)

type echoGen struct{}

func (echoGen) Stream(_ context.Context, req ai.Request, yield func(string) error) error {
	for _, frag := range []string{"Tu as dit: ", req.Prompt} {
		if err := yield(frag); err != nil {
			return err
		}
	}
	return nil
}

// recordingPool remembers which conversations had their queued turns dropped.
type recordingPool struct {
	*worker.Bridge
	mu        sync.Mutex
	cancelled []int64
}

func (p *recordingPool) Cancel(key int64) {
	p.mu.Lock()
	p.cancelled = append(p.cancelled, key)
	p.mu.Unlock()
	p.Bridge.Cancel(key)
}

type testServer struct {
	router    *gin.Engine
	pool      *recordingPool
	assistant *assistant.Service
	auth      *auth.Service
	sessions  *session.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open("sqlite3", config.Default())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	asst := assistant.NewService(db, nil)
	authSvc := auth.NewService(db, nil, time.Hour, nil)
	identity := auth.NewIdentity(asst, nil, 0, nil)
	sessions := session.New(time.Hour)
	t.Cleanup(sessions.Close)
	bridge := worker.NewBridge(echoGen{}, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2}, nil)
	t.Cleanup(bridge.Close)
	pool := &recordingPool{Bridge: bridge}
	engine := quiz.New(nil)

	handler := NewHandler(Options{
		Assistant: asst,
		Auth:      authSvc,
		Identity:  identity,
		Router: tutor.NewRouter(tutor.Deps{
			Sessions: sessions,
			Store:    asst,
			Identity: identity,
			Quiz:     engine,
			Bridge:   bridge,
		}),
		Sessions: sessions,
		Quiz:     engine,
		Pool:     pool,
	})
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, pool: pool, assistant: asst, auth: authSvc, sessions: sessions}
}

// newLearner creates a user with a student profile and returns its auth header.
func (s *testServer) newLearner(t *testing.T, name string) (*models.Student, map[string]string) {
	t.Helper()
	ctx := context.Background()
	u, err := s.assistant.CreateUser(ctx, name)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	st, err := s.assistant.CreateStudent(ctx, u.ID, name, 8)
	if err != nil {
		t.Fatalf("create student: %v", err)
	}
	token, err := s.auth.IssueToken(ctx, u.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return st, map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	s.sessions.GetOrCreate(1)

	resp := doJSONRequest(t, s.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Status   string       `json:"status"`
		Sessions int          `json:"sessions"`
		Workers  worker.Stats `json:"workers"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Status != "ok" || body.Sessions != 1 {
		t.Fatalf("unexpected health body: %s", resp.Body.String())
	}
}

func TestConversationMessages(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	st, authHeader := s.newLearner(t, "lea")
	_, otherHeader := s.newLearner(t, "tom")

	conv, err := s.assistant.CreateConversation(ctx, st.ID, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := s.assistant.SaveMessage(ctx, models.Message{ConversationID: conv.ID, Sender: models.SenderStudent, Content: "Bonjour"}); err != nil {
		t.Fatalf("save message: %v", err)
	}
	if err := s.assistant.SaveProvisional(ctx, conv.ID, "turn-1", "Sal"); err != nil {
		t.Fatalf("save provisional: %v", err)
	}

	path := fmt.Sprintf("/api/conversations/%d/messages", conv.ID)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, path, nil, nil), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, path, nil, otherHeader), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/conversations/abc/messages", nil, authHeader), http.StatusBadRequest)

	resp := doJSONRequest(t, s.router, http.MethodGet, path, nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Conversation models.Conversation `json:"conversation"`
		Messages     []models.Message    `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Conversation.ID != conv.ID {
		t.Fatalf("unexpected conversation %d", body.Conversation.ID)
	}
	if len(body.Messages) != 1 || body.Messages[0].Content != "Bonjour" {
		t.Fatalf("provisional fragments should be hidden, got %+v", body.Messages)
	}

	resp = doJSONRequest(t, s.router, http.MethodGet, "/api/conversations", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var list struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decodeJSON(t, resp.Body.Bytes(), &list)
	if len(list.Conversations) != 1 {
		t.Fatalf("expected one conversation, got %d", len(list.Conversations))
	}
}

func TestClearSession(t *testing.T) {
	s := newTestServer(t)
	st, authHeader := s.newLearner(t, "lea")
	conv, err := s.assistant.CreateConversation(context.Background(), st.ID, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	s.sessions.SetTopic(conv.ID, "Topic: Volcans")

	resp := doJSONRequest(t, s.router, http.MethodDelete, fmt.Sprintf("/api/conversations/%d/session", conv.ID), nil, authHeader)
	assertStatus(t, resp, http.StatusNoContent)
	if _, ok := s.sessions.Get(conv.ID); ok {
		t.Fatalf("session should be cleared")
	}
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	if len(s.pool.cancelled) != 1 || s.pool.cancelled[0] != conv.ID {
		t.Fatalf("queued turns of %d should be dropped, got %v", conv.ID, s.pool.cancelled)
	}
}

func TestQuizGenerateAndGrade(t *testing.T) {
	s := newTestServer(t)
	_, authHeader := s.newLearner(t, "lea")

	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/quiz/generate", map[string]any{"topic": ""}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/quiz/generate", map[string]any{"topic": "planetes", "num_questions": 2}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var q models.Quiz
	decodeJSON(t, resp.Body.Bytes(), &q)
	if len(q.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(q.Questions))
	}

	answers := map[string]int{}
	for _, question := range q.Questions {
		answers[fmt.Sprint(question.ID)] = question.AnswerIndex
	}
	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/quiz/grade", map[string]any{"quiz": q, "answers": answers}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var sum quiz.Summary
	decodeJSON(t, resp.Body.Bytes(), &sum)
	if sum.Total != 2 || sum.Correct != 2 || len(sum.Details) != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	resp = doJSONRequest(t, s.router, http.MethodPost, "/api/quiz/grade", map[string]any{"answers": answers}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestLogoutRevokesToken(t *testing.T) {
	s := newTestServer(t)
	_, authHeader := s.newLearner(t, "lea")

	assertStatus(t, doJSONRequest(t, s.router, http.MethodPost, "/api/logout", nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, s.router, http.MethodGet, "/api/conversations", nil, authHeader), http.StatusUnauthorized)
}

func TestWebSocketConversation(t *testing.T) {
	s := newTestServer(t)
	st, authHeader := s.newLearner(t, "lea")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	header := http.Header{}
	for k, v := range authHeader {
		header.Set(k, v)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/assistant"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(raw string) {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() map[string]any {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev map[string]any
		decodeJSON(t, data, &ev)
		return ev
	}

	send(`hello`)
	if ev := read(); ev["type"] != "error" || ev["text"] != "Payload non-JSON" {
		t.Fatalf("unexpected event %v", ev)
	}
	send(`{"action":"dance"}`)
	if ev := read(); ev["type"] != "error" || ev["text"] != "Action inconnue" {
		t.Fatalf("unexpected event %v", ev)
	}

	// the token wins over the student_id in the frame
	send(`{"action":"message","student_id":999,"content":"Bonjour"}`)
	conv := read()
	if conv["type"] != "conversation" {
		t.Fatalf("expected conversation event, got %v", conv)
	}
	var text strings.Builder
	for {
		ev := read()
		if ev["type"] == "partial" {
			text.WriteString(ev["text"].(string))
			continue
		}
		if ev["type"] != "done" {
			t.Fatalf("expected done, got %v", ev)
		}
		if ev["text"] != "Tu as dit: Bonjour" {
			t.Fatalf("unexpected final text %q", ev["text"])
		}
		break
	}
	if text.String() != "Tu as dit: Bonjour" {
		t.Fatalf("unexpected streamed text %q", text.String())
	}

	convID := int64(conv["id"].(float64))
	if _, err := s.assistant.GetConversation(context.Background(), st.ID, convID); err != nil {
		t.Fatalf("conversation should belong to the token's student: %v", err)
	}
}

func TestWebSocketAnonymousNeedsStudentID(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/assistant"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start_quiz","topic":"planetes"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev map[string]any
	decodeJSON(t, data, &ev)
	if ev["type"] != "error" || ev["text"] != "student_id is required to start a quiz." {
		t.Fatalf("unexpected event %v", ev)
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
