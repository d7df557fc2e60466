package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"edututor/internal/config"
)

type fakeChatModel struct {
	chunks    []string
	streamErr error
	reply     string
	got       [][]*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.got = append(f.got, input)
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.got = append(f.got, input)
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	for _, c := range f.chunks {
		sw.Send(schema.AssistantMessage(c, nil), nil)
	}
	if f.streamErr != nil {
		sw.Send(nil, f.streamErr)
	}
	sw.Close()
	return sr, nil
}

func newTestClient(m *fakeChatModel) *Client {
	return &Client{chat: m, logger: zap.NewNop()}
}

func TestStreamYieldsFragmentsInOrder(t *testing.T) {
	m := &fakeChatModel{chunks: []string{"Bon", "", "jour", " !"}}
	c := newTestClient(m)

	var got []string
	err := c.Stream(context.Background(), Request{Prompt: "salut", System: "Sois gentil."}, func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(got, "|") != "Bon|jour| !" {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if len(m.got) != 1 || len(m.got[0]) != 2 {
		t.Fatalf("expected system and user messages, got %+v", m.got)
	}
	if m.got[0][0].Role != schema.System || m.got[0][0].Content != "Sois gentil." {
		t.Fatalf("unexpected system message: %+v", m.got[0][0])
	}
	if m.got[0][1].Content != "User (fr): salut" {
		t.Fatalf("unexpected user message: %q", m.got[0][1].Content)
	}
}

func TestStreamStopsOnYieldError(t *testing.T) {
	m := &fakeChatModel{chunks: []string{"a", "b", "c"}}
	c := newTestClient(m)
	stop := errors.New("client gone")

	calls := 0
	err := c.Stream(context.Background(), Request{Prompt: "x", Language: "en"}, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected yield error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one yield before stopping, got %d", calls)
	}
	if m.got[0][0].Content != "User (en): x" {
		t.Fatalf("expected language tag, got %q", m.got[0][0].Content)
	}
}

func TestStreamReportsReceiveError(t *testing.T) {
	boom := errors.New("upstream reset")
	c := newTestClient(&fakeChatModel{chunks: []string{"part"}, streamErr: boom})

	var got []string
	err := c.Stream(context.Background(), Request{Prompt: "x"}, func(s string) error {
		got = append(got, s)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped receive error, got %v", err)
	}
	if len(got) != 1 || got[0] != "part" {
		t.Fatalf("fragments before the error should still be yielded, got %q", got)
	}
}

func TestStreamRejectsEmptyPrompt(t *testing.T) {
	c := newTestClient(&fakeChatModel{})
	if err := c.Stream(context.Background(), Request{Prompt: "  "}, func(string) error { return nil }); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	m := &fakeChatModel{reply: `{"questions": []}`}
	c := newTestClient(m)

	out, err := c.Complete(context.Background(), "", "Génère un quiz")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"questions": []}` {
		t.Fatalf("unexpected completion %q", out)
	}
	if len(m.got[0]) != 1 || m.got[0][0].Role != schema.User {
		t.Fatalf("expected a single user message without system prompt, got %+v", m.got[0])
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	cfg := config.Default()
	cfg.Providers["mistral"] = config.ProviderConfig{Model: "mistral-small-latest"}
	_, err := NewClient(context.Background(), cfg, "mistral", nil)
	if !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"markdown", "## Les volcans\n\n- **Lave** chaude\n- _Cendres_\n---\n1. Fin .", "Les volcans Lave chaude Cendres Fin."},
		{"punctuation", "Bonjour , ça va ?", "Bonjour, ça va?"},
		{"whitespace", "  un\t\tdeux\r\n\n\n\ntrois  ", "un deux trois"},
		{"nested markers", "- - double", "double"},
		{"numbered", "1. Mercure\n2. Vénus", "Mercure Vénus"},
		{"stacked markers", strings.Repeat("- ", 12) + "x", "x"},
		{"mixed markers", "1. - * 2. Terre", "Terre"},
		{"marker inside emphasis", "**- Lune**", "Lune"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Sanitize(tc.in)
			if got != tc.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if again := Sanitize(got); again != got {
				t.Fatalf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := []string{
		strings.Repeat("- ", 40) + "fin",
		strings.Repeat("* 1. ", 20) + "fin",
		"**__*_x_*__**",
		"## - 1. **Titre** :\n\n\n\n- a ,\n- b !",
		strings.Repeat("\n", 10) + " , ; ",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		if twice := Sanitize(once); twice != once {
			t.Fatalf("Sanitize(%q): once=%q twice=%q", in, once, twice)
		}
	}
}

type fakeSearch struct {
	result string
	err    error
	args   []string
}

func (f *fakeSearch) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "fake"}, nil
}

func (f *fakeSearch) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	f.args = append(f.args, argumentsInJSON)
	return f.result, f.err
}

func TestWebSearchFallsBackToDuckDuckGo(t *testing.T) {
	google := &fakeSearch{err: errors.New("quota")}
	duck := &fakeSearch{result: "volcans: montagnes qui crachent de la lave"}
	ws := newWebSearchTool(google, duck, nil)

	out, err := ws.run(context.Background(), &webSearchParams{Query: " volcans "})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != duck.result {
		t.Fatalf("unexpected result %q", out)
	}
	if len(google.args) != 1 || google.args[0] != `{"query":"volcans"}` {
		t.Fatalf("unexpected google payload %q", google.args)
	}

	duck.err = errors.New("down")
	if _, err := ws.run(context.Background(), &webSearchParams{Query: "volcans"}); err == nil {
		t.Fatalf("expected error when every provider fails")
	}
	if _, err := ws.run(context.Background(), &webSearchParams{Query: ""}); err == nil {
		t.Fatalf("expected error for empty query")
	}
}

func TestWebSearchRateLimitPerConversation(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ws := newWebSearchTool(nil, &fakeSearch{result: "ok"}, nil)
	ws.limiter.now = func() time.Time { return now }

	ctx := WithConversation(context.Background(), 7)
	for i := 0; i < WebSearchRateLimit; i++ {
		if _, err := ws.run(ctx, &webSearchParams{Query: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := ws.run(ctx, &webSearchParams{Query: "one more"}); !errors.Is(err, errSearchRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if _, err := ws.run(WithConversation(context.Background(), 8), &webSearchParams{Query: "other"}); err != nil {
		t.Fatalf("other conversation should not be limited: %v", err)
	}

	now = now.Add(WebSearchRateWindow + time.Second)
	if _, err := ws.run(ctx, &webSearchParams{Query: "later"}); err != nil {
		t.Fatalf("limit should reset after the window: %v", err)
	}
}

func TestWebSearchFetchesURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "EduTutor") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "Les dauphins sont des mammifères.")
	}))
	defer srv.Close()

	ws := newWebSearchTool(nil, nil, nil)
	out, err := ws.run(context.Background(), &webSearchParams{Query: srv.URL})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "Les dauphins sont des mammifères." {
		t.Fatalf("unexpected body %q", out)
	}
}

func TestFetchPageRefusesBinaryContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	if _, err := fetchPage(context.Background(), srv.Client(), srv.URL); !errors.Is(err, errNotText) {
		t.Fatalf("expected errNotText, got %v", err)
	}
	if _, err := fetchPage(context.Background(), srv.Client(), "ftp://example.org/x"); err == nil {
		t.Fatalf("expected scheme error")
	}

	// the search providers take over when the link cannot be read
	duck := &fakeSearch{result: "une image"}
	ws := newWebSearchTool(nil, duck, nil)
	out, err := ws.run(context.Background(), &webSearchParams{Query: srv.URL})
	if err != nil || out != "une image" {
		t.Fatalf("expected search fallback, got %q %v", out, err)
	}
}

func TestConversationContext(t *testing.T) {
	if _, ok := ConversationFromContext(context.Background()); ok {
		t.Fatalf("expected no conversation on a bare context")
	}
	if _, ok := ConversationFromContext(WithConversation(context.Background(), 0)); ok {
		t.Fatalf("zero id should not be stored")
	}
	id, ok := ConversationFromContext(WithConversation(context.Background(), 42))
	if !ok || id != 42 {
		t.Fatalf("expected 42, got %d %v", id, ok)
	}
}
