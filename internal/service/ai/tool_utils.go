package ai

// Helpers of the web_search tool: the conversation tag carried on the
// context, the per-conversation search budget and the page fetcher used when
// a child pastes a link.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

const maxPageBytes = 512 << 10

var errNotText = errors.New("page is not text")

type conversationContextKey struct{}

// WithConversation tags ctx with the conversation a tool call runs for, so
// per-conversation tool limits apply.
func WithConversation(ctx context.Context, conversationID int64) context.Context {
	if conversationID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, conversationContextKey{}, conversationID)
}

// ConversationFromContext returns the id set by WithConversation.
func ConversationFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(conversationContextKey{}).(int64)
	return id, ok
}

// searchBudget allows at most limit searches per conversation in any sliding
// window.
type searchBudget struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	calls map[int64][]time.Time // ascending
}

func newSearchBudget(limit int, window time.Duration) *searchBudget {
	return &searchBudget{limit: limit, window: window, now: time.Now, calls: make(map[int64][]time.Time)}
}

// spend records one search for conversationID and reports whether it fit.
func (b *searchBudget) spend(conversationID int64) bool {
	now := b.now()
	cutoff := now.Add(-b.window)

	b.mu.Lock()
	defer b.mu.Unlock()
	recent := b.calls[conversationID]
	recent = recent[sort.Search(len(recent), func(i int) bool { return recent[i].After(cutoff) }):]
	if len(recent) >= b.limit {
		b.calls[conversationID] = recent
		return false
	}
	b.calls[conversationID] = append(recent, now)
	return true
}

func isLink(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// fetchPage downloads a text page, truncated to maxPageBytes. Binary content
// is refused with errNotText.
func fetchPage(ctx context.Context, client *http.Client, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "EduTutor-WebSearch/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", u.Host, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !(strings.HasPrefix(mediaType, "text/") || strings.HasSuffix(mediaType, "json") || strings.HasSuffix(mediaType, "xml")) {
			return "", fmt.Errorf("%w: %s", errNotText, ct)
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", u.Host, err)
	}
	return string(body), nil
}
