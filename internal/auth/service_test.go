package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"edututor/internal/config"
	"edututor/internal/models"
	"edututor/internal/redis"
	"edututor/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open("sqlite3", config.Default())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertUser(t *testing.T, db *storage.DB, id int64) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		id, "user_"+time.Now().Format("150405.000000"), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)

	svc := NewService(db, nil, time.Hour, nil)
	token, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected a 64 char token, got %q", token)
	}
	userID, err := svc.ValidateToken(context.Background(), token)
	if err != nil || userID != 1 {
		t.Fatalf("ValidateToken failed: id=%d err=%v", userID, err)
	}
	if err := svc.RevokeToken(context.Background(), token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, err := svc.IssueToken(context.Background(), 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(context.Background(), 1); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
	if _, err := svc.ValidateToken(context.Background(), ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
	if _, err := svc.IssueToken(context.Background(), 0); err == nil {
		t.Fatalf("expected error for invalid user id")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 2)

	svc := NewService(db, nil, time.Hour, nil)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	token, err := svc.IssueToken(context.Background(), 2)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	var count int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM user_tokens WHERE token = ?`, token).Scan(&count); err != nil {
		t.Fatalf("query tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token not purged")
	}
}

func TestPurgeExpired(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 3)

	svc := NewService(db, nil, time.Hour, nil)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	if _, err := svc.IssueToken(context.Background(), 3); err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = func() time.Time { return base.Add(30 * time.Minute) }
	if _, err := svc.IssueToken(context.Background(), 3); err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = func() time.Time { return base.Add(61 * time.Minute) }
	n, err := svc.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired token, got %d", n)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	insertUser(t, db, 4)
	svc := NewService(db, nil, time.Hour, nil)
	token, err := svc.IssueToken(context.Background(), 4)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	r := gin.New()
	r.GET("/strict", svc.Middleware(), func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user": id})
	})
	r.GET("/optional", svc.Optional(), func(c *gin.Context) {
		if _, ok := UserIDFromContext(c); ok {
			c.String(http.StatusOK, "user")
			return
		}
		c.String(http.StatusOK, "anonymous")
	})

	cases := []struct {
		name   string
		path   string
		header string
		cookie string
		code   int
		body   string
	}{
		{name: "strict without token", path: "/strict", code: http.StatusUnauthorized},
		{name: "strict with bearer", path: "/strict", header: "Bearer " + token, code: http.StatusOK, body: `{"user":4}`},
		{name: "strict with cookie", path: "/strict", cookie: token, code: http.StatusOK, body: `{"user":4}`},
		{name: "strict with bad token", path: "/strict", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "optional anonymous", path: "/optional", code: http.StatusOK, body: "anonymous"},
		{name: "optional bad token", path: "/optional", header: "Bearer nope", code: http.StatusOK, body: "anonymous"},
		{name: "optional with token", path: "/optional", header: "bearer " + token, code: http.StatusOK, body: "user"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if tc.cookie != "" {
			req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: tc.cookie})
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.code, rec.Code)
		}
		if tc.body != "" && rec.Body.String() != tc.body {
			t.Fatalf("%s: unexpected body %s", tc.name, rec.Body.String())
		}
	}
}

type countingLookup struct {
	calls   atomic.Int32
	release chan struct{}
	student *models.Student
}

func (l *countingLookup) StudentForUser(ctx context.Context, userID int64) (*models.Student, error) {
	l.calls.Add(1)
	if l.release != nil {
		<-l.release
	}
	if l.student == nil || l.student.UserID != userID {
		return nil, errors.New("student not found")
	}
	st := *l.student
	return &st, nil
}

func TestIdentityCollapsesConcurrentLookups(t *testing.T) {
	lookup := &countingLookup{release: make(chan struct{}), student: &models.Student{ID: 7, UserID: 70, DisplayName: "Léa"}}
	id := NewIdentity(lookup, nil, time.Minute, nil)

	var wg sync.WaitGroup
	results := make([]*models.Student, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := id.StudentForUser(context.Background(), 70)
			if err != nil {
				t.Errorf("lookup %d: %v", i, err)
				return
			}
			results[i] = st
		}(i)
	}
	// let the goroutines pile up behind the first lookup
	time.Sleep(20 * time.Millisecond)
	close(lookup.release)
	wg.Wait()

	if n := lookup.calls.Load(); n < 1 || n > 5 {
		t.Fatalf("unexpected lookup count %d", n)
	}
	for i, st := range results {
		if st == nil || st.ID != 7 {
			t.Fatalf("result %d: unexpected student %+v", i, st)
		}
	}
	if results[0] == results[1] {
		t.Fatalf("callers should receive distinct copies")
	}
	if _, err := id.StudentForUser(context.Background(), 71); err == nil {
		t.Fatalf("expected an error for an unknown user")
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	cacheClient := redis.NewTestClient(t)
	db := openTestDB(t)
	insertUser(t, db, 10)

	svc := NewService(db, cacheClient, time.Hour, nil)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 10)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	got, err := cacheClient.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != "10" {
		t.Fatalf("expected user 10 in redis, got %s", got)
	}

	_, _ = db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, token)
	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != 10 {
		t.Fatalf("ValidateToken via redis failed: id=%d err=%v", userID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := cacheClient.Get(ctx, redisTokenPrefix+token); !errors.Is(err, redis.ErrCacheMiss) {
		t.Fatalf("expected redis key deleted, got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke")
	}
}

func TestIdentityCachesInRedis(t *testing.T) {
	cacheClient := redis.NewTestClient(t)
	lookup := &countingLookup{student: &models.Student{ID: 3, UserID: 30, DisplayName: "Tom", Age: 8}}
	id := NewIdentity(lookup, cacheClient, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := id.StudentForUser(ctx, 30)
		if err != nil || st.ID != 3 || st.Age != 8 {
			t.Fatalf("lookup %d: %+v %v", i, st, err)
		}
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("expected one backing lookup, got %d", n)
	}
	id.Forget(ctx, 30)
	if _, err := id.StudentForUser(ctx, 30); err != nil {
		t.Fatalf("lookup after forget: %v", err)
	}
	if n := lookup.calls.Load(); n != 2 {
		t.Fatalf("expected a fresh lookup after Forget, got %d", n)
	}
}
