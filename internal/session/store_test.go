package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"edututor/internal/models"
	"edututor/internal/redis"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func sampleQuiz() *models.Quiz {
	return &models.Quiz{
		Title: "Quiz: Planètes",
		Questions: []models.Question{
			{ID: 1, Text: "Quelle est la planète rouge ?", Choices: []string{"Mars", "Vénus"}, AnswerIndex: 0},
			{ID: 2, Text: "Quelle est la plus grande planète ?", Choices: []string{"Terre", "Jupiter"}, AnswerIndex: 1},
		},
	}
}

func TestGetOrCreateIsLazyAndReturnsCopies(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	assert.Equal(t, 0, s.Len())
	sess := s.GetOrCreate(7)
	assert.Equal(t, int64(7), sess.ConversationID)
	assert.Empty(t, sess.History)
	assert.Nil(t, sess.Quiz)
	assert.Equal(t, 1, s.Len())

	s.AppendHistory(7, models.SenderStudent, "bonjour")
	sess.History = append(sess.History, Turn{Speaker: models.SenderAssistant, Text: "mutated"})

	got := s.GetOrCreate(7)
	require.Len(t, got.History, 1)
	assert.Equal(t, "bonjour", got.History[0].Text)
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	clock := newClock()
	s := New(3*time.Hour, WithClock(clock.Now))
	defer s.Close()

	s.AppendHistory(1, models.SenderStudent, "Parle-moi de Mars")
	s.SetTopic(1, "Mars")

	clock.Advance(3*time.Hour + time.Second)

	sess := s.GetOrCreate(1)
	assert.Empty(t, sess.History)
	assert.Empty(t, sess.CurrentTopic)
	_, ok := s.Topic(1)
	assert.False(t, ok)
}

func TestReadDoesNotRefreshExpiry(t *testing.T) {
	clock := newClock()
	s := New(time.Hour, WithClock(clock.Now))
	defer s.Close()

	s.SetTopic(1, "Volcans")
	clock.Advance(50 * time.Minute)
	_ = s.GetOrCreate(1)
	clock.Advance(20 * time.Minute)

	_, ok := s.Topic(1)
	assert.False(t, ok, "a read must not extend the session lifetime")
}

func TestWriteRefreshesExpiry(t *testing.T) {
	clock := newClock()
	s := New(time.Hour, WithClock(clock.Now))
	defer s.Close()

	s.SetTopic(1, "Volcans")
	clock.Advance(50 * time.Minute)
	s.AppendHistory(1, models.SenderStudent, "et après ?")
	clock.Advance(20 * time.Minute)

	topic, ok := s.Topic(1)
	assert.True(t, ok)
	assert.Equal(t, "Volcans", topic)
}

func TestQuizAndStateTravelTogether(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	_, ok := s.QuizState(3)
	assert.False(t, ok)
	assert.False(t, s.UpdateQuizState(3, func(*models.QuizState) {}))

	s.SetQuiz(3, sampleQuiz())
	st, ok := s.QuizState(3)
	require.True(t, ok)
	assert.Equal(t, models.QuizState{}, st)

	ok = s.UpdateQuizState(3, func(st *models.QuizState) {
		st.AwaitingAnswer = true
		st.QuizID = 12
	})
	require.True(t, ok)

	sess := s.GetOrCreate(3)
	require.NotNil(t, sess.Quiz)
	require.NotNil(t, sess.QuizState)
	assert.True(t, sess.QuizState.AwaitingAnswer)
	assert.Equal(t, int64(12), sess.QuizState.QuizID)

	s.ClearQuiz(3)
	sess = s.GetOrCreate(3)
	assert.Nil(t, sess.Quiz)
	assert.Nil(t, sess.QuizState)
}

func TestQuizSnapshotIsIsolated(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	s.SetQuiz(1, sampleQuiz())
	q, ok := s.Quiz(1)
	require.True(t, ok)
	q.Questions[0].Choices[0] = "Pluton"

	again, _ := s.Quiz(1)
	assert.Equal(t, "Mars", again.Questions[0].Choices[0])
}

func TestCurrentNeverMovesBackward(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	s.SetQuiz(1, sampleQuiz())
	s.UpdateQuizState(1, func(st *models.QuizState) { st.Current = 1 })
	s.UpdateQuizState(1, func(st *models.QuizState) { st.Current = 0 })

	st, _ := s.QuizState(1)
	assert.Equal(t, 1, st.Current)
}

func TestClearSession(t *testing.T) {
	s := New(time.Hour)
	defer s.Close()

	s.AppendHistory(4, models.SenderStudent, "salut")
	s.ClearSession(4)
	assert.Equal(t, 0, s.Len())
}

func TestSweepEvictsAcrossShards(t *testing.T) {
	clock := newClock()
	s := New(time.Minute, WithClock(clock.Now), WithShards(4))
	defer s.Close()

	for id := int64(1); id <= 20; id++ {
		s.AppendHistory(id, models.SenderStudent, "x")
	}
	clock.Advance(30 * time.Second)
	s.AppendHistory(100, models.SenderStudent, "fresh")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 20, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestBackgroundSweeperStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newClock()
	s := New(time.Millisecond, WithClock(clock.Now), WithSweepInterval(5*time.Millisecond))
	s.AppendHistory(1, models.SenderStudent, "x")
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Close()
	s.Close()
}

func TestConcurrentAccess(t *testing.T) {
	s := New(time.Hour, WithShards(8))
	defer s.Close()

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := int64(g % 4)
			for i := 0; i < 100; i++ {
				s.AppendHistory(id, models.SenderStudent, "msg")
				_ = s.GetOrCreate(id)
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for id := int64(0); id < 4; id++ {
		total += len(s.GetOrCreate(id).History)
	}
	assert.Equal(t, 1600, total)
}

type chanInvalidator struct {
	published chan Invalidation
	incoming  chan Invalidation
}

func (c *chanInvalidator) Publish(_ context.Context, inv Invalidation) error {
	c.published <- inv
	return nil
}

func (c *chanInvalidator) Listen(ctx context.Context, handle func(Invalidation)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inv := <-c.incoming:
			handle(inv)
		}
	}
}

func TestInvalidatorPublishesAndApplies(t *testing.T) {
	defer goleak.VerifyNone(t)

	inv := &chanInvalidator{
		published: make(chan Invalidation, 4),
		incoming:  make(chan Invalidation),
	}
	s := New(time.Hour, WithInvalidator(inv))
	defer s.Close()

	s.SetQuiz(1, sampleQuiz())
	s.ClearQuiz(1)
	assert.Equal(t, Invalidation{ConversationID: 1, Scope: ScopeQuiz}, <-inv.published)

	s.AppendHistory(2, models.SenderStudent, "salut")
	inv.incoming <- Invalidation{ConversationID: 2, Scope: ScopeSession}
	require.Eventually(t, func() bool {
		_, ok := s.Get(2)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// remote clears are not re-broadcast
	assert.Len(t, inv.published, 0)
}

func TestRedisInvalidatorRoundTrip(t *testing.T) {
	client := redis.NewTestClient(t)

	a := New(time.Hour, WithInvalidator(NewRedisInvalidator(client, nil)))
	defer a.Close()
	b := New(time.Hour, WithInvalidator(NewRedisInvalidator(client, nil)))
	defer b.Close()

	b.AppendHistory(9, models.SenderStudent, "bonjour")
	// give both listeners time to subscribe
	time.Sleep(100 * time.Millisecond)
	a.ClearSession(9)

	require.Eventually(t, func() bool {
		_, ok := b.Get(9)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
