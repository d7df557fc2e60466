// Package session keeps the short-lived, process-local memory of each
// conversation: recent turns, the current topic and the active quiz.
package session

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"edututor/internal/models"
)

// Turn is one utterance kept in the session history.
type Turn struct {
	Speaker models.Sender
	Text    string
}

// Session is a snapshot of the cached state of one conversation.
type Session struct {
	ConversationID int64
	History        []Turn
	CurrentTopic   string
	Quiz           *models.Quiz
	QuizState      *models.QuizState
	UpdatedAt      time.Time
}

// LastAssistant returns the most recent assistant turn, if any.
func (s Session) LastAssistant() (string, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Speaker == models.SenderAssistant {
			return s.History[i].Text, true
		}
	}
	return "", false
}

type entry struct {
	history   []Turn
	topic     string
	quiz      *models.Quiz
	state     *models.QuizState
	updatedAt time.Time
}

func (e *entry) snapshot(id int64) Session {
	s := Session{
		ConversationID: id,
		History:        append([]Turn(nil), e.history...),
		CurrentTopic:   e.topic,
		Quiz:           e.quiz.Clone(),
		UpdatedAt:      e.updatedAt,
	}
	if e.state != nil {
		st := *e.state
		s.QuizState = &st
	}
	return s
}

type shard struct {
	mu    sync.Mutex
	items map[int64]*entry
}

// sweepLocked drops expired entries; the caller holds mu.
func (sh *shard) sweepLocked(now time.Time, ttl time.Duration) int {
	n := 0
	for id, e := range sh.items {
		if now.Sub(e.updatedAt) > ttl {
			delete(sh.items, id)
			n++
		}
	}
	return n
}

// Store is a sharded TTL cache of sessions keyed by conversation id.
type Store struct {
	ttl    time.Duration
	shards []*shard
	now    func() time.Time
	logger *zap.Logger

	sweepEvery  time.Duration
	invalidator Invalidator

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithShards sets the number of shards (default 32).
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

// WithSweepInterval enables a background sweep of every shard. Zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepEvery = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInvalidator broadcasts local clears and applies remote ones.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Store) { s.invalidator = inv }
}

const defaultShards = 32

// New builds a Store whose sessions expire ttl after their last update.
func New(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		ttl:    ttl,
		shards: make([]*shard, defaultShards),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[int64]*entry)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.sweepEvery > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}
	if s.invalidator != nil {
		s.wg.Add(1)
		go s.listen(ctx)
	}
	return s
}

func (s *Store) shardFor(id int64) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return s.shards[xxhash.Sum64(buf[:])%uint64(len(s.shards))]
}

// lock returns the shard of id locked and swept.
func (s *Store) lock(id int64) (*shard, time.Time) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	now := s.now()
	sh.sweepLocked(now, s.ttl)
	return sh, now
}

// GetOrCreate returns a copy of the session, creating it when absent.
// Reading an existing session does not refresh its expiry.
func (s *Store) GetOrCreate(id int64) Session {
	sh, now := s.lock(id)
	defer sh.mu.Unlock()
	e, ok := sh.items[id]
	if !ok {
		e = &entry{updatedAt: now}
		sh.items[id] = e
	}
	return e.snapshot(id)
}

// Get returns a copy of an existing session.
func (s *Store) Get(id int64) (Session, bool) {
	sh, _ := s.lock(id)
	defer sh.mu.Unlock()
	e, ok := sh.items[id]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(id), true
}

// mutate runs fn on the entry of id, creating it, and bumps its timestamp.
func (s *Store) mutate(id int64, fn func(*entry)) {
	sh, now := s.lock(id)
	defer sh.mu.Unlock()
	e, ok := sh.items[id]
	if !ok {
		e = &entry{}
		sh.items[id] = e
	}
	fn(e)
	e.updatedAt = now
}

// AppendHistory records one turn.
func (s *Store) AppendHistory(id int64, speaker models.Sender, text string) {
	s.mutate(id, func(e *entry) {
		e.history = append(e.history, Turn{Speaker: speaker, Text: text})
	})
}

func (s *Store) SetTopic(id int64, topic string) {
	s.mutate(id, func(e *entry) { e.topic = topic })
}

// Topic returns the current topic; ok is false when none is set.
func (s *Store) Topic(id int64) (string, bool) {
	sh, _ := s.lock(id)
	defer sh.mu.Unlock()
	e, ok := sh.items[id]
	if !ok || e.topic == "" {
		return "", false
	}
	return e.topic, true
}

// SetQuiz installs quiz with a fresh state, replacing any previous quiz.
func (s *Store) SetQuiz(id int64, quiz *models.Quiz) {
	s.mutate(id, func(e *entry) {
		e.quiz = quiz.Clone()
		e.state = &models.QuizState{}
	})
}

func (s *Store) Quiz(id int64) (*models.Quiz, bool) {
	sh, _ := s.lock(id)
	defer sh.mu.Unlock()
	e, ok := sh.items[id]
	if !ok || e.quiz == nil {
		return nil, false
	}
	return e.quiz.Clone(), true
}

func (s *Store) QuizState(id int64) (models.QuizState, bool) {
	sh, _ := s.lock(id)
	defer sh.mu.Unlock()
	e, ok := sh.items[id]
	if !ok || e.state == nil {
		return models.QuizState{}, false
	}
	return *e.state, true
}

// UpdateQuizState applies fn to the quiz state under the shard lock.
// It returns false when the session has no active quiz.
func (s *Store) UpdateQuizState(id int64, fn func(*models.QuizState)) bool {
	sh, now := s.lock(id)
	defer sh.mu.Unlock()
	e, ok := sh.items[id]
	if !ok || e.state == nil {
		return false
	}
	st := *e.state
	fn(&st)
	if st.Current < e.state.Current {
		st.Current = e.state.Current
	}
	e.state = &st
	e.updatedAt = now
	return true
}

// ClearQuiz drops the quiz and its state together.
func (s *Store) ClearQuiz(id int64) {
	s.clearQuiz(id)
	s.publish(Invalidation{ConversationID: id, Scope: ScopeQuiz})
}

func (s *Store) clearQuiz(id int64) {
	sh, now := s.lock(id)
	defer sh.mu.Unlock()
	if e, ok := sh.items[id]; ok {
		e.quiz = nil
		e.state = nil
		e.updatedAt = now
	}
}

// ClearSession forgets everything about id.
func (s *Store) ClearSession(id int64) {
	s.clearSession(id)
	s.publish(Invalidation{ConversationID: id, Scope: ScopeSession})
}

func (s *Store) clearSession(id int64) {
	sh, _ := s.lock(id)
	delete(sh.items, id)
	sh.mu.Unlock()
}

// Sweep evicts expired sessions from every shard.
func (s *Store) Sweep() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += sh.sweepLocked(s.now(), s.ttl)
		sh.mu.Unlock()
	}
	return total
}

// Len counts cached sessions, expired ones included until swept.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// Close stops background goroutines. Safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("session sweep", zap.Int("evicted", n), zap.Int("remaining", s.Len()))
			}
		}
	}
}
