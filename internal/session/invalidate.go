package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edututor/internal/redis"
)

const redisInvalidateChannel = "tutor:session:invalidate"

// Invalidation scopes.
const (
	ScopeSession = "session"
	ScopeQuiz    = "quiz"
)

// Invalidation tells other processes to drop cached state for a conversation.
type Invalidation struct {
	ConversationID int64  `json:"conversation_id"`
	Scope          string `json:"scope"`
	Origin         string `json:"origin,omitempty"`
}

// Invalidator carries invalidations between processes.
type Invalidator interface {
	Publish(ctx context.Context, inv Invalidation) error
	// Listen blocks, calling handle for every remote invalidation, until ctx is done.
	Listen(ctx context.Context, handle func(Invalidation)) error
}

func (s *Store) publish(inv Invalidation) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Publish(context.Background(), inv); err != nil {
		s.logger.Warn("publish session invalidation failed",
			zap.Int64("conversation_id", inv.ConversationID),
			zap.String("scope", inv.Scope),
			zap.Error(err))
	}
}

// apply clears local state without republishing.
func (s *Store) apply(inv Invalidation) {
	switch inv.Scope {
	case ScopeQuiz:
		s.clearQuiz(inv.ConversationID)
	case ScopeSession:
		s.clearSession(inv.ConversationID)
	default:
		s.logger.Warn("unknown invalidation scope", zap.String("scope", inv.Scope))
	}
}

func (s *Store) listen(ctx context.Context) {
	defer s.wg.Done()
	if err := s.invalidator.Listen(ctx, s.apply); err != nil && ctx.Err() == nil {
		s.logger.Error("session invalidation listener stopped", zap.Error(err))
	}
}

// RedisInvalidator broadcasts invalidations over redis pub/sub. Messages
// published by the same instance are ignored on receipt.
type RedisInvalidator struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

func NewRedisInvalidator(client *redis.Client, logger *zap.Logger) *RedisInvalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisInvalidator{client: client, origin: uuid.NewString(), logger: logger}
}

func (r *RedisInvalidator) Publish(ctx context.Context, inv Invalidation) error {
	inv.Origin = r.origin
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return r.client.Publish(ctx, redisInvalidateChannel, payload)
}

func (r *RedisInvalidator) Listen(ctx context.Context, handle func(Invalidation)) error {
	ps, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return err
	}
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				r.logger.Warn("session invalidation decode failed", zap.Error(err))
				continue
			}
			if inv.Origin == r.origin {
				continue
			}
			handle(inv)
		}
	}
}
