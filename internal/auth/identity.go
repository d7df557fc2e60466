package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"edututor/internal/models"
	"edututor/internal/redis"
)

const (
	redisStudentPrefix = "auth:student:"
	defaultIdentityTTL = 10 * time.Minute
)

// StudentLookup finds the learner profile of an external user.
type StudentLookup interface {
	StudentForUser(ctx context.Context, userID int64) (*models.Student, error)
}

// Identity resolves user ids to students. Concurrent lookups for the same
// user share one query, and hits are kept in redis when a client is set.
type Identity struct {
	lookup StudentLookup
	cache  *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

func NewIdentity(lookup StudentLookup, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *Identity {
	if ttl <= 0 {
		ttl = defaultIdentityTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Identity{lookup: lookup, cache: cache, ttl: ttl, logger: logger}
}

// StudentForUser returns the profile for userID. Lookup errors, including
// "not found", are returned unchanged and never cached.
func (i *Identity) StudentForUser(ctx context.Context, userID int64) (*models.Student, error) {
	key := redisStudentPrefix + strconv.FormatInt(userID, 10)
	if st, ok := i.cached(ctx, key); ok {
		return st, nil
	}
	v, err, _ := i.group.Do(key, func() (any, error) {
		st, err := i.lookup.StudentForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		i.store(ctx, key, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	st := *v.(*models.Student)
	return &st, nil
}

// Forget drops the cached profile of userID.
func (i *Identity) Forget(ctx context.Context, userID int64) {
	if i.cache == nil {
		return
	}
	if err := i.cache.Del(ctx, redisStudentPrefix+strconv.FormatInt(userID, 10)); err != nil {
		i.logger.Warn("identity cache delete failed", zap.Error(err))
	}
}

func (i *Identity) cached(ctx context.Context, key string) (*models.Student, bool) {
	if i.cache == nil {
		return nil, false
	}
	raw, err := i.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			i.logger.Warn("identity cache lookup failed", zap.Error(err))
		}
		return nil, false
	}
	var st models.Student
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.ID <= 0 {
		return nil, false
	}
	return &st, true
}

func (i *Identity) store(ctx context.Context, key string, st *models.Student) {
	if i.cache == nil {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := i.cache.Set(ctx, key, payload, i.ttl); err != nil {
		i.logger.Warn("identity cache write failed", zap.Error(err))
	}
}
