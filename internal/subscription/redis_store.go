package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Projections are JSON documents; the session index is a
// single hash from payment session id to tenant id.
const (
	redisCurrentPrefix = "projection:"
	redisLegacyPrefix  = "projection:legacy:"
	redisSessionIndex  = "projection:sessions"
)

// claimSession points the session index at a tenant unless another real
// tenant already holds it. A pending placeholder gives way to its claimant.
var claimSession = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], ARGV[1])
if (not holder) or holder == ARGV[2] or string.sub(holder, 1, string.len(ARGV[3])) == ARGV[3] then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// RedisStore keeps projections in Redis for deployments that serve the
// profile read path from a cache tier.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a Redis-backed projection store.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, tenantID string) (*Projection, error) {
	raw, err := s.rdb.Get(ctx, redisCurrentPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: redis get: %w", err)
	}
	p := &Projection{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("subscription: decode projection %s: %w", tenantID, err)
	}
	return p, nil
}

func (s *RedisStore) GetLegacy(ctx context.Context, tenantID string) (*LegacyProjection, error) {
	raw, err := s.rdb.Get(ctx, redisLegacyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: redis get legacy: %w", err)
	}
	return decodeLegacy(tenantID, raw)
}

// Put replaces the current document, drops any legacy one, and claims the
// session index entry if it is free, pending or already this tenant's.
func (s *RedisStore) Put(ctx context.Context, p *Projection) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisCurrentPrefix+p.TenantID, raw, 0)
		pipe.Del(ctx, redisLegacyPrefix+p.TenantID)
		if p.PaymentSessionID != "" {
			claimSession.Eval(ctx, pipe, []string{redisSessionIndex}, p.PaymentSessionID, p.TenantID, PendingPrefix)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscription: redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) PutLegacy(ctx context.Context, lp *LegacyProjection) error {
	raw, err := json.Marshal(lp)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisLegacyPrefix+lp.TenantID, raw, 0)
		if lp.SessionID != "" {
			pipe.HSetNX(ctx, redisSessionIndex, lp.SessionID, lp.TenantID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscription: redis put legacy: %w", err)
	}
	return nil
}

// Delete removes both shapes and releases any session index entry that
// still points at tenantID.
func (s *RedisStore) Delete(ctx context.Context, tenantID string) error {
	var sessions []string
	if p, err := s.Get(ctx, tenantID); err == nil && p.PaymentSessionID != "" {
		sessions = append(sessions, p.PaymentSessionID)
	}
	if lp, err := s.GetLegacy(ctx, tenantID); err == nil && lp.SessionID != "" {
		sessions = append(sessions, lp.SessionID)
	}

	owned := make([]string, 0, len(sessions))
	for _, sid := range sessions {
		holder, err := s.rdb.HGet(ctx, redisSessionIndex, sid).Result()
		if err == nil && holder == tenantID {
			owned = append(owned, sid)
		}
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisCurrentPrefix+tenantID, redisLegacyPrefix+tenantID)
		if len(owned) > 0 {
			pipe.HDel(ctx, redisSessionIndex, owned...)
		}
		return nil
	})
	return err
}

// FindBySession is a single index lookup; the current shape wins over a
// legacy document for the same tenant.
func (s *RedisStore) FindBySession(ctx context.Context, sessionID string) (*Projection, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	tenantID, err := s.rdb.HGet(ctx, redisSessionIndex, sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: redis session index: %w", err)
	}

	p, err := s.Get(ctx, tenantID)
	if err == nil && p.PaymentSessionID == sessionID {
		return p, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	lp, err := s.GetLegacy(ctx, tenantID)
	if err == nil && lp.SessionID == sessionID {
		return lp.Normalize(), nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// Stale index entry.
	_ = s.rdb.HDel(ctx, redisSessionIndex, sessionID).Err()
	return nil, ErrNotFound
}

var _ ProjectionStore = (*RedisStore)(nil)
