package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lunara-ai/converse/internal/domain/session"
)

const redisKeyPrefix = "session:"

// Redis is a distributed session cache. Freshness is enforced by key TTL,
// so all instances sharing the Redis see the same invalidation semantics.
type Redis struct {
	client    *redis.Client
	freshness time.Duration
	logger    *slog.Logger
}

// NewRedis creates a Redis-backed session cache.
func NewRedis(client *redis.Client, freshness time.Duration, logger *slog.Logger) *Redis {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Redis{client: client, freshness: freshness, logger: logger}
}

// Get returns a cached session. Any Redis or decode failure is treated as
// a miss; the store remains authoritative.
func (r *Redis) Get(ctx context.Context, tenantID, id string) (*session.Session, bool) {
	val, err := r.client.Get(ctx, r.key(tenantID, id)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("session cache read failed", "tenant", tenantID, "session", id, "error", err)
		return nil, false
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		r.logger.Warn("session cache decode failed", "tenant", tenantID, "session", id, "error", err)
		return nil, false
	}
	return &sess, true
}

// Set stores a session with the freshness window as TTL.
func (r *Redis) Set(ctx context.Context, sess *session.Session) {
	val, err := json.Marshal(sess)
	if err != nil {
		r.logger.Warn("session cache encode failed", "session", sess.ID, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.key(sess.TenantID, sess.ID), val, r.freshness).Err(); err != nil {
		r.logger.Warn("session cache write failed", "session", sess.ID, "error", err)
	}
}

// Delete evicts a session.
func (r *Redis) Delete(ctx context.Context, tenantID, id string) {
	if err := r.client.Del(ctx, r.key(tenantID, id)).Err(); err != nil {
		r.logger.Warn("session cache delete failed", "tenant", tenantID, "session", id, "error", err)
	}
}

func (r *Redis) key(tenantID, id string) string {
	return redisKeyPrefix + tenantID + ":" + id
}
