// Package ratelimit implements per-tenant admission control: a Redis
// sliding-window submission limiter and an in-flight concurrency check.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/durq/internal/domain"
)

// SortedSets is the slice of the Redis API the gate uses. *redis.Client
// satisfies it.
type SortedSets interface {
	ZRemRangeByScore(ctx context.Context, key, min, max string) *r.IntCmd
	ZCard(ctx context.Context, key string) *r.IntCmd
	ZAdd(ctx context.Context, key string, members ...r.Z) *r.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *r.BoolCmd
}

type Gate struct {
	rdb SortedSets
	log *zap.Logger
	now func() time.Time
}

func New(rdb SortedSets, log *zap.Logger) *Gate {
	return &Gate{rdb: rdb, log: log, now: time.Now}
}

func rateKey(tenant string) string { return "rate:" + tenant }

// Allow applies the sliding-window submission limit for tenant: evict
// entries older than the window, deny at capacity, otherwise record this
// submission and refresh the key TTL. Any Redis failure fails open with a
// warning; admission must not depend on the counter store being up.
func (g *Gate) Allow(ctx context.Context, tenant string) bool {
	key := rateKey(tenant)
	nowMs := g.now().UnixMilli()
	cutoff := nowMs - domain.RateWindow.Milliseconds()

	if err := g.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return g.failOpen(tenant, err)
	}

	n, err := g.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return g.failOpen(tenant, err)
	}
	if n >= domain.RateLimitPerWindow {
		return false
	}

	// Timestamp plus random suffix so concurrent submissions in the same
	// millisecond get distinct members.
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	if err := g.rdb.ZAdd(ctx, key, r.Z{Score: float64(nowMs), Member: member}).Err(); err != nil {
		return g.failOpen(tenant, err)
	}

	if err := g.rdb.Expire(ctx, key, domain.RateWindow).Err(); err != nil {
		g.log.Warn("rate gate ttl refresh failed", zap.String("tenant_id", tenant), zap.Error(err))
	}
	return true
}

func (g *Gate) failOpen(tenant string, err error) bool {
	g.log.Warn("rate gate open: counter store unreachable",
		zap.String("tenant_id", tenant), zap.Error(err))
	return true
}

// AllowConcurrent applies the in-flight cap. The running count comes from
// the durable store, so this check never fails open.
func (g *Gate) AllowConcurrent(running int) bool {
	return running < domain.MaxConcurrentPerTenant
}
