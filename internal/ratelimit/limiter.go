// Package ratelimit enforces per-organization, per-model admission caps
// over one-minute windows. Counters live in redis so every replica sees
// the same window; a redis outage degrades to admitting traffic rather
// than dropping it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/meterd/internal/cache"
	"github.com/smallbiznis/meterd/internal/clock"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	"github.com/smallbiznis/meterd/pkg/repository"
)

// Denial reasons, surfaced verbatim in admission responses.
const (
	ReasonRequests = "requests"
	ReasonTokens   = "tokens"
)

const (
	keyRequests = "ratelimit:req:%s:%s:%d"
	keyTokens   = "ratelimit:tok:%s:%s:%d"

	// Windows are one minute; keys linger a little longer so a clock
	// skewed replica never resurrects a dead window.
	windowExpiry = 3 * time.Minute

	overrideTTL = 24 * time.Hour
)

// Result is the admission decision for one request.
type Result struct {
	Allowed bool
	Reasons []string
}

var admitted = Result{Allowed: true}

type Params struct {
	fx.In

	DB    *gorm.DB
	Redis *redis.Client
	Log   *zap.Logger
	Clock clock.Clock
}

type Limiter struct {
	rdb       *redis.Client
	log       *zap.Logger
	clock     clock.Clock
	overrides repository.Repository[RateLimitOverride]
	resolved  cache.Cache[string, *RateLimitOverride]
}

func NewLimiter(p Params) *Limiter {
	return &Limiter{
		rdb:       p.Redis,
		log:       p.Log.Named("ratelimit.limiter"),
		clock:     p.Clock,
		overrides: repository.ProvideStore[RateLimitOverride](p.DB),
		resolved:  cache.NewTTLCache[string, *RateLimitOverride](),
	}
}

// Admit checks both window counters against the effective limits and, if
// the request fits, consumes from the windows. Models on customer-managed
// providers bypass limiting entirely.
func (l *Limiter) Admit(ctx context.Context, orgID snowflake.ID, model *modeldomain.Model, estimatedTokens int64) (Result, error) {
	if model == nil || !modeldomain.KnownProvider(model.Provider) {
		return admitted, nil
	}

	limits, err := l.Resolve(ctx, orgID, model)
	if err != nil {
		return Result{}, err
	}
	if limits.MaxRequestsPerMinute <= 0 && limits.MaxTokensPerMinute <= 0 {
		return admitted, nil
	}

	bucket := l.clock.Now().UnixMilli() / time.Minute.Milliseconds()
	reqKey := fmt.Sprintf(keyRequests, orgID.String(), model.Name, bucket)
	tokKey := fmt.Sprintf(keyTokens, orgID.String(), model.Name, bucket)

	requests, err := l.counter(ctx, reqKey)
	if err != nil {
		l.log.Warn("rate limit counter unavailable, admitting",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return admitted, nil
	}
	tokens, err := l.counter(ctx, tokKey)
	if err != nil {
		l.log.Warn("rate limit counter unavailable, admitting",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return admitted, nil
	}

	var reasons []string
	if limits.MaxRequestsPerMinute > 0 && requests+1 > limits.MaxRequestsPerMinute {
		reasons = append(reasons, ReasonRequests)
	}
	if limits.MaxTokensPerMinute > 0 && tokens+estimatedTokens > limits.MaxTokensPerMinute {
		reasons = append(reasons, ReasonTokens)
	}
	if len(reasons) > 0 {
		return Result{Reasons: reasons}, nil
	}

	// Consume only on admission so denied traffic cannot starve the
	// window.
	pipe := l.rdb.Pipeline()
	pipe.Incr(ctx, reqKey)
	pipe.Expire(ctx, reqKey, windowExpiry)
	if estimatedTokens > 0 {
		pipe.IncrBy(ctx, tokKey, estimatedTokens)
		pipe.Expire(ctx, tokKey, windowExpiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("rate limit window update failed",
			zap.String("org_id", orgID.String()), zap.Error(err))
	}
	return admitted, nil
}

// Resolve returns the effective limits for (org, model): the per-org
// override when one exists, the model defaults otherwise. Override
// lookups are cached in process, including the absence of an override.
func (l *Limiter) Resolve(ctx context.Context, orgID snowflake.ID, model *modeldomain.Model) (Limits, error) {
	cacheKey := orgID.String() + ":" + model.ID.String()

	override, ok := l.resolved.Get(cacheKey)
	if !ok {
		var err error
		override, err = l.overrides.FindOne(ctx, &RateLimitOverride{OrgID: orgID, ModelID: model.ID})
		if err != nil {
			return Limits{}, err
		}
		l.resolved.Set(cacheKey, override, overrideTTL)
	}

	if override != nil {
		return Limits{
			MaxRequestsPerMinute: override.MaxRequestsPerMinute,
			MaxTokensPerMinute:   override.MaxTokensPerMinute,
		}, nil
	}
	return Limits{
		MaxRequestsPerMinute: model.DefaultMaxRequestsPerMinute,
		MaxTokensPerMinute:   model.DefaultMaxTokensPerMinute,
	}, nil
}

func (l *Limiter) counter(ctx context.Context, key string) (int64, error) {
	value, err := l.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return value, err
}

var Module = fx.Module("ratelimit",
	fx.Provide(NewLimiter),
)
