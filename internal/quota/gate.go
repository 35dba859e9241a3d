// Package quota gates inference by subscription tier. Free and premium
// tier models carry monthly inference quotas; everything else falls
// through to balance gating. Counts live in redis keyed by calendar
// month and are approximate by design.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/meterd/internal/balance"
	"github.com/smallbiznis/meterd/internal/clock"
	"github.com/smallbiznis/meterd/internal/config"
	modeldomain "github.com/smallbiznis/meterd/internal/model/domain"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
)

// Rejection reasons, surfaced verbatim in admission responses.
const (
	ReasonFreeUsageExceeded    = "free-usage-exceeded"
	ReasonPremiumUsageExceeded = "premium-usage-exceeded"
	ReasonNotEnoughCredits     = "not-enough-credits"
	ReasonModelUnknown         = "model-unknown"
)

const (
	keyUsage = "quota:%s:%s:%s"

	// Counters cover one calendar month; the expiry just needs to
	// outlive the longest one.
	usageExpiry = 40 * 24 * time.Hour
)

// Result is the gate's verdict. Reason is set only when rejected.
type Result struct {
	Allowed bool
	Reason  string
}

type Params struct {
	fx.In

	Redis   *redis.Client
	Log     *zap.Logger
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Balance *balance.Cache
}

type Gate struct {
	rdb     *redis.Client
	log     *zap.Logger
	clock   clock.Clock
	billing *config.BillingConfigHolder
	balance *balance.Cache
}

func NewGate(p Params) *Gate {
	return &Gate{
		rdb:     p.Redis,
		log:     p.Log.Named("quota.gate"),
		clock:   p.Clock,
		billing: p.Billing,
		balance: p.Balance,
	}
}

// Check applies the tiered monthly quota. Enterprise organizations and
// models outside the free/premium buckets skip the count and are gated
// on balance alone. An unresolvable model is always rejected.
func (g *Gate) Check(ctx context.Context, orgID snowflake.ID, orgTier orgdomain.Tier, model *modeldomain.Model) (Result, error) {
	if model == nil {
		return Result{Reason: ReasonModelUnknown}, nil
	}

	if orgTier != orgdomain.TierEnterprise {
		switch model.Tier {
		case modeldomain.ModelTierFree:
			return g.checkMonthly(ctx, orgID, model.Tier, g.billing.Get().FreeTierMonthlyQuota, ReasonFreeUsageExceeded)
		case modeldomain.ModelTierPremium:
			return g.checkMonthly(ctx, orgID, model.Tier, g.billing.Get().PremiumTierMonthlyQuota, ReasonPremiumUsageExceeded)
		}
	}

	bal, err := g.balance.Get(ctx, orgID)
	if err != nil {
		return Result{}, err
	}
	if bal-model.CostPerStep < 0 {
		return Result{Reason: ReasonNotEnoughCredits}, nil
	}
	return Result{Allowed: true}, nil
}

// Exhausted reports whether the month's quota for one model tier is
// already used up, without consuming anything.
func (g *Gate) Exhausted(ctx context.Context, orgID snowflake.ID, modelTier modeldomain.ModelTier) (bool, error) {
	var limit int64
	switch modelTier {
	case modeldomain.ModelTierFree:
		limit = g.billing.Get().FreeTierMonthlyQuota
	case modeldomain.ModelTierPremium:
		limit = g.billing.Get().PremiumTierMonthlyQuota
	default:
		return false, nil
	}

	usage, err := g.usage(ctx, orgID, modelTier)
	if err != nil {
		return false, err
	}
	return usage+1 >= limit, nil
}

// Increment counts one inference against the month's quota. Only free
// and premium tier models are tracked.
func (g *Gate) Increment(ctx context.Context, orgID snowflake.ID, modelTier modeldomain.ModelTier) {
	if modelTier != modeldomain.ModelTierFree && modelTier != modeldomain.ModelTierPremium {
		return
	}

	key := g.key(orgID, modelTier)
	pipe := g.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, usageExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		g.log.Warn("quota usage increment failed",
			zap.String("org_id", orgID.String()), zap.Error(err))
	}
}

func (g *Gate) checkMonthly(ctx context.Context, orgID snowflake.ID, modelTier modeldomain.ModelTier, limit int64, reason string) (Result, error) {
	usage, err := g.usage(ctx, orgID, modelTier)
	if err != nil {
		// Quotas protect margins, not correctness; an unreadable
		// counter admits.
		g.log.Warn("quota usage unavailable, admitting",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return Result{Allowed: true}, nil
	}
	if usage+1 >= limit {
		return Result{Reason: reason}, nil
	}
	return Result{Allowed: true}, nil
}

func (g *Gate) usage(ctx context.Context, orgID snowflake.ID, modelTier modeldomain.ModelTier) (int64, error) {
	usage, err := g.rdb.Get(ctx, g.key(orgID, modelTier)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return usage, err
}

func (g *Gate) key(orgID snowflake.ID, modelTier modeldomain.ModelTier) string {
	return fmt.Sprintf(keyUsage, modelTier, orgID.String(), g.clock.Now().Format("2006-01"))
}

var Module = fx.Module("quota",
	fx.Provide(NewGate),
)
