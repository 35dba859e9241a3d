// Package recurring tracks how much of a plan's included monthly
// allowance an organization has consumed. The counter lives in redis
// keyed by billing period and is rebuilt from the ledger on a miss, so
// losing it only costs one aggregate query.
package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/meterd/internal/clock"
	ledgerdomain "github.com/smallbiznis/meterd/internal/ledger/domain"
	orgdomain "github.com/smallbiznis/meterd/internal/organization/domain"
)

const (
	keyUsage = "recurring:%s:%d"

	minUsageTTL = time.Hour
	maxUsageTTL = 24 * time.Hour
)

var incrIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCRBY", KEYS[1], ARGV[1])
end
return false
`)

type Params struct {
	fx.In

	Redis  *redis.Client
	Log    *zap.Logger
	Clock  clock.Clock
	Ledger ledgerdomain.Service
}

type Pool struct {
	rdb    *redis.Client
	log    *zap.Logger
	clock  clock.Clock
	ledger ledgerdomain.Service
}

func NewPool(p Params) *Pool {
	return &Pool{
		rdb:    p.Redis,
		log:    p.Log.Named("recurring.pool"),
		clock:  p.Clock,
		ledger: p.Ledger,
	}
}

// Remaining reports the unconsumed part of the period's included
// allowance: max(0, included - used). Plans without an allowance always
// report zero.
func (p *Pool) Remaining(ctx context.Context, orgID snowflake.ID, sub orgdomain.Subscription) (int64, error) {
	if sub.IncludedCredits <= 0 {
		return 0, nil
	}

	used, err := p.used(ctx, orgID, sub)
	if err != nil {
		return 0, err
	}
	if used >= sub.IncludedCredits {
		return 0, nil
	}
	return sub.IncludedCredits - used, nil
}

// Increment records allowance consumption after the ledger write
// committed. A cold counter is left alone; the next Remaining rebuilds
// it from the ledger, which already includes this usage.
func (p *Pool) Increment(ctx context.Context, orgID snowflake.ID, sub orgdomain.Subscription, used int64) {
	if sub.IncludedCredits <= 0 || used <= 0 {
		return
	}

	key := fmt.Sprintf(keyUsage, orgID.String(), sub.BillingPeriodStart.Unix())
	err := incrIfExistsScript.Run(ctx, p.rdb, []string{key}, used).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		p.log.Warn("recurring usage increment failed",
			zap.String("org_id", orgID.String()), zap.Error(err))
		p.rdb.Del(ctx, key)
	}
}

func (p *Pool) used(ctx context.Context, orgID snowflake.ID, sub orgdomain.Subscription) (int64, error) {
	key := fmt.Sprintf(keyUsage, orgID.String(), sub.BillingPeriodStart.Unix())

	used, err := p.rdb.Get(ctx, key).Int64()
	if err == nil {
		return used, nil
	}
	if !errors.Is(err, redis.Nil) {
		p.log.Warn("recurring usage read failed, rebuilding from ledger",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return p.rebuild(ctx, orgID, sub)
	}

	used, err = p.rebuild(ctx, orgID, sub)
	if err != nil {
		return 0, err
	}
	if err := p.rdb.Set(ctx, key, used, p.usageTTL(sub)).Err(); err != nil {
		p.log.Warn("recurring usage populate failed",
			zap.String("org_id", orgID.String()), zap.Error(err))
	}
	return used, nil
}

// rebuild replays the period's subtractions. True cost is capped at the
// allowance: spending beyond it drew on the paid balance, not the pool.
func (p *Pool) rebuild(ctx context.Context, orgID snowflake.ID, sub orgdomain.Subscription) (int64, error) {
	used, err := p.ledger.SumTrueCostInPeriod(ctx, orgID, sub.BillingPeriodStart, sub.BillingPeriodEnd)
	if err != nil {
		return 0, err
	}
	if used > sub.IncludedCredits {
		used = sub.IncludedCredits
	}
	return used, nil
}

// usageTTL keeps the counter no longer than the period it describes,
// bounded to [1h, 24h].
func (p *Pool) usageTTL(sub orgdomain.Subscription) time.Duration {
	ttl := sub.BillingPeriodEnd.Sub(p.clock.Now())
	if ttl < minUsageTTL {
		return minUsageTTL
	}
	if ttl > maxUsageTTL {
		return maxUsageTTL
	}
	return ttl
}

var Module = fx.Module("recurring",
	fx.Provide(NewPool),
)
