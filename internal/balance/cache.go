package balance

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
)

const (
	keyBalance = "credit:balance:%s"
	// Entries refresh from the ledger at least hourly. The ledger, not
	// this mirror, is authoritative.
	balanceTTL = time.Hour
)

// The delta is applied only when the entry exists. A cold entry is
// repopulated from the ledger instead, which already reflects the
// mutation; incrementing it again would double count.
var incrIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return redis.call("INCRBY", KEYS[1], ARGV[1])
end
return false
`)

// Cache is the cache-aside mirror of the durable credit balance: read
// through on miss, write through on every ledger mutation.
type Cache struct {
	rdb *redis.Client
	db  *gorm.DB
	log *zap.Logger
}

type Params struct {
	fx.In

	Redis *redis.Client
	DB    *gorm.DB
	Log   *zap.Logger
}

func NewCache(p Params) *Cache {
	return &Cache{
		rdb: p.Redis,
		db:  p.DB,
		log: p.Log.Named("balance.cache"),
	}
}

// Get returns the cached balance, populating the cache from the ledger
// on a miss. Redis failures degrade to a durable read.
func (c *Cache) Get(ctx context.Context, orgID snowflake.ID) (int64, error) {
	key := fmt.Sprintf(keyBalance, orgID.String())

	value, err := c.rdb.Get(ctx, key).Int64()
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.log.Warn("balance cache read failed, falling back to ledger",
			zap.String("org_id", orgID.String()), zap.Error(err))
		return c.durable(ctx, orgID)
	}

	value, err = c.durable(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if err := c.rdb.Set(ctx, key, value, balanceTTL).Err(); err != nil {
		c.log.Warn("balance cache populate failed", zap.String("org_id", orgID.String()), zap.Error(err))
	}
	return value, nil
}

// IncrBy mirrors a committed ledger mutation into the cache. Call it
// after the durable write; a cold entry reads through instead.
func (c *Cache) IncrBy(ctx context.Context, orgID snowflake.ID, delta int64) (int64, error) {
	key := fmt.Sprintf(keyBalance, orgID.String())

	value, err := incrIfExistsScript.Run(ctx, c.rdb, []string{key}, delta).Int64()
	if err == nil {
		return value, nil
	}
	if errors.Is(err, redis.Nil) {
		return c.Get(ctx, orgID)
	}

	// Drop the entry so the next read reconciles from the ledger.
	c.Invalidate(ctx, orgID)
	return 0, err
}

// DecrBy is IncrBy with the sign flipped.
func (c *Cache) DecrBy(ctx context.Context, orgID snowflake.ID, delta int64) (int64, error) {
	return c.IncrBy(ctx, orgID, -delta)
}

// Invalidate removes the cached entry; best effort.
func (c *Cache) Invalidate(ctx context.Context, orgID snowflake.ID) {
	key := fmt.Sprintf(keyBalance, orgID.String())
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn("balance cache invalidate failed", zap.String("org_id", orgID.String()), zap.Error(err))
	}
}

func (c *Cache) durable(ctx context.Context, orgID snowflake.ID) (int64, error) {
	var balance int64
	err := c.db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(balance), 0) FROM credit_balances WHERE org_id = ?`,
		orgID,
	).Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

var Module = fx.Module("balance",
	fx.Provide(NewCache),
)
