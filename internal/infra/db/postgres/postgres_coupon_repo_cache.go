package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/repository"
	"catalog-billing/internal/infra/metrics"
	red "catalog-billing/internal/infra/redis"
)

var _ repository.CouponRepository = (*couponRepoCacheDecorator)(nil)

// couponRepoCacheDecorator caches code lookups made outside a database
// transaction. Usage limits are still enforced by IncrementUsage against the
// table, so a stale entry can only misquote, never over-redeem.
type couponRepoCacheDecorator struct {
	inner repository.CouponRepository
	cache red.RedisClient
	ttl   time.Duration
}

func NewCouponRepoCacheDecorator(inner repository.CouponRepository, cache red.RedisClient, ttl time.Duration) repository.CouponRepository {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &couponRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   ttl,
	}
}

func couponCacheKey(code string) string {
	return "coupon:" + model.NormalizeCouponCode(code)
}

func (d *couponRepoCacheDecorator) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.Coupon, error) {
	if tx != nil {
		return d.inner.FindByCode(ctx, tx, code)
	}
	key := couponCacheKey(code)
	val, err := d.cache.Get(ctx, key)
	switch {
	case err == nil:
		var c model.Coupon
		if json.Unmarshal([]byte(val), &c) == nil {
			metrics.IncCacheRequest("coupon", "hit")
			return &c, nil
		}
	case !errors.Is(err, redis.Nil):
		metrics.IncCacheRequest("coupon", "error")
	}

	metrics.IncCacheRequest("coupon", "miss")
	c, err := d.inner.FindByCode(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(c); err == nil {
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return c, nil
}

func (d *couponRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Coupon, error) {
	return d.inner.FindByID(ctx, tx, id)
}

// Writes invalidate the cached code entry.
func (d *couponRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, c *model.Coupon) error {
	_ = d.cache.Del(ctx, couponCacheKey(c.Code))
	return d.inner.Save(ctx, tx, c)
}

func (d *couponRepoCacheDecorator) IncrementUsage(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	ok, err := d.inner.IncrementUsage(ctx, tx, id)
	if err != nil || !ok {
		return ok, err
	}
	if c, err := d.inner.FindByID(ctx, tx, id); err == nil {
		_ = d.cache.Del(ctx, couponCacheKey(c.Code))
	}
	return ok, nil
}
