//go:build !integration

package postgres

import (
	"context"
	"time"

	"catalog-billing/internal/domain/model"
	"catalog-billing/internal/domain/ports/repository"
	red "catalog-billing/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerCouponRepo mocks the database repository that the coupon decorator wraps.
type mockInnerCouponRepo struct {
	SaveFunc           func(ctx context.Context, tx repository.Tx, c *model.Coupon) error
	FindByIDFunc       func(ctx context.Context, tx repository.Tx, id string) (*model.Coupon, error)
	FindByCodeFunc     func(ctx context.Context, tx repository.Tx, code string) (*model.Coupon, error)
	IncrementUsageFunc func(ctx context.Context, tx repository.Tx, id string) (bool, error)
}

func (m *mockInnerCouponRepo) Save(ctx context.Context, tx repository.Tx, c *model.Coupon) error {
	return m.SaveFunc(ctx, tx, c)
}
func (m *mockInnerCouponRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Coupon, error) {
	return m.FindByIDFunc(ctx, tx, id)
}
func (m *mockInnerCouponRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.Coupon, error) {
	return m.FindByCodeFunc(ctx, tx, code)
}
func (m *mockInnerCouponRepo) IncrementUsage(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	return m.IncrementUsageFunc(ctx, tx, id)
}

// mockRedisClient mocks our Redis client wrapper.
type mockRedisClient struct {
	GetFunc func(ctx context.Context, key string) (string, error)
	SetFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc func(ctx context.Context, keys ...string) error
}

var _ red.RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc == nil {
		return nil
	}
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc == nil {
		return nil
	}
	return m.DelFunc(ctx, keys...)
}
func (m *mockRedisClient) Ping(ctx context.Context) error                     { return nil }
func (m *mockRedisClient) Incr(ctx context.Context, key string) (int64, error) { return 0, nil }
func (m *mockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return nil
}
func (m *mockRedisClient) Close() error { return nil }
