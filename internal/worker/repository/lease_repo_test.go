package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockRedisRepo is the RedisRepository mock
type MockRedisRepo[T any] struct {
	mock.Mock
}

func (m *MockRedisRepo[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockRedisRepo[T]) SetNX(ctx context.Context, key string, value T, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, value, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockRedisRepo[T]) Get(ctx context.Context, key string) (T, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(T), args.Error(1)
}

func (m *MockRedisRepo[T]) Del(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockRedisRepo[T]) GetTTL(ctx context.Context, key string) (int, error) {
	args := m.Called(ctx, key)
	return args.Int(0), args.Error(1)
}

func (m *MockRedisRepo[T]) ExtendTTL(ctx context.Context, key string, ttl time.Duration) error {
	args := m.Called(ctx, key, ttl)
	return args.Error(0)
}

func TestLeaseRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire claims the lease key once", func(t *testing.T) {
		leases := new(MockRedisRepo[string])
		progress := new(MockRedisRepo[int])
		repo := NewLeaseRepo(leases, progress)

		leases.On("SetNX", ctx, "lease:job:j1", "worker-a", time.Minute).Return(true, nil).Once()
		leases.On("SetNX", ctx, "lease:job:j1", "worker-b", time.Minute).Return(false, nil).Once()

		got, err := repo.Acquire(ctx, "j1", "worker-a", time.Minute)
		assert.NoError(t, err)
		assert.True(t, got)

		got, err = repo.Acquire(ctx, "j1", "worker-b", time.Minute)
		assert.NoError(t, err)
		assert.False(t, got)

		leases.AssertExpectations(t)
	})

	t.Run("renew extends the claim ttl", func(t *testing.T) {
		leases := new(MockRedisRepo[string])
		progress := new(MockRedisRepo[int])
		repo := NewLeaseRepo(leases, progress)

		leases.On("ExtendTTL", ctx, "lease:job:j1", time.Minute).Return(nil).Once()

		assert.NoError(t, repo.Renew(ctx, "j1", time.Minute))
		leases.AssertExpectations(t)
	})

	t.Run("release deletes the claim key", func(t *testing.T) {
		leases := new(MockRedisRepo[string])
		progress := new(MockRedisRepo[int])
		repo := NewLeaseRepo(leases, progress)

		leases.On("Del", ctx, "lease:job:j1").Return(nil).Once()

		assert.NoError(t, repo.Release(ctx, "j1"))
		leases.AssertExpectations(t)
	})

	t.Run("progress is written under its own key", func(t *testing.T) {
		leases := new(MockRedisRepo[string])
		progress := new(MockRedisRepo[int])
		repo := NewLeaseRepo(leases, progress)

		progress.On("Set", ctx, "progress:job:j1", 30, progressTTL).Return(nil).Once()

		assert.NoError(t, repo.SetProgress(ctx, "j1", 30))
		progress.AssertExpectations(t)
	})
}
