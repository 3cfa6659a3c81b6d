package repository

import (
	"context"
	"time"

	"clipflow_worker/pkg/database"
)

const (
	leaseKeyPrefix    = "lease:job:"
	progressKeyPrefix = "progress:job:"
	progressTTL       = 24 * time.Hour
)

// LeaseRepo definition the per-job processing claim and progress tracking.
// The claim key guards against a redelivered duplicate running concurrently
// with the original holder; the broker's unacked redelivery remains the
// actual recovery mechanism.
type LeaseRepo interface {
	Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, jobID string, ttl time.Duration) error
	Release(ctx context.Context, jobID string) error
	SetProgress(ctx context.Context, jobID string, pct int) error
}

type leaseRepo struct {
	leases   database.RedisRepository[string]
	progress database.RedisRepository[int]
}

// NewLeaseRepo create a LeaseRepo backed by redis
func NewLeaseRepo(leases database.RedisRepository[string], progress database.RedisRepository[int]) LeaseRepo {
	return &leaseRepo{leases: leases, progress: progress}
}

func (r *leaseRepo) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	return r.leases.SetNX(ctx, leaseKeyPrefix+jobID, owner, ttl)
}

func (r *leaseRepo) Renew(ctx context.Context, jobID string, ttl time.Duration) error {
	return r.leases.ExtendTTL(ctx, leaseKeyPrefix+jobID, ttl)
}

func (r *leaseRepo) Release(ctx context.Context, jobID string) error {
	return r.leases.Del(ctx, leaseKeyPrefix+jobID)
}

func (r *leaseRepo) SetProgress(ctx context.Context, jobID string, pct int) error {
	return r.progress.Set(ctx, progressKeyPrefix+jobID, pct, progressTTL)
}
