package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clipflow_worker/internal/worker/domain"

	"gorm.io/gorm"
)

// ErrNotClaimable the job is missing or in a terminal state that cannot
// re-enter processing.
var ErrNotClaimable = errors.New("job not claimable")

// JobRepo definition persisted job state access. All writes are idempotent:
// claiming is a conditional status update and finishing is guarded by the
// attempt the caller claimed, so a redelivered duplicate cannot corrupt state.
type JobRepo interface {
	AutoMigrate() error
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	// MarkProcessing claims the job for an attempt and returns the new
	// attempt number. queued rows always claim; a row stuck at processing
	// (holder crashed, broker redelivered) re-claims as a fresh attempt;
	// failed rows claim only while attempts remain. done and exhausted
	// failed rows return ErrNotClaimable.
	MarkProcessing(ctx context.Context, id string, maxAttempts int) (int, error)
	// AppendOutput merges one option result into the outputs map. Appending
	// the same option twice leaves a single entry.
	AppendOutput(ctx context.Context, id, optionID, url string) error
	// Finish records the terminal status of the given attempt. A stale
	// attempt (older than the current one) writes nothing.
	Finish(ctx context.Context, id string, attempt int, status domain.JobStatus, errMsg string, optionErrs map[string]string) error
	// Requeue moves a retryable failed job back to queued, guarded by
	// attempt. ErrNotClaimable means another path already moved the job on.
	Requeue(ctx context.Context, id string, attempt int) error
	// FindRetryableFailed lists failed rows with attempts remaining that
	// have sat untouched since before the cutoff, meaning their scheduled
	// retry was lost to a restart.
	FindRetryableFailed(ctx context.Context, maxAttempts int, cutoff time.Time) ([]domain.Job, error)
}

type jobRepo struct {
	db *gorm.DB
}

// NewJobRepo create a JobRepo backed by postgres
func NewJobRepo(db *gorm.DB) JobRepo {
	return &jobRepo{db: db}
}

func (r *jobRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.Job{})
}

func (r *jobRepo) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var j domain.Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepo) MarkProcessing(ctx context.Context, id string, maxAttempts int) (int, error) {
	var attempt int
	err := r.db.WithContext(ctx).Raw(
		`UPDATE jobs
		    SET status = ?, attempt = attempt + 1, updated_at = NOW()
		  WHERE id = ?
		    AND (status IN (?, ?) OR (status = ? AND attempt < ?))
		RETURNING attempt`,
		domain.JobProcessing, id,
		domain.JobQueued, domain.JobProcessing, domain.JobFailed, maxAttempts,
	).Scan(&attempt).Error
	if err != nil {
		return 0, err
	}
	if attempt == 0 {
		return 0, ErrNotClaimable
	}
	return attempt, nil
}

func (r *jobRepo) AppendOutput(ctx context.Context, id, optionID, url string) error {
	patch, err := json.Marshal(map[string]string{optionID: url})
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE jobs
		    SET outputs = COALESCE(outputs, '{}'::jsonb) || ?::jsonb, updated_at = NOW()
		  WHERE id = ?`,
		string(patch), id,
	).Error
}

func (r *jobRepo) Finish(ctx context.Context, id string, attempt int, status domain.JobStatus, errMsg string, optionErrs map[string]string) error {
	optErrJSON, err := json.Marshal(optionErrs)
	if err != nil {
		return err
	}
	if status == domain.JobDone {
		// done never carries a job-level error
		errMsg = ""
	}
	return r.db.WithContext(ctx).Exec(
		`UPDATE jobs
		    SET status = ?, error = ?, option_errors = ?::jsonb, updated_at = NOW()
		  WHERE id = ? AND attempt = ? AND status = ?`,
		status, errMsg, string(optErrJSON), id, attempt, domain.JobProcessing,
	).Error
}

func (r *jobRepo) FindRetryableFailed(ctx context.Context, maxAttempts int, cutoff time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND attempt < ? AND updated_at < ?", domain.JobFailed, maxAttempts, cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) Requeue(ctx context.Context, id string, attempt int) error {
	res := r.db.WithContext(ctx).Exec(
		`UPDATE jobs
		    SET status = ?, updated_at = NOW()
		  WHERE id = ? AND attempt = ? AND status = ?`,
		domain.JobQueued, id, attempt, domain.JobFailed,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimable
	}
	return nil
}
