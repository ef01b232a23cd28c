package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/orders-sync/internal/models"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound = errors.New("sync job not found")
	// ErrJobNotActive is returned when a ledger mutation targets a job that is no longer processing.
	ErrJobNotActive = errors.New("sync job is not processing")
	// ErrJobAlreadyActive is returned by Create when the account already has a processing job.
	ErrJobAlreadyActive = errors.New("account already has a processing sync job")
	// ErrMessageAlreadyCounted is returned when a message was already counted into the job.
	ErrMessageAlreadyCounted = errors.New("message already counted for sync job")
)

// SyncJobRepository is the ledger: one row per sync invocation, mutated only through
// single-statement transitions so concurrent workers never lose an update.
type SyncJobRepository struct {
	db *gorm.DB
}

func NewSyncJobRepository(db *gorm.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

// Create inserts a processing job with zeroed counters. listedAt is when the
// candidate listing began and becomes the account's cursor once the job completes.
func (r *SyncJobRepository) Create(ctx context.Context, accountID string, total int, listedAt time.Time) (*models.SyncJob, error) {
	if total < 0 {
		return nil, fmt.Errorf("invalid total count %d", total)
	}

	now := time.Now()
	job := models.SyncJob{
		ID:             uuid.New().String(),
		GmailAccountID: accountID,
		TotalCount:     total,
		Status:         models.SyncStatusProcessing,
		ListedAt:       listedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result := r.db.WithContext(ctx).Create(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrJobAlreadyActive
		}
		return nil, fmt.Errorf("failed to create sync job: %w", result.Error)
	}
	return &job, nil
}

// incrementQuery counts one message into a job in one statement. The job row is
// locked, the message is recorded in sync_job_messages, and the counters move
// only when that insert wrote a row, so a redelivered message changes nothing.
// When the job completes, the account cursor moves to the job's listing time.
const incrementQuery = `
WITH job AS (
	SELECT id FROM sync_jobs
	WHERE id = ? AND status = 'processing' AND processed_count < total_count
	FOR UPDATE
), settled AS (
	INSERT INTO sync_job_messages (job_id, message_id, outcome)
	SELECT id, ?, ? FROM job
	ON CONFLICT (job_id, message_id) DO NOTHING
	RETURNING job_id
), updated AS (
	UPDATE sync_jobs j
	SET processed_count  = j.processed_count + 1,
	    new_orders_count = j.new_orders_count + ?,
	    failed_count     = j.failed_count + ?,
	    status = CASE WHEN j.processed_count + 1 >= j.total_count THEN 'completed' ELSE j.status END,
	    updated_at = now()
	FROM settled s
	WHERE j.id = s.job_id
	RETURNING j.*
), advance_cursor AS (
	UPDATE gmail_accounts a
	SET last_synced_at = u.listed_at, updated_at = now()
	FROM updated u
	WHERE a.id = u.gmail_account_id
	  AND u.status = 'completed'
	  AND (a.last_synced_at IS NULL OR a.last_synced_at < u.listed_at)
)
SELECT * FROM updated`

// IncrementProcessed counts messageID into the job. It returns
// ErrMessageAlreadyCounted when the message was counted before and ErrJobNotActive
// when the job is already terminal; neither changes the row.
func (r *SyncJobRepository) IncrementProcessed(ctx context.Context, jobID, messageID string, outcome models.MessageOutcome) (*models.SyncJob, error) {
	newOrders, failed := 0, 0
	switch outcome {
	case models.OutcomeNewOrder:
		newOrders = 1
	case models.OutcomeFailed:
		failed = 1
	}

	var job models.SyncJob
	result := r.db.WithContext(ctx).Raw(incrementQuery, jobID, messageID, int(outcome), newOrders, failed).Scan(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to increment sync job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected > 0 {
		return &job, nil
	}

	var counted bool
	err := r.db.WithContext(ctx).
		Raw("SELECT EXISTS (SELECT 1 FROM sync_job_messages WHERE job_id = ? AND message_id = ?)", jobID, messageID).
		Scan(&counted).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check counted message: %w", err)
	}
	if counted {
		return nil, ErrMessageAlreadyCounted
	}
	return nil, ErrJobNotActive
}

// MarkFailed moves a processing job to failed. Terminal jobs are left untouched
// and ErrJobNotActive is returned.
func (r *SyncJobRepository) MarkFailed(ctx context.Context, jobID string, errorMessage string) error {
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, models.SyncStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.SyncStatusFailed,
			"error_message": errorMessage,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark sync job %s failed: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotActive
	}
	return nil
}

// GetLatestActive returns the most recent processing job for the account, or nil.
func (r *SyncJobRepository) GetLatestActive(ctx context.Context, accountID string) (*models.SyncJob, error) {
	var jobs []models.SyncJob
	result := r.db.WithContext(ctx).
		Where("gmail_account_id = ? AND status = ?", accountID, models.SyncStatusProcessing).
		Order("created_at DESC").
		Limit(1).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get active sync job: %w", result.Error)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// GetByID retrieves a sync job by ID
func (r *SyncJobRepository) GetByID(ctx context.Context, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get sync job: %w", result.Error)
	}
	return &job, nil
}

// ListStale returns processing jobs with no ledger activity since cutoff.
func (r *SyncJobRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.SyncStatusProcessing, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale sync jobs: %w", result.Error)
	}
	return jobs, nil
}
