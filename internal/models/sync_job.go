package models

import "time"

type SyncJobStatus string

const (
	SyncStatusProcessing SyncJobStatus = "processing" // Workers still running
	SyncStatusCompleted  SyncJobStatus = "completed"  // processed reached total
	SyncStatusFailed     SyncJobStatus = "failed"     // A message exhausted its retries, or the job stalled
)

// IsTerminal reports whether no further transition is possible from s.
func (s SyncJobStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// SyncJob is the ledger row for one sync invocation on one mailbox.
type SyncJob struct {
	ID             string        `gorm:"column:id;primaryKey"`
	GmailAccountID string        `gorm:"column:gmail_account_id;index"`
	TotalCount     int           `gorm:"column:total_count"`
	ProcessedCount int           `gorm:"column:processed_count"`
	NewOrdersCount int           `gorm:"column:new_orders_count"`
	FailedCount    int           `gorm:"column:failed_count"`
	Status         SyncJobStatus `gorm:"column:status;index"`
	ErrorMessage   *string       `gorm:"column:error_message"`
	ListedAt       time.Time     `gorm:"column:listed_at"` // when candidate listing began; the account cursor on completion
	CreatedAt      time.Time     `gorm:"column:created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncJob) TableName() string {
	return "sync_jobs"
}

// MessageOutcome is what a single worker reports to the ledger.
type MessageOutcome int

const (
	OutcomeNoOrder MessageOutcome = iota
	OutcomeNewOrder
	OutcomeFailed
)
