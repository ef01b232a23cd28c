package service

import (
	"context"
	"time"

	"github.com/vipul43/orders-sync/internal/models"
	"github.com/vipul43/orders-sync/internal/parser"
	"github.com/vipul43/orders-sync/internal/queue"
)

// GmailAccountRepository interface for dependency injection
type GmailAccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.GmailAccount, error)
	UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken *string, expiresAt time.Time) error
	UpdateLastSyncedAt(ctx context.Context, accountID string, syncedAt time.Time) error
}

// SyncJobLedger is the storage side of sync job bookkeeping.
type SyncJobLedger interface {
	Create(ctx context.Context, accountID string, total int, listedAt time.Time) (*models.SyncJob, error)
	IncrementProcessed(ctx context.Context, jobID, messageID string, outcome models.MessageOutcome) (*models.SyncJob, error)
	MarkFailed(ctx context.Context, jobID string, errorMessage string) error
	GetLatestActive(ctx context.Context, accountID string) (*models.SyncJob, error)
	GetByID(ctx context.Context, jobID string) (*models.SyncJob, error)
}

// OrderRepository interface for dedup lookups and idempotent inserts
type OrderRepository interface {
	FindExistingMessageIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]struct{}, error)
	CreateIfAbsent(ctx context.Context, order *models.Order) (bool, error)
}

// GmailClient interface for Gmail API operations
type GmailClient interface {
	ListMessageIDs(ctx context.Context, accessToken string, query string) ([]string, error)
	FetchMessage(ctx context.Context, accessToken string, messageID string) (*NormalizedEmail, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// OrderParser extracts an order from an email envelope; nil means no match.
type OrderParser interface {
	Parse(ctx context.Context, envelope parser.Envelope) (*parser.ParsedOrder, error)
}

// TaskQueue accepts per-message work.
type TaskQueue interface {
	Enqueue(ctx context.Context, tasks ...queue.Task) error
}
