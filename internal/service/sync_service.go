package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vipul43/orders-sync/internal/models"
	"github.com/vipul43/orders-sync/internal/queue"
	"github.com/vipul43/orders-sync/internal/repository"
)

const (
	DefaultSyncQuery     = "category:purchases"
	DefaultLookbackDays  = 60
	gmailQueryDateLayout = "2006/01/02"
	enqueueFailurePrefix = "failed to enqueue messages"
)

var (
	// ErrTokenUnavailable means the account has no usable access token and could not refresh one.
	ErrTokenUnavailable = errors.New("gmail token unavailable")
	// ErrListingFailed wraps provider errors raised while listing candidate messages.
	ErrListingFailed = errors.New("failed to list candidate messages")
)

// SyncConfig holds the listing window settings.
type SyncConfig struct {
	Query        string
	LookbackDays int
}

// SyncService orchestrates one sync run: list, dedup, open a ledger row, fan out.
type SyncService struct {
	accountRepo GmailAccountRepository
	ledger      SyncJobLedger
	orderRepo   OrderRepository
	gmailClient GmailClient
	guardian    *TokenGuardian
	queue       TaskQueue
	cfg         SyncConfig
	now         func() time.Time
	logger      zerolog.Logger
}

func NewSyncService(
	accountRepo GmailAccountRepository,
	ledger SyncJobLedger,
	orderRepo OrderRepository,
	gmailClient GmailClient,
	guardian *TokenGuardian,
	taskQueue TaskQueue,
	cfg SyncConfig,
	logger zerolog.Logger,
) *SyncService {
	if cfg.Query == "" {
		cfg.Query = DefaultSyncQuery
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	return &SyncService{
		accountRepo: accountRepo,
		ledger:      ledger,
		orderRepo:   orderRepo,
		gmailClient: gmailClient,
		guardian:    guardian,
		queue:       taskQueue,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// StartSync runs synchronously up to ledger creation and enqueueing, then returns.
// If the account already has a processing job, that job is returned unchanged.
func (s *SyncService) StartSync(ctx context.Context, account *models.GmailAccount) (*StartSyncResult, error) {
	log := s.logger.With().Str("account_id", account.ID).Logger()

	active, err := s.ledger.GetLatestActive(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		log.Info().Str("job_id", active.ID).Msg("sync already in progress")
		return &StartSyncResult{JobID: active.ID, TotalEmails: active.TotalCount}, nil
	}

	if !s.guardian.EnsureValid(ctx, account) {
		return nil, ErrTokenUnavailable
	}

	startedAt := s.now()

	candidates, err := s.ListCandidateIDs(ctx, account)
	if err != nil {
		return nil, err
	}

	newIDs, err := s.FilterNew(ctx, account.ID, candidates)
	if err != nil {
		return nil, err
	}

	log.Info().Int("candidates", len(candidates)).Int("new", len(newIDs)).Msg("listed candidate messages")

	if len(newIDs) == 0 {
		if err := s.accountRepo.UpdateLastSyncedAt(ctx, account.ID, startedAt); err != nil {
			log.Warn().Err(err).Msg("failed to advance last synced at")
		}
		return &StartSyncResult{TotalEmails: 0}, nil
	}

	job, err := s.ledger.Create(ctx, account.ID, len(newIDs), startedAt)
	if err != nil {
		if errors.Is(err, repository.ErrJobAlreadyActive) {
			// Lost a race with a concurrent trigger; report the winner
			winner, getErr := s.ledger.GetLatestActive(ctx, account.ID)
			if getErr == nil && winner != nil {
				return &StartSyncResult{JobID: winner.ID, TotalEmails: winner.TotalCount}, nil
			}
		}
		return nil, fmt.Errorf("failed to create sync job: %w", err)
	}

	tasks := make([]queue.Task, len(newIDs))
	for i, id := range newIDs {
		tasks[i] = queue.Task{JobID: job.ID, AccountID: account.ID, MessageID: id}
	}

	if err := s.queue.Enqueue(ctx, tasks...); err != nil {
		msg := fmt.Sprintf("%s: %v", enqueueFailurePrefix, err)
		if markErr := s.ledger.MarkFailed(context.WithoutCancel(ctx), job.ID, msg); markErr != nil {
			log.Error().Err(markErr).Str("job_id", job.ID).Msg("failed to mark job failed after enqueue error")
		}
		return nil, fmt.Errorf("%s: %w", enqueueFailurePrefix, err)
	}

	log.Info().Str("job_id", job.ID).Int("total", job.TotalCount).Msg("sync job started")
	return &StartSyncResult{JobID: job.ID, TotalEmails: job.TotalCount}, nil
}

// ListCandidateIDs lists every message matching the purchases query since the
// account's last sync (or the lookback window). IDs are unique, in provider order.
func (s *SyncService) ListCandidateIDs(ctx context.Context, account *models.GmailAccount) ([]string, error) {
	query := BuildQuery(s.cfg.Query, account.LastSyncedAt, s.cfg.LookbackDays, s.now())

	ids, err := s.gmailClient.ListMessageIDs(ctx, account.AccessToken, query)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", account.ID).Str("query", query).Msg("listing failed")
		return nil, fmt.Errorf("%w: %v", ErrListingFailed, err)
	}

	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique, nil
}

// FilterNew drops candidates that already produced an order for the account.
func (s *SyncService) FilterNew(ctx context.Context, accountID string, candidateIDs []string) ([]string, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	existing, err := s.orderRepo.FindExistingMessageIDs(ctx, accountID, candidateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to filter seen messages: %w", err)
	}

	fresh := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if _, ok := existing[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

// GetSyncStatus reports the account's processing job. With no processing job the
// result is complete with zero counts and a nil status.
func (s *SyncService) GetSyncStatus(ctx context.Context, accountID string) (*SyncStatus, error) {
	job, err := s.ledger.GetLatestActive(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &SyncStatus{IsComplete: true}, nil
	}
	return statusOf(job), nil
}

// GetJobStatus reports one job of the account, terminal or not, including the
// error a failed job recorded. A job of another account is ErrJobNotFound.
func (s *SyncService) GetJobStatus(ctx context.Context, accountID, jobID string) (*SyncStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, repository.ErrJobNotFound
	}
	job, err := s.ledger.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.GmailAccountID != accountID {
		return nil, repository.ErrJobNotFound
	}
	return statusOf(job), nil
}

func statusOf(job *models.SyncJob) *SyncStatus {
	status := string(job.Status)
	return &SyncStatus{
		IsComplete: job.Status.IsTerminal(),
		Processed:  job.ProcessedCount,
		Total:      job.TotalCount,
		NewOrders:  job.NewOrdersCount,
		Status:     &status,
		Failed:     job.FailedCount,
		Error:      job.ErrorMessage,
	}
}

// BuildQuery appends an after: filter to base. An account that synced before gets
// its cursor in epoch seconds; a first sync gets the lookback window as a date.
func BuildQuery(base string, lastSyncedAt *time.Time, lookbackDays int, now time.Time) string {
	var after string
	if lastSyncedAt != nil {
		after = strconv.FormatInt(lastSyncedAt.Unix(), 10)
	} else {
		after = now.AddDate(0, 0, -lookbackDays).UTC().Format(gmailQueryDateLayout)
	}
	return strings.TrimSpace(fmt.Sprintf("%s after:%s", base, after))
}
