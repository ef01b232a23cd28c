package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vipul43/orders-sync/internal/models"
	"github.com/vipul43/orders-sync/internal/parser"
	"github.com/vipul43/orders-sync/internal/queue"
	"github.com/vipul43/orders-sync/internal/repository"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
)

// WorkerConfig controls retries and the terminal failure policy.
type WorkerConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	// FailJobOnMessageError fails the whole job when a message exhausts its
	// attempts. When false the message is counted as processed and failed.
	FailJobOnMessageError bool
	// Backoff returns the pause before attempt n+1. Nil means no pause.
	Backoff func(attempt int) time.Duration
}

// MessageWorker processes one message of a sync job: fetch, parse, persist, count.
type MessageWorker struct {
	accountRepo GmailAccountRepository
	ledger      SyncJobLedger
	gmailClient GmailClient
	parser      OrderParser
	persister   *OrderPersister
	guardian    *TokenGuardian
	cfg         WorkerConfig
	logger      zerolog.Logger
	// inflight joins overlapping deliveries of the same job message
	inflight singleflight.Group
}

func NewMessageWorker(
	accountRepo GmailAccountRepository,
	ledger SyncJobLedger,
	gmailClient GmailClient,
	orderParser OrderParser,
	persister *OrderPersister,
	guardian *TokenGuardian,
	cfg WorkerConfig,
	logger zerolog.Logger,
) *MessageWorker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	return &MessageWorker{
		accountRepo: accountRepo,
		ledger:      ledger,
		gmailClient: gmailClient,
		parser:      orderParser,
		persister:   persister,
		guardian:    guardian,
		cfg:         cfg,
		logger:      logger,
	}
}

// ExponentialBackoff doubles base per attempt.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << (attempt - 1)
	}
}

// Process is a queue.Handler. It returns nil once the task is settled in the
// ledger (counted, or its job failed or gone) and an error only when the ledger
// itself could not be written. A delivery that overlaps one already running for
// the same message waits for it and shares its result.
func (w *MessageWorker) Process(ctx context.Context, task queue.Task) error {
	_, err, _ := w.inflight.Do(task.JobID+"/"+task.MessageID, func() (interface{}, error) {
		return nil, w.process(ctx, task)
	})
	return err
}

func (w *MessageWorker) process(ctx context.Context, task queue.Task) error {
	log := w.logger.With().
		Str("job_id", task.JobID).
		Str("account_id", task.AccountID).
		Str("message_id", task.MessageID).
		Logger()

	account, err := w.accountRepo.GetByID(ctx, task.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			// Unlinked mid-sync; its jobs went with it
			log.Warn().Msg("account no longer exists, dropping task")
			return nil
		}
		return fmt.Errorf("failed to get account: %w", err)
	}

	var (
		created bool
		lastErr error
	)
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		lastErr = w.attempt(attemptCtx, account, task, &created)
		cancel()

		if lastErr == nil {
			return nil
		}

		log.Warn().Err(lastErr).Int("attempt", attempt).Int("max_attempts", w.cfg.MaxAttempts).Msg("message processing failed")

		if errors.Is(lastErr, parser.ErrInvalidPayload) {
			// The parser answers the same email the same way
			log.Error().Err(lastErr).Msg("unusable parser reply, counting message as failed")
			return w.countFailed(ctx, task)
		}

		if attempt < w.cfg.MaxAttempts && !w.sleep(ctx, attempt) {
			// Shutdown is not a message failure; leave the task unsettled
			return fmt.Errorf("retry interrupted: %w", ctx.Err())
		}
	}

	log.Error().Err(lastErr).Msg("message exhausted retries")
	return w.settleFailure(ctx, task, lastErr)
}

// attempt runs the strictly ordered sequence once. created survives across
// attempts so a retry after a successful insert still counts the new order.
func (w *MessageWorker) attempt(ctx context.Context, account *models.GmailAccount, task queue.Task, created *bool) error {
	if !w.guardian.EnsureValid(ctx, account) {
		return ErrTokenUnavailable
	}

	email, err := w.gmailClient.FetchMessage(ctx, account.AccessToken, task.MessageID)
	if err != nil {
		return fmt.Errorf("fetch message %s: %w", task.MessageID, err)
	}

	parsed, err := w.parser.Parse(ctx, parser.Envelope{
		From:     email.From,
		Subject:  email.Subject,
		Body:     email.Body,
		HTMLBody: email.HTMLBody,
		ReplyTo:  email.ReplyTo,
	})
	if err != nil {
		return fmt.Errorf("parse message %s: %w", task.MessageID, err)
	}

	if parsed != nil && !*created {
		ok, err := w.persister.Persist(ctx, account, task.MessageID, email, parsed)
		if err != nil {
			return fmt.Errorf("persist message %s: %w", task.MessageID, err)
		}
		*created = ok
	}

	outcome := models.OutcomeNoOrder
	if *created {
		outcome = models.OutcomeNewOrder
	}

	job, err := w.ledger.IncrementProcessed(ctx, task.JobID, task.MessageID, outcome)
	if err != nil {
		if alreadySettled(err) {
			w.logger.Debug().Err(err).Str("job_id", task.JobID).Str("message_id", task.MessageID).Msg("count skipped")
			return nil
		}
		return fmt.Errorf("increment job %s: %w", task.JobID, err)
	}

	if job.Status == models.SyncStatusCompleted {
		w.logger.Info().
			Str("job_id", job.ID).
			Str("account_id", job.GmailAccountID).
			Int("processed", job.ProcessedCount).
			Int("new_orders", job.NewOrdersCount).
			Int("failed", job.FailedCount).
			Msg("sync job completed")
	}
	return nil
}

func (w *MessageWorker) settleFailure(ctx context.Context, task queue.Task, cause error) error {
	if w.cfg.FailJobOnMessageError {
		err := w.ledger.MarkFailed(ctx, task.JobID, cause.Error())
		if err != nil && !errors.Is(err, repository.ErrJobNotActive) {
			return fmt.Errorf("failed to mark job %s failed: %w", task.JobID, err)
		}
		return nil
	}

	return w.countFailed(ctx, task)
}

func (w *MessageWorker) countFailed(ctx context.Context, task queue.Task) error {
	_, err := w.ledger.IncrementProcessed(ctx, task.JobID, task.MessageID, models.OutcomeFailed)
	if err != nil && !alreadySettled(err) {
		return fmt.Errorf("failed to count failed message for job %s: %w", task.JobID, err)
	}
	return nil
}

// alreadySettled reports ledger refusals that leave nothing for this task to do.
func alreadySettled(err error) bool {
	return errors.Is(err, repository.ErrJobNotActive) || errors.Is(err, repository.ErrMessageAlreadyCounted)
}

// sleep waits out the backoff; false means ctx ended first.
func (w *MessageWorker) sleep(ctx context.Context, attempt int) bool {
	if w.cfg.Backoff == nil {
		return ctx.Err() == nil
	}
	d := w.cfg.Backoff(attempt)
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
