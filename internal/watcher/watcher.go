package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vipul43/orders-sync/internal/models"
	"github.com/vipul43/orders-sync/internal/repository"
	"github.com/vipul43/orders-sync/internal/service"
)

// StalledJobMessage is recorded on jobs the reaper fails.
const StalledJobMessage = "sync job stalled"

const defaultBatchSize = 20

// JobStore is the part of the ledger the reaper needs.
type JobStore interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.SyncJob, error)
	MarkFailed(ctx context.Context, jobID string, errorMessage string) error
}

// AccountStore lists accounts whose last sync is older than a cutoff.
type AccountStore interface {
	ListDueForSync(ctx context.Context, cutoff time.Time, limit int) ([]models.GmailAccount, error)
}

// SyncStarter starts a sync for one account.
type SyncStarter interface {
	StartSync(ctx context.Context, account *models.GmailAccount) (*service.StartSyncResult, error)
}

// Config controls the polling loop. A zero StaleAfter disables the reaper and
// a zero AutoSyncInterval disables scheduled syncs.
type Config struct {
	PollInterval     time.Duration
	StaleAfter       time.Duration
	AutoSyncInterval time.Duration
	BatchSize        int
}

// Watcher periodically fails sync jobs that stopped making progress and, when
// enabled, starts syncs for accounts that have not synced recently.
type Watcher struct {
	cfg      Config
	jobs     JobStore
	accounts AccountStore
	starter  SyncStarter
	now      func() time.Time
	logger   zerolog.Logger
}

func New(cfg Config, jobs JobStore, accounts AccountStore, starter SyncStarter, logger zerolog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Watcher{
		cfg:      cfg,
		jobs:     jobs,
		accounts: accounts,
		starter:  starter,
		now:      time.Now,
		logger:   logger,
	}
}

// Start runs one pass immediately, then one per poll interval until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("stale_after", w.cfg.StaleAfter).
		Dur("auto_sync_interval", w.cfg.AutoSyncInterval).
		Msg("starting watcher")

	w.runOnce(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	if err := w.reapStaleJobs(ctx); err != nil {
		w.logger.Error().Err(err).Msg("error reaping stale jobs")
	}
	if err := w.startDueSyncs(ctx); err != nil {
		w.logger.Error().Err(err).Msg("error starting scheduled syncs")
	}
}

// reapStaleJobs fails processing jobs with no ledger write since StaleAfter, so
// the account can sync again.
func (w *Watcher) reapStaleJobs(ctx context.Context) error {
	if w.cfg.StaleAfter <= 0 {
		return nil
	}

	jobs, err := w.jobs.ListStale(ctx, w.now().Add(-w.cfg.StaleAfter), w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		err := w.jobs.MarkFailed(ctx, job.ID, StalledJobMessage)
		switch {
		case err == nil:
			w.logger.Warn().
				Str("job_id", job.ID).
				Str("account_id", job.GmailAccountID).
				Int("processed", job.ProcessedCount).
				Int("total", job.TotalCount).
				Msg("failed stalled sync job")
		case errors.Is(err, repository.ErrJobNotActive):
			// Finished between the listing and the update
		default:
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark stalled job")
		}
	}
	return nil
}

func (w *Watcher) startDueSyncs(ctx context.Context) error {
	if w.cfg.AutoSyncInterval <= 0 {
		return nil
	}

	accounts, err := w.accounts.ListDueForSync(ctx, w.now().Add(-w.cfg.AutoSyncInterval), w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for i := range accounts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		account := &accounts[i]
		result, err := w.starter.StartSync(ctx, account)
		if err != nil {
			w.logger.Error().Err(err).Str("account_id", account.ID).Msg("scheduled sync failed")
			continue
		}
		w.logger.Info().
			Str("account_id", account.ID).
			Str("job_id", result.JobID).
			Int("total", result.TotalEmails).
			Msg("scheduled sync started")
	}
	return nil
}
