package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vipul43/orders-sync/internal/models"
	"github.com/vipul43/orders-sync/internal/repository"
	"github.com/vipul43/orders-sync/internal/service"
)

// AccountLookup resolves an account owned by a user.
type AccountLookup interface {
	GetByIDForUser(ctx context.Context, accountID, userID string) (*models.GmailAccount, error)
}

// SyncRunner is the sync orchestrator as seen by the HTTP layer.
type SyncRunner interface {
	StartSync(ctx context.Context, account *models.GmailAccount) (*service.StartSyncResult, error)
	GetSyncStatus(ctx context.Context, accountID string) (*service.SyncStatus, error)
	GetJobStatus(ctx context.Context, accountID, jobID string) (*service.SyncStatus, error)
}

type SyncHandler struct {
	accounts AccountLookup
	syncer   SyncRunner
	logger   zerolog.Logger
}

func NewSyncHandler(accounts AccountLookup, syncer SyncRunner, logger zerolog.Logger) *SyncHandler {
	return &SyncHandler{accounts: accounts, syncer: syncer, logger: logger}
}

// TriggerSync starts a sync for the account. 202 when a job is running, 200 when
// there was nothing new.
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	account, ok := h.ownedAccount(c)
	if !ok {
		return
	}

	result, err := h.syncer.StartSync(c.Request.Context(), account)
	if err != nil {
		status := http.StatusInternalServerError
		message := "failed to start sync"
		switch {
		case errors.Is(err, service.ErrTokenUnavailable):
			status, message = http.StatusBadGateway, "gmail authorization is no longer valid, relink the account"
		case errors.Is(err, service.ErrListingFailed):
			status, message = http.StatusBadGateway, "could not list messages from gmail"
		}
		h.logger.Error().Err(err).Str("account_id", account.ID).Msg("start sync failed")
		abortWithError(c, status, message)
		return
	}

	if result.JobID == "" {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// SyncStatus reports the account's processing job, or with ?jobId= that job
// whatever its state, so a poller can see how a finished job ended.
func (h *SyncHandler) SyncStatus(c *gin.Context) {
	account, ok := h.ownedAccount(c)
	if !ok {
		return
	}

	var (
		status *service.SyncStatus
		err    error
	)
	if jobID := c.Query("jobId"); jobID != "" {
		status, err = h.syncer.GetJobStatus(c.Request.Context(), account.ID, jobID)
	} else {
		status, err = h.syncer.GetSyncStatus(c.Request.Context(), account.ID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			abortWithError(c, http.StatusNotFound, "sync job not found")
			return
		}
		h.logger.Error().Err(err).Str("account_id", account.ID).Msg("get sync status failed")
		abortWithError(c, http.StatusInternalServerError, "failed to get sync status")
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *SyncHandler) ownedAccount(c *gin.Context) (*models.GmailAccount, bool) {
	account, err := h.accounts.GetByIDForUser(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			abortWithError(c, http.StatusNotFound, "gmail account not found")
			return nil, false
		}
		h.logger.Error().Err(err).Str("account_id", c.Param("id")).Msg("account lookup failed")
		abortWithError(c, http.StatusInternalServerError, "failed to load gmail account")
		return nil, false
	}
	return account, true
}
