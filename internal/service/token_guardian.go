package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vipul43/orders-sync/internal/models"
)

// TokenLeadTime is how long before expiry a token is already treated as expired.
const TokenLeadTime = 5 * time.Minute

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

// TokenGuardian keeps an account's access token usable. Concurrent refreshes of
// the same account share one provider call.
type TokenGuardian struct {
	accountRepo GmailAccountRepository
	refresher   TokenRefresher
	group       singleflight.Group
	now         func() time.Time
	logger      zerolog.Logger
}

func NewTokenGuardian(accountRepo GmailAccountRepository, refresher TokenRefresher, logger zerolog.Logger) *TokenGuardian {
	return &TokenGuardian{
		accountRepo: accountRepo,
		refresher:   refresher,
		now:         time.Now,
		logger:      logger,
	}
}

// EnsureValid refreshes the account's access token when it is missing, expired, or
// within TokenLeadTime of expiry. On success the account is updated in place.
// Failures are logged and reported as false, never returned.
func (g *TokenGuardian) EnsureValid(ctx context.Context, account *models.GmailAccount) bool {
	if !g.isTokenExpired(account) {
		return true
	}

	log := g.logger.With().Str("account_id", account.ID).Logger()

	if !account.HasRefreshToken() {
		log.Warn().Msg("access token expired and no refresh token available, account must be re-linked")
		return false
	}

	v, err, shared := g.group.Do(account.ID, func() (interface{}, error) {
		return g.refresh(ctx, account.ID, *account.RefreshToken)
	})
	if err != nil {
		log.Error().Err(err).Msg("token refresh failed")
		return false
	}

	result := v.(*TokenRefreshResult)
	account.AccessToken = result.AccessToken
	refreshToken := result.RefreshToken
	account.RefreshToken = &refreshToken
	expiresAt := result.ExpiresAt
	account.TokenExpiresAt = &expiresAt

	log.Info().Time("expires_at", result.ExpiresAt).Bool("shared", shared).Msg("token refreshed")
	return true
}

func (g *TokenGuardian) refresh(ctx context.Context, accountID, refreshToken string) (*TokenRefreshResult, error) {
	result, err := g.refresher.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	var rotated *string
	if result.RefreshToken != "" && result.RefreshToken != refreshToken {
		rotated = &result.RefreshToken
	}

	if err := g.accountRepo.UpdateTokens(ctx, accountID, result.AccessToken, rotated, result.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to update tokens in database: %w", err)
	}

	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// isTokenExpired checks if access token is expired or will expire within the lead time
func (g *TokenGuardian) isTokenExpired(account *models.GmailAccount) bool {
	if account.AccessToken == "" || account.TokenExpiresAt == nil {
		return true
	}
	return g.now().Add(TokenLeadTime).After(*account.TokenExpiresAt)
}
