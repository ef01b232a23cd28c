package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGuardian_ValidTokenSkipsRefresh(t *testing.T) {
	account := validAccount()
	repo := newMockAccountRepo(account)
	gmail := &mockGmailClient{}

	guardian := NewTokenGuardian(repo, gmail, testLogger)

	assert.True(t, guardian.EnsureValid(context.Background(), account))
	assert.Zero(t, atomic.LoadInt32(&gmail.refreshCalls))
	assert.Empty(t, repo.tokenUpdates())
}

func TestTokenGuardian_RefreshNeeded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		token     string
		expiresAt *time.Time
	}{
		{"expired", "tok", timePtr(now.Add(-time.Minute))},
		{"inside lead time", "tok", timePtr(now.Add(4 * time.Minute))},
		{"no expiry", "tok", nil},
		{"no access token", "", timePtr(now.Add(time.Hour))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := validAccount()
			account.AccessToken = tt.token
			account.TokenExpiresAt = tt.expiresAt

			repo := newMockAccountRepo(account)
			gmail := &mockGmailClient{
				refreshFunc: func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
					return &TokenRefreshResult{AccessToken: "fresh", RefreshToken: refreshToken, ExpiresAt: now.Add(time.Hour)}, nil
				},
			}
			guardian := NewTokenGuardian(repo, gmail, testLogger)
			guardian.now = func() time.Time { return now }

			require.True(t, guardian.EnsureValid(context.Background(), account))
			assert.Equal(t, int32(1), atomic.LoadInt32(&gmail.refreshCalls))
			assert.Equal(t, "fresh", account.AccessToken)
			require.NotNil(t, account.TokenExpiresAt)
			assert.True(t, account.TokenExpiresAt.Equal(now.Add(time.Hour)))
		})
	}
}

func TestTokenGuardian_OutsideLeadTimeIsValid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	account := validAccount()
	account.TokenExpiresAt = timePtr(now.Add(6 * time.Minute))

	gmail := &mockGmailClient{}
	guardian := NewTokenGuardian(newMockAccountRepo(account), gmail, testLogger)
	guardian.now = func() time.Time { return now }

	assert.True(t, guardian.EnsureValid(context.Background(), account))
	assert.Zero(t, atomic.LoadInt32(&gmail.refreshCalls))
}

func TestTokenGuardian_NoRefreshToken(t *testing.T) {
	for _, refresh := range []*string{nil, strPtr("")} {
		account := validAccount()
		account.TokenExpiresAt = timePtr(time.Now().Add(-time.Hour))
		account.RefreshToken = refresh

		gmail := &mockGmailClient{}
		guardian := NewTokenGuardian(newMockAccountRepo(account), gmail, testLogger)

		assert.False(t, guardian.EnsureValid(context.Background(), account))
		assert.Zero(t, atomic.LoadInt32(&gmail.refreshCalls))
	}
}

func TestTokenGuardian_ProviderError(t *testing.T) {
	account := validAccount()
	account.TokenExpiresAt = timePtr(time.Now().Add(-time.Hour))

	repo := newMockAccountRepo(account)
	gmail := &mockGmailClient{
		refreshFunc: func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
			return nil, errors.New("invalid_grant")
		},
	}
	guardian := NewTokenGuardian(repo, gmail, testLogger)

	assert.False(t, guardian.EnsureValid(context.Background(), account))
	assert.Equal(t, "access-token", account.AccessToken)
	assert.Empty(t, repo.tokenUpdates())
}

func TestTokenGuardian_PersistFailure(t *testing.T) {
	account := validAccount()
	account.TokenExpiresAt = timePtr(time.Now().Add(-time.Hour))

	repo := newMockAccountRepo(account)
	repo.updateTokensErr = errors.New("connection reset")
	gmail := &mockGmailClient{
		refreshFunc: func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
			return &TokenRefreshResult{AccessToken: "fresh", RefreshToken: refreshToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	guardian := NewTokenGuardian(repo, gmail, testLogger)

	assert.False(t, guardian.EnsureValid(context.Background(), account))
	assert.Equal(t, "access-token", account.AccessToken)
}

func TestTokenGuardian_RefreshTokenRotation(t *testing.T) {
	tests := []struct {
		name         string
		returned     string
		wantPersist  *string
		wantInMemory string
	}{
		{"rotated", "refresh-2", strPtr("refresh-2"), "refresh-2"},
		{"echoed", "refresh-token", nil, "refresh-token"},
		{"omitted", "", nil, "refresh-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := validAccount()
			account.TokenExpiresAt = timePtr(time.Now().Add(-time.Hour))

			repo := newMockAccountRepo(account)
			gmail := &mockGmailClient{
				refreshFunc: func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
					return &TokenRefreshResult{AccessToken: "fresh", RefreshToken: tt.returned, ExpiresAt: time.Now().Add(time.Hour)}, nil
				},
			}
			guardian := NewTokenGuardian(repo, gmail, testLogger)

			require.True(t, guardian.EnsureValid(context.Background(), account))

			updates := repo.tokenUpdates()
			require.Len(t, updates, 1)
			assert.Equal(t, "fresh", updates[0].accessToken)
			assert.Equal(t, tt.wantPersist, updates[0].refreshToken)
			require.NotNil(t, account.RefreshToken)
			assert.Equal(t, tt.wantInMemory, *account.RefreshToken)
		})
	}
}

func TestTokenGuardian_ConcurrentRefreshSharesOneCall(t *testing.T) {
	repo := newMockAccountRepo(validAccount())

	release := make(chan struct{})
	gmail := &mockGmailClient{
		refreshFunc: func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
			<-release
			return &TokenRefreshResult{AccessToken: "fresh", RefreshToken: refreshToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	guardian := NewTokenGuardian(repo, gmail, testLogger)

	const callers = 10
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		ok      int32
	)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			account := validAccount()
			account.TokenExpiresAt = timePtr(time.Now().Add(-time.Hour))
			started.Done()
			if guardian.EnsureValid(context.Background(), account) {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}

	started.Wait()
	// Let the callers reach the in-flight refresh before it returns
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(callers), ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gmail.refreshCalls))
	assert.Len(t, repo.tokenUpdates(), 1)
}
