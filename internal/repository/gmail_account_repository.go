package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/orders-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAccountNotFound = errors.New("account not found")

// TokenCipher encrypts and decrypts OAuth tokens at rest.
type TokenCipher interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(ciphertext []byte) (string, error)
	EncryptOptional(plaintext *string) ([]byte, error)
	DecryptOptional(ciphertext []byte) (*string, error)
}

// GmailAccountRepository is the only place tokens cross the encryption boundary.
type GmailAccountRepository struct {
	db     *gorm.DB
	cipher TokenCipher
}

func NewGmailAccountRepository(db *gorm.DB, cipher TokenCipher) *GmailAccountRepository {
	return &GmailAccountRepository{db: db, cipher: cipher}
}

// GetByID retrieves account by ID with tokens decrypted
func (r *GmailAccountRepository) GetByID(ctx context.Context, accountID string) (*models.GmailAccount, error) {
	var account models.GmailAccount
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}

	if err := r.decryptTokens(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetByIDForUser retrieves an account only if it belongs to userID
func (r *GmailAccountRepository) GetByIDForUser(ctx context.Context, accountID, userID string) (*models.GmailAccount, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, ErrAccountNotFound
	}

	var account models.GmailAccount
	result := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", accountID, userID).
		First(&account)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}

	if err := r.decryptTokens(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Upsert stores a linked mailbox, replacing tokens of an existing active link for the same user and email.
func (r *GmailAccountRepository) Upsert(ctx context.Context, account *models.GmailAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.TokenType == "" {
		account.TokenType = "Bearer"
	}
	if err := r.encryptTokens(account); err != nil {
		return err
	}

	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	// RETURNING picks up the existing row's id when the link already exists
	result := r.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:     []clause.Column{{Name: "user_id"}, {Name: "email"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "is_active"}}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "picture", "access_token", "refresh_token", "token_type",
				"scope", "token_expires_at", "locale", "updated_at",
			}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "created_at"}, {Name: "last_synced_at"}}},
	).Create(account)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert account: %w", result.Error)
	}
	return nil
}

// UpdateTokens persists a refreshed token pair and its expiry.
// A nil refreshToken leaves the stored refresh token untouched.
func (r *GmailAccountRepository) UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken *string, expiresAt time.Time) error {
	encAccess, err := r.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	updates := map[string]interface{}{
		"access_token":     encAccess,
		"token_expires_at": expiresAt,
		"updated_at":       time.Now(),
	}

	if refreshToken != nil && *refreshToken != "" {
		encRefresh, err := r.cipher.Encrypt(*refreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		updates["refresh_token"] = encRefresh
	}

	result := r.db.WithContext(ctx).Model(&models.GmailAccount{}).
		Where("id = ?", accountID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateLastSyncedAt moves the incremental cursor forward; it never moves it back.
func (r *GmailAccountRepository) UpdateLastSyncedAt(ctx context.Context, accountID string, syncedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.GmailAccount{}).
		Where("id = ? AND (last_synced_at IS NULL OR last_synced_at < ?)", accountID, syncedAt).
		Updates(map[string]interface{}{
			"last_synced_at": syncedAt,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update last synced at: %w", result.Error)
	}
	return nil
}

// ListDueForSync returns active accounts never synced or last synced before cutoff,
// least recently synced first.
func (r *GmailAccountRepository) ListDueForSync(ctx context.Context, cutoff time.Time, limit int) ([]models.GmailAccount, error) {
	var accounts []models.GmailAccount
	result := r.db.WithContext(ctx).
		Where("is_active AND (last_synced_at IS NULL OR last_synced_at < ?)", cutoff).
		Order("last_synced_at ASC NULLS FIRST").
		Limit(limit).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list accounts due for sync: %w", result.Error)
	}

	for i := range accounts {
		if err := r.decryptTokens(&accounts[i]); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (r *GmailAccountRepository) encryptTokens(account *models.GmailAccount) error {
	encAccess, err := r.cipher.Encrypt(account.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := r.cipher.EncryptOptional(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	account.EncryptedAccessToken = encAccess
	account.EncryptedRefreshToken = encRefresh
	return nil
}

func (r *GmailAccountRepository) decryptTokens(account *models.GmailAccount) error {
	access, err := r.cipher.Decrypt(account.EncryptedAccessToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt access token for account %s: %w", account.ID, err)
	}
	refresh, err := r.cipher.DecryptOptional(account.EncryptedRefreshToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token for account %s: %w", account.ID, err)
	}
	account.AccessToken = access
	account.RefreshToken = refresh
	return nil
}
