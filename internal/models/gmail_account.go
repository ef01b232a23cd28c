package models

import "time"

// GmailAccount represents a linked Gmail mailbox.
// AccessToken and RefreshToken hold plaintext in memory only; the repository
// encrypts them on write and decrypts them on read.
type GmailAccount struct {
	ID             string     `gorm:"column:id;primaryKey"`
	UserID         string     `gorm:"column:user_id;index"`
	Email          string     `gorm:"column:email"`
	Name           *string    `gorm:"column:name"`
	Picture        *string    `gorm:"column:picture"`
	AccessToken    string     `gorm:"-"`
	RefreshToken   *string    `gorm:"-"`
	TokenType      string     `gorm:"column:token_type"`
	Scope          *string    `gorm:"column:scope"`
	TokenExpiresAt *time.Time `gorm:"column:token_expires_at"`
	LastSyncedAt   *time.Time `gorm:"column:last_synced_at"`
	IsActive       bool       `gorm:"column:is_active"`
	Locale         *string    `gorm:"column:locale"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`

	EncryptedAccessToken  []byte `gorm:"column:access_token"`
	EncryptedRefreshToken []byte `gorm:"column:refresh_token"`
}

// TableName specifies the table name for GORM
func (GmailAccount) TableName() string {
	return "gmail_accounts"
}

// HasRefreshToken reports whether the account can be refreshed without re-linking.
func (a *GmailAccount) HasRefreshToken() bool {
	return a.RefreshToken != nil && *a.RefreshToken != ""
}
