package service

import (
	"time"
)

// NormalizedEmail is the envelope extracted from one Gmail message.
// Body and HTMLBody are nil when the message has no part of that type.
type NormalizedEmail struct {
	MessageID string
	From      string
	Subject   string
	ReplyTo   string // falls back to From
	Body      *string
	HTMLBody  *string
	Date      time.Time // zero when neither Date header nor internal date is usable
}

// TokenRefreshResult represents the result of refreshing an OAuth token
type TokenRefreshResult struct {
	AccessToken  string
	RefreshToken string // rotated token, or the one that was sent
	ExpiresAt    time.Time
}

// StartSyncResult is returned to the trigger caller. JobID is empty when there was nothing to sync.
type StartSyncResult struct {
	JobID       string `json:"jobId,omitempty"`
	TotalEmails int    `json:"totalEmails"`
}

// SyncStatus is the polling view of a sync job. Error is set once a job failed.
type SyncStatus struct {
	IsComplete bool    `json:"isComplete"`
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	NewOrders  int     `json:"newOrders"`
	Status     *string `json:"status"`
	Failed     int     `json:"failed,omitempty"`
	Error      *string `json:"error,omitempty"`
}
