package models

import "testing"

func TestSyncJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   SyncJobStatus
		expected bool
	}{
		{"processing", SyncStatusProcessing, false},
		{"completed", SyncStatusCompleted, true},
		{"failed", SyncStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGmailAccount_HasRefreshToken(t *testing.T) {
	empty := ""
	token := "refresh-123"

	tests := []struct {
		name     string
		token    *string
		expected bool
	}{
		{"nil token", nil, false},
		{"empty token", &empty, false},
		{"present token", &token, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := GmailAccount{ID: "acc-1", RefreshToken: tt.token}
			if got := account.HasRefreshToken(); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestTableNames(t *testing.T) {
	if got := (GmailAccount{}).TableName(); got != "gmail_accounts" {
		t.Errorf("Expected gmail_accounts, got %s", got)
	}
	if got := (SyncJob{}).TableName(); got != "sync_jobs" {
		t.Errorf("Expected sync_jobs, got %s", got)
	}
	if got := (Order{}).TableName(); got != "orders" {
		t.Errorf("Expected orders, got %s", got)
	}
}
