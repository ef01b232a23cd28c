package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vipul43/orders-sync/internal/models"
	"github.com/vipul43/orders-sync/internal/parser"
	"github.com/vipul43/orders-sync/internal/queue"
	"github.com/vipul43/orders-sync/internal/repository"
)

var testLogger = zerolog.Nop()

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func validAccount() *models.GmailAccount {
	return &models.GmailAccount{
		ID:             "acc-1",
		UserID:         "user-1",
		Email:          "buyer@example.com",
		AccessToken:    "access-token",
		RefreshToken:   strPtr("refresh-token"),
		TokenExpiresAt: timePtr(time.Now().Add(time.Hour)),
		IsActive:       true,
	}
}

type mockGmailAccountRepository struct {
	mu               sync.Mutex
	accounts         map[string]*models.GmailAccount
	getErr           error
	updateTokensErr  error
	updateTokensArgs []updateTokensCall
	lastSyncedAt     map[string]time.Time
}

type updateTokensCall struct {
	accountID    string
	accessToken  string
	refreshToken *string
	expiresAt    time.Time
}

func newMockAccountRepo(accounts ...*models.GmailAccount) *mockGmailAccountRepository {
	m := &mockGmailAccountRepository{
		accounts:     map[string]*models.GmailAccount{},
		lastSyncedAt: map[string]time.Time{},
	}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockGmailAccountRepository) GetByID(ctx context.Context, accountID string) (*models.GmailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *mockGmailAccountRepository) UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken *string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateTokensErr != nil {
		return m.updateTokensErr
	}
	m.updateTokensArgs = append(m.updateTokensArgs, updateTokensCall{accountID, accessToken, refreshToken, expiresAt})
	if a, ok := m.accounts[accountID]; ok {
		a.AccessToken = accessToken
		if refreshToken != nil {
			a.RefreshToken = refreshToken
		}
		a.TokenExpiresAt = &expiresAt
	}
	return nil
}

func (m *mockGmailAccountRepository) UpdateLastSyncedAt(ctx context.Context, accountID string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSyncedAt[accountID] = syncedAt
	if a, ok := m.accounts[accountID]; ok {
		a.LastSyncedAt = &syncedAt
	}
	return nil
}

func (m *mockGmailAccountRepository) tokenUpdates() []updateTokensCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]updateTokensCall(nil), m.updateTokensArgs...)
}

// mockLedger mirrors the repository's single-statement transitions under a mutex.
type mockLedger struct {
	mu        sync.Mutex
	jobs      map[string]*models.SyncJob
	accounts  *mockGmailAccountRepository
	settled   map[string]struct{}
	createErr error
	incErr    error
	created   int
}

func newMockLedger(accounts *mockGmailAccountRepository) *mockLedger {
	return &mockLedger{
		jobs:     map[string]*models.SyncJob{},
		settled:  map[string]struct{}{},
		accounts: accounts,
	}
}

func (m *mockLedger) Create(ctx context.Context, accountID string, total int, listedAt time.Time) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	for _, j := range m.jobs {
		if j.GmailAccountID == accountID && j.Status == models.SyncStatusProcessing {
			return nil, repository.ErrJobAlreadyActive
		}
	}
	now := time.Now()
	job := &models.SyncJob{
		ID:             uuid.New().String(),
		GmailAccountID: accountID,
		TotalCount:     total,
		Status:         models.SyncStatusProcessing,
		ListedAt:       listedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = job
	m.created++
	clone := *job
	return &clone, nil
}

func (m *mockLedger) IncrementProcessed(ctx context.Context, jobID, messageID string, outcome models.MessageOutcome) (*models.SyncJob, error) {
	m.mu.Lock()
	if m.incErr != nil {
		err := m.incErr
		m.mu.Unlock()
		return nil, err
	}
	key := jobID + "|" + messageID
	job, ok := m.jobs[jobID]
	if !ok || job.Status != models.SyncStatusProcessing || job.ProcessedCount >= job.TotalCount {
		_, counted := m.settled[key]
		m.mu.Unlock()
		if counted {
			return nil, repository.ErrMessageAlreadyCounted
		}
		return nil, repository.ErrJobNotActive
	}
	if _, counted := m.settled[key]; counted {
		m.mu.Unlock()
		return nil, repository.ErrMessageAlreadyCounted
	}
	m.settled[key] = struct{}{}
	job.ProcessedCount++
	switch outcome {
	case models.OutcomeNewOrder:
		job.NewOrdersCount++
	case models.OutcomeFailed:
		job.FailedCount++
	}
	if job.ProcessedCount >= job.TotalCount {
		job.Status = models.SyncStatusCompleted
	}
	job.UpdatedAt = time.Now()
	clone := *job
	m.mu.Unlock()

	if clone.Status == models.SyncStatusCompleted && m.accounts != nil {
		_ = m.accounts.UpdateLastSyncedAt(ctx, clone.GmailAccountID, clone.ListedAt)
	}
	return &clone, nil
}

func (m *mockLedger) MarkFailed(ctx context.Context, jobID string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != models.SyncStatusProcessing {
		return repository.ErrJobNotActive
	}
	job.Status = models.SyncStatusFailed
	job.ErrorMessage = &errorMessage
	return nil
}

func (m *mockLedger) GetLatestActive(ctx context.Context, accountID string) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.GmailAccountID == accountID && j.Status == models.SyncStatusProcessing {
			clone := *j
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *mockLedger) GetByID(ctx context.Context, jobID string) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (m *mockLedger) get(jobID string) models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[jobID]
}

func (m *mockLedger) put(job models.SyncJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = &job
}

func (m *mockLedger) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// mockOrderRepository enforces uniqueness on (message_id, user_id).
type mockOrderRepository struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	createErr error
	findErr   error
}

func newMockOrderRepo() *mockOrderRepository {
	return &mockOrderRepository{orders: map[string]*models.Order{}}
}

func orderKey(messageID, userID string) string { return messageID + "|" + userID }

func (m *mockOrderRepository) FindExistingMessageIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	wanted := map[string]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}
	existing := map[string]struct{}{}
	for _, o := range m.orders {
		if o.GmailAccountID != nil && *o.GmailAccountID == accountID && o.MessageID != nil && wanted[*o.MessageID] {
			existing[*o.MessageID] = struct{}{}
		}
	}
	return existing, nil
}

func (m *mockOrderRepository) CreateIfAbsent(ctx context.Context, order *models.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return false, m.createErr
	}
	key := orderKey(*order.MessageID, order.UserID)
	if _, ok := m.orders[key]; ok {
		return false, nil
	}
	clone := *order
	m.orders[key] = &clone
	return true, nil
}

func (m *mockOrderRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *mockOrderRepository) has(messageID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orders[orderKey(messageID, userID)]
	return ok
}

type mockGmailClient struct {
	listFunc    func(ctx context.Context, accessToken, query string) ([]string, error)
	fetchFunc   func(ctx context.Context, accessToken, messageID string) (*NormalizedEmail, error)
	refreshFunc func(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)

	listCalls    int32
	fetchCalls   int32
	refreshCalls int32
	mu           sync.Mutex
	queries      []string
}

func (m *mockGmailClient) ListMessageIDs(ctx context.Context, accessToken, query string) ([]string, error) {
	atomic.AddInt32(&m.listCalls, 1)
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	if m.listFunc != nil {
		return m.listFunc(ctx, accessToken, query)
	}
	return nil, nil
}

func (m *mockGmailClient) FetchMessage(ctx context.Context, accessToken, messageID string) (*NormalizedEmail, error) {
	atomic.AddInt32(&m.fetchCalls, 1)
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, accessToken, messageID)
	}
	return &NormalizedEmail{MessageID: messageID, From: "shop@acme.test", ReplyTo: "shop@acme.test", Subject: "Order " + messageID}, nil
}

func (m *mockGmailClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error) {
	atomic.AddInt32(&m.refreshCalls, 1)
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, refreshToken)
	}
	return nil, errors.New("refresh not configured")
}

func (m *mockGmailClient) lastQuery() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queries) == 0 {
		return ""
	}
	return m.queries[len(m.queries)-1]
}

type mockParser struct {
	parseFunc func(ctx context.Context, envelope parser.Envelope) (*parser.ParsedOrder, error)
	calls     int32
}

func (m *mockParser) Parse(ctx context.Context, envelope parser.Envelope) (*parser.ParsedOrder, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.parseFunc != nil {
		return m.parseFunc(ctx, envelope)
	}
	return nil, nil
}

// matchSubjects returns a parser that matches emails whose subject names one of the given messages.
func matchSubjects(messageIDs ...string) *mockParser {
	match := map[string]bool{}
	for _, id := range messageIDs {
		match["Order "+id] = true
	}
	return &mockParser{parseFunc: func(ctx context.Context, envelope parser.Envelope) (*parser.ParsedOrder, error) {
		if match[envelope.Subject] {
			return &parser.ParsedOrder{Vendor: "Acme", Status: "confirmed"}, nil
		}
		return nil, nil
	}}
}

type mockQueue struct {
	mu         sync.Mutex
	tasks      []queue.Task
	enqueueErr error
}

func (m *mockQueue) Enqueue(ctx context.Context, tasks ...queue.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.tasks = append(m.tasks, tasks...)
	return nil
}

func (m *mockQueue) drain() []queue.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.tasks
	m.tasks = nil
	return tasks
}
