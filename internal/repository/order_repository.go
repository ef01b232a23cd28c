package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/vipul43/orders-sync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const pgUniqueViolation = "23505"

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// FindExistingMessageIDs returns the subset of messageIDs that already produced an
// order for the account. One round trip regardless of input size.
func (r *OrderRepository) FindExistingMessageIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(messageIDs) == 0 {
		return existing, nil
	}

	var found []string
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("gmail_account_id = ? AND message_id = ANY(?)", accountID, pq.Array(messageIDs)).
		Distinct().
		Pluck("message_id", &found)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query existing message ids: %w", result.Error)
	}

	for _, id := range found {
		existing[id] = struct{}{}
	}
	return existing, nil
}

// CreateIfAbsent inserts the order unless one already exists for the same
// (message_id, user_id). Returns true only when a row was written.
func (r *OrderRepository) CreateIfAbsent(ctx context.Context, order *models.Order) (bool, error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(order)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create order: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
