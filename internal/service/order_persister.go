package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/vipul43/orders-sync/internal/models"
	"github.com/vipul43/orders-sync/internal/parser"
)

var parsedDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// OrderPersister turns parser matches into order rows.
type OrderPersister struct {
	orderRepo OrderRepository
	now       func() time.Time
	logger    zerolog.Logger
}

func NewOrderPersister(orderRepo OrderRepository, logger zerolog.Logger) *OrderPersister {
	return &OrderPersister{orderRepo: orderRepo, now: time.Now, logger: logger}
}

// Persist stores the parsed order. It returns false without error when parsed is
// nil or an order for the same message and user already exists.
func (p *OrderPersister) Persist(ctx context.Context, account *models.GmailAccount, messageID string, email *NormalizedEmail, parsed *parser.ParsedOrder) (bool, error) {
	if parsed == nil {
		return false, nil
	}

	order := p.buildOrder(account, messageID, email, parsed)

	created, err := p.orderRepo.CreateIfAbsent(ctx, order)
	if err != nil {
		return false, fmt.Errorf("failed to persist order: %w", err)
	}
	if !created {
		p.logger.Debug().
			Str("account_id", account.ID).
			Str("message_id", messageID).
			Msg("order already exists for message")
	}
	return created, nil
}

func (p *OrderPersister) buildOrder(account *models.GmailAccount, messageID string, email *NormalizedEmail, parsed *parser.ParsedOrder) *models.Order {
	accountID := account.ID
	msgID := messageID

	status := strings.TrimSpace(parsed.Status)
	if status == "" {
		status = models.OrderStatusConfirmed
	}

	order := &models.Order{
		ID:             uuid.New().String(),
		UserID:         account.UserID,
		GmailAccountID: &accountID,
		MessageID:      &msgID,
		VendorOrderID:  nonEmpty(parsed.OrderID),
		Vendor:         parsed.Vendor,
		Status:         status,
		TotalAmount:    parsed.TotalAmount,
		OrderDate:      p.orderDate(parsed, email),
		DeliveryDate:   parseDate(parsed.DeliveryDate),
		Items:          make(datatypes.JSONSlice[models.LineItem], 0, len(parsed.Items)),
		Metadata:       datatypes.JSONMap{},
	}

	if email != nil && email.Subject != "" {
		subject := email.Subject
		order.Subject = &subject
	}

	for _, item := range parsed.Items {
		order.Items = append(order.Items, models.LineItem{
			Name:     item.Name,
			Quantity: item.Quantity,
			Price:    item.Price,
		})
	}

	if email != nil && email.ReplyTo != "" {
		order.Metadata[models.MetaReplyTo] = email.ReplyTo
	}
	if v := nonEmpty(parsed.Category); v != nil {
		order.Metadata[models.MetaCategory] = *v
	}
	if v := nonEmpty(parsed.Deeplink); v != nil {
		order.Metadata[models.MetaDeeplink] = *v
	}
	if v := nonEmpty(parsed.OTP); v != nil {
		order.Metadata[models.MetaOTP] = *v
	}

	return order
}

// orderDate prefers the parser's date, then the email's own date, then now.
func (p *OrderPersister) orderDate(parsed *parser.ParsedOrder, email *NormalizedEmail) time.Time {
	if t := parseDate(parsed.OrderDate); t != nil {
		return *t
	}
	if email != nil && !email.Date.IsZero() {
		return email.Date
	}
	return p.now()
}

func parseDate(value *string) *time.Time {
	v := nonEmpty(value)
	if v == nil {
		return nil
	}
	for _, layout := range parsedDateLayouts {
		if t, err := time.Parse(layout, *v); err == nil {
			return &t
		}
	}
	return nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
