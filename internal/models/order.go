package models

import (
	"time"

	"gorm.io/datatypes"
)

// Order status values the parser commonly returns. The column is free text.
const (
	OrderStatusConfirmed = "confirmed"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

// Metadata keys assembled by the persister.
const (
	MetaReplyTo  = "reply_to"
	MetaCategory = "category"
	MetaDeeplink = "deeplink"
	MetaOTP      = "otp"
)

// LineItem is one entry of an order. Its shape is owned by the parser.
type LineItem struct {
	Name     string   `json:"name"`
	Quantity *float64 `json:"quantity,omitempty"`
	Price    *float64 `json:"price,omitempty"`
}

// Order represents a purchase parsed from an email, or entered manually
// (GmailAccountID and MessageID are nil in that case).
type Order struct {
	ID             string                        `gorm:"column:id;primaryKey"`
	UserID         string                        `gorm:"column:user_id;index"`
	GmailAccountID *string                       `gorm:"column:gmail_account_id"`
	MessageID      *string                       `gorm:"column:message_id"`
	VendorOrderID  *string                       `gorm:"column:vendor_order_id"`
	Vendor         string                        `gorm:"column:vendor"`
	Status         string                        `gorm:"column:status"`
	Subject        *string                       `gorm:"column:subject"`
	TotalAmount    *float64                      `gorm:"column:total_amount"`
	OrderDate      time.Time                     `gorm:"column:order_date"`
	DeliveryDate   *time.Time                    `gorm:"column:delivery_date"`
	Items          datatypes.JSONSlice[LineItem] `gorm:"column:items;type:jsonb"`
	Metadata       datatypes.JSONMap             `gorm:"column:metadata;type:jsonb"`
	CreatedAt      time.Time                     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time                     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Order) TableName() string {
	return "orders"
}
