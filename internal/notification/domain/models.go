package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	TypePurchase = "purchase"
	TypePayment  = "payment"
	TypeSystem   = "system"
	TypeAlert    = "alert"
)

type Notification struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	UserID    snowflake.ID   `json:"user_id" gorm:"not null;index"`
	Type      string         `json:"notification_type" gorm:"type:text;not null"`
	Title     string         `json:"title" gorm:"type:text;not null"`
	Message   string         `json:"message" gorm:"type:text;not null"`
	Payload   datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	IsRead    bool           `json:"is_read" gorm:"not null;default:false"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

// Service delivers user-facing events. Delivery is best-effort: failures are
// logged and never propagated to the caller.
type Service interface {
	Notify(ctx context.Context, userID snowflake.ID, notificationType, title, message string)
	ListForUser(ctx context.Context, userID snowflake.ID) ([]Notification, error)
}
