package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TokenPoolEntry is an allocatable, not-yet-consumed token code held in the
// shared pool. A code transitions is_allocated false -> true exactly once.
type TokenPoolEntry struct {
	ID                     snowflake.ID        `json:"id" gorm:"primaryKey"`
	TokenCode              string              `json:"token_code" gorm:"type:text;not null;uniqueIndex"`
	IsAllocated            bool                `json:"is_allocated" gorm:"not null;default:false;index"`
	AllocatedAt            *time.Time          `json:"allocated_at"`
	AllocatedTo            *snowflake.ID       `json:"allocated_to"`
	AllocatedTransactionID *string             `json:"allocated_transaction_id"`
	Units                  decimal.NullDecimal `json:"units" gorm:"type:numeric(10,2)"`
	Amount                 decimal.NullDecimal `json:"amount" gorm:"type:numeric(10,2)"`
	CreatedAt              time.Time           `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TokenPoolEntry) TableName() string { return "token_pool" }

// Token is a consumed code bound to a meter. Immutable after creation except
// is_used/used_at.
type Token struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	MeterID   snowflake.ID    `json:"meter_id" gorm:"not null;index"`
	TokenCode string          `json:"token_code" gorm:"type:text;not null;index"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(10,2);not null"`
	Units     decimal.Decimal `json:"units" gorm:"type:numeric(10,2);not null"`
	IsUsed    bool            `json:"is_used" gorm:"not null;default:false"`
	UsedAt    *time.Time      `json:"used_at"`
	CreatedAt time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Token) TableName() string { return "tokens" }

// TokenPurchase is the append-only audit record written alongside every
// successful allocation.
type TokenPurchase struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	TokenCode   string          `json:"token_code" gorm:"type:text;not null;index"`
	MeterID     snowflake.ID    `json:"meter_id" gorm:"not null;index"`
	UserID      snowflake.ID    `json:"user_id" gorm:"not null;index"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(10,2);not null"`
	Units       decimal.Decimal `json:"units" gorm:"type:numeric(10,2);not null"`
	PurchasedAt time.Time       `json:"purchased_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TokenPurchase) TableName() string { return "token_purchases" }
