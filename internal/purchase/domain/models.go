package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
)

const (
	TypePurchase = "purchase"
	TypeRecharge = "recharge"
	TypeRefund   = "refund"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Transaction is the purchase ledger row. It is created pending and moves
// exactly once to a terminal status.
type Transaction struct {
	ID            snowflake.ID        `gorm:"column:id;primaryKey"`
	TransactionID string              `gorm:"column:transaction_id;uniqueIndex"`
	UserID        snowflake.ID        `gorm:"column:user_id"`
	MeterID       snowflake.ID        `gorm:"column:meter_id"`
	Amount        decimal.Decimal     `gorm:"column:amount"`
	Units         decimal.NullDecimal `gorm:"column:units"`
	Status        string              `gorm:"column:status"`
	Type          string              `gorm:"column:transaction_type"`
	PaymentMethod string              `gorm:"column:payment_method"`
	Description   string              `gorm:"column:description"`
	TokenCode     *string             `gorm:"column:token_code"`
	CreatedAt     time.Time           `gorm:"column:created_at"`
	UpdatedAt     time.Time           `gorm:"column:updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

// ListFilter narrows transaction listings. Zero values mean "no filter".
type ListFilter struct {
	Status  string
	Type    string
	MeterID *snowflake.ID
	From    *time.Time
	To      *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, txn *Transaction) error
	MarkCompleted(ctx context.Context, db *gorm.DB, transactionID string, units decimal.Decimal, tokenCode, description string, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, transactionID, description string, at time.Time) error
	FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*Transaction, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, filter ListFilter) ([]Transaction, error)
}

type InitiateRequest struct {
	UserID        snowflake.ID
	MeterID       snowflake.ID
	Amount        string
	PaymentMethod string
}

type Service interface {
	// Initiate records a pending transaction and schedules asynchronous
	// confirmation. It returns before any token is allocated.
	Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error)

	Get(ctx context.Context, userID snowflake.ID, transactionID string) (*Transaction, error)
	List(ctx context.Context, userID snowflake.ID, filter ListFilter) ([]Transaction, error)

	// Await returns a channel closed once the named transaction reaches a
	// terminal status. Intended for tests and worker drains.
	Await(transactionID string) <-chan struct{}
}
