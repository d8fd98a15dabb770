package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository is the data access boundary for the token pool and its audit
// trail. Locking methods must run inside the caller's transaction.
type Repository interface {
	// LockNextUnallocated selects and row-locks one unallocated entry
	// matching the predicate using skip-locked semantics, so contended rows
	// are passed over instead of awaited. Returns nil when nothing locks.
	LockNextUnallocated(ctx context.Context, tx *gorm.DB, pred ClaimPredicate) (*TokenPoolEntry, error)

	// MarkAllocated flips is_allocated guarded on it still being false.
	// Reports whether this transaction won the entry.
	MarkAllocated(ctx context.Context, tx *gorm.DB, id snowflake.ID, userID snowflake.ID, correlationID string, at time.Time) (bool, error)

	FindEntryByCode(ctx context.Context, db *gorm.DB, code string) (*TokenPoolEntry, error)
	InsertEntry(ctx context.Context, db *gorm.DB, entry *TokenPoolEntry) error
	CountUnallocated(ctx context.Context, db *gorm.DB) (int64, error)

	InsertToken(ctx context.Context, tx *gorm.DB, token *Token) error
	FindTokenByCode(ctx context.Context, db *gorm.DB, code string) (*Token, error)
	ListTokensByMeter(ctx context.Context, db *gorm.DB, meterID snowflake.ID) ([]Token, error)

	InsertPurchase(ctx context.Context, tx *gorm.DB, purchase *TokenPurchase) error
	FindLatestPurchaseByCode(ctx context.Context, db *gorm.DB, code string) (*TokenPurchase, error)

	// CreditMeter adds units to the meter balance and stamps last_top_up in
	// the same transaction as the allocation that earned them.
	CreditMeter(ctx context.Context, tx *gorm.DB, meterID snowflake.ID, units decimal.Decimal, at time.Time) error
}
