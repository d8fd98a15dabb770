package domain

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

var (
	ErrEmptyToken    = errors.New("missing token")
	ErrTokenNotFound = errors.New("token not found in pool; provide units or set force=true")
	ErrNotFound      = errors.New("manual recharge not found")
)

// ManualRecharge records one user-submitted token code and its verification
// outcome. A record is created pending or directly terminal and transitions
// at most once; it is never re-opened.
type ManualRecharge struct {
	ID          snowflake.ID        `gorm:"column:id;primaryKey"`
	TokenCode   string              `gorm:"column:token_code"`
	MaskedToken string              `gorm:"column:masked_token"`
	MeterID     snowflake.ID        `gorm:"column:meter_id"`
	UserID      snowflake.ID        `gorm:"column:user_id"`
	Units       decimal.NullDecimal `gorm:"column:units"`
	Status      string              `gorm:"column:status"`
	Message     string              `gorm:"column:message"`
	AppliedAt   *time.Time          `gorm:"column:applied_at"`
	CreatedAt   time.Time           `gorm:"column:created_at"`
}

func (ManualRecharge) TableName() string { return "manual_recharges" }

// MaskToken hides the middle of a code for display. Short codes are shown
// verbatim.
func MaskToken(code string) string {
	if len(code) >= 8 {
		return code[:4] + "****" + code[len(code)-4:]
	}
	return code
}

// NormalizeCode strips everything but letters and digits, the same
// normalization applied before every lookup and before storage.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, mr *ManualRecharge) error

	// Resolve moves a pending record to a terminal status. It reports
	// whether a row actually transitioned, guarding against double
	// resolution by racing pollers.
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, units decimal.NullDecimal, message string, appliedAt *time.Time) (bool, error)

	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ManualRecharge, error)
	FindByCodeAndMeter(ctx context.Context, db *gorm.DB, tokenCode string, meterID snowflake.ID) (*ManualRecharge, error)
	FindLatestByCode(ctx context.Context, db *gorm.DB, tokenCode string) (*ManualRecharge, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]ManualRecharge, error)
	ListByMeter(ctx context.Context, db *gorm.DB, meterID snowflake.ID) ([]ManualRecharge, error)
}

type ApplyRequest struct {
	UserID  snowflake.ID
	MeterID snowflake.ID
	Code    string
	Units   *decimal.Decimal
	Force   bool
}

// InspectResult is the support view of everything known about a code.
type InspectResult struct {
	ManualRecharge *ManualRecharge
	TokenApplied   bool
	TokenMeterID   *snowflake.ID
	PoolAllocated  *bool
	PoolUnits      decimal.NullDecimal
	PurchasedBy    *snowflake.ID
}

type Service interface {
	// Submit runs the recharge decision chain for a user-entered code.
	// The returned record may be terminal already or pending with
	// background verification scheduled.
	Submit(ctx context.Context, userID, meterID snowflake.ID, code string) (*ManualRecharge, error)

	// ApplyToken credits a meter from a code outside the normal pool
	// flow, for externally validated codes.
	ApplyToken(ctx context.Context, req ApplyRequest) (*ManualRecharge, error)

	Get(ctx context.Context, userID snowflake.ID, id snowflake.ID) (*ManualRecharge, error)
	List(ctx context.Context, userID snowflake.ID) ([]ManualRecharge, error)
	ListForMeter(ctx context.Context, userID, meterID snowflake.ID) ([]ManualRecharge, error)

	// Inspect is a staff support lookup across recharge, token, pool and
	// purchase records for one code.
	Inspect(ctx context.Context, code string) (*InspectResult, error)

	// AwaitVerification returns a channel closed when the record's
	// background verification finishes.
	AwaitVerification(id snowflake.ID) <-chan struct{}
}
