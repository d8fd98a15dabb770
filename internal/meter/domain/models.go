package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Meter is a prepaid electricity meter owned by a user. Its balance is
// credited only by successful token allocations.
type Meter struct {
	ID                    snowflake.ID        `json:"id" gorm:"primaryKey"`
	UserID                snowflake.ID        `json:"user_id" gorm:"not null;index"`
	MeterNumber           string              `json:"meter_number" gorm:"type:text;not null;uniqueIndex"`
	Nickname              string              `json:"nickname" gorm:"type:text"`
	Address               string              `json:"address" gorm:"type:text"`
	IsPrimary             bool                `json:"is_primary" gorm:"not null;default:false"`
	AutoRechargeThreshold decimal.NullDecimal `json:"auto_recharge_threshold" gorm:"type:numeric(10,2)"`
	AutoRechargeAmount    decimal.NullDecimal `json:"auto_recharge_amount" gorm:"type:numeric(10,2)"`
	CurrentBalance        decimal.Decimal     `json:"current_balance" gorm:"type:numeric(10,2);not null;default:0"`
	LastTopUp             *time.Time          `json:"last_top_up"`
	CreatedAt             time.Time           `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time           `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Meter) TableName() string { return "meters" }
