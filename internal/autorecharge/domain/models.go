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
	EventPending   = "pending"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

var ErrConfigNotFound = errors.New("auto recharge config not found")

// Config holds one user's auto-recharge defaults, applied across all of
// their meters unless a meter carries its own override.
type Config struct {
	ID                   snowflake.ID        `gorm:"column:id;primaryKey"`
	UserID               snowflake.ID        `gorm:"column:user_id;uniqueIndex"`
	Enabled              bool                `gorm:"column:enabled"`
	DefaultThreshold     decimal.NullDecimal `gorm:"column:default_threshold"`
	DefaultAmount        decimal.NullDecimal `gorm:"column:default_amount"`
	DefaultPaymentMethod string              `gorm:"column:default_payment_method"`
	ApplyToAll           bool                `gorm:"column:apply_to_all"`
	UpdatedAt            time.Time           `gorm:"column:updated_at"`
}

func (Config) TableName() string { return "auto_recharge_configs" }

type Event struct {
	ID          snowflake.ID        `gorm:"column:id;primaryKey"`
	UserID      snowflake.ID        `gorm:"column:user_id"`
	MeterID     *snowflake.ID       `gorm:"column:meter_id"`
	TriggeredAt time.Time           `gorm:"column:triggered_at"`
	ExecutedAt  *time.Time          `gorm:"column:executed_at"`
	Status      string              `gorm:"column:status"`
	Message     string              `gorm:"column:message"`
	Amount      decimal.NullDecimal `gorm:"column:amount"`
}

func (Event) TableName() string { return "auto_recharge_events" }

// Summary counts one run's outcomes for the caller.
type Summary struct {
	Triggered int `json:"triggered"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
}

func (s *Summary) Add(other Summary) {
	s.Triggered += other.Triggered
	s.Executed += other.Executed
	s.Failed += other.Failed
}

type Repository interface {
	FindConfigByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Config, error)
	InsertConfig(ctx context.Context, db *gorm.DB, cfg *Config) error
	UpdateConfig(ctx context.Context, db *gorm.DB, cfg *Config) error
	ListEnabledUserIDs(ctx context.Context, db *gorm.DB, limit, offset int) ([]snowflake.ID, error)

	InsertEvent(ctx context.Context, db *gorm.DB, ev *Event) error
	ResolveEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, status, message string, executedAt *time.Time) error
	ListEventsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Event, error)
}

type SaveConfigRequest struct {
	UserID               snowflake.ID
	Enabled              *bool
	DefaultThreshold     *decimal.Decimal
	DefaultAmount        *decimal.Decimal
	DefaultPaymentMethod *string
	ApplyToAll           *bool
}

type Service interface {
	// GetConfig returns the user's configuration, creating a disabled one
	// on first access.
	GetConfig(ctx context.Context, userID snowflake.ID) (*Config, error)

	// SaveConfig patches the configuration. With ApplyToAll set, the new
	// defaults are copied onto meters that carry no override of their own.
	SaveConfig(ctx context.Context, req SaveConfigRequest) (*Config, error)

	ListEvents(ctx context.Context, userID snowflake.ID) ([]Event, error)

	// TriggerForMeter records a pending event for one meter without
	// running it, for developer-driven inspection.
	TriggerForMeter(ctx context.Context, userID, meterID snowflake.ID, amount *decimal.Decimal) (*Event, error)

	// RunForUser checks every meter the user owns and recharges those
	// below threshold. force attempts every meter regardless of balance
	// or the enabled flag.
	RunForUser(ctx context.Context, userID snowflake.ID, force bool) (Summary, error)

	// RunScan walks all enabled configurations in batches.
	RunScan(ctx context.Context) (Summary, error)
}
