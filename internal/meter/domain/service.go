package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrMeterNotFound      = errors.New("meter not found")
	ErrMeterNotOwned      = errors.New("meter not owned by user")
	ErrInvalidMeterNumber = errors.New("meter number is required")
	ErrDuplicateMeter     = errors.New("meter number already registered")
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Meter, error)
	List(ctx context.Context, userID snowflake.ID) ([]Meter, error)
	// GetOwned returns the meter only when it belongs to userID.
	GetOwned(ctx context.Context, userID, meterID snowflake.ID) (*Meter, error)
	Update(ctx context.Context, req UpdateRequest) (*Meter, error)
}

type CreateRequest struct {
	UserID      snowflake.ID
	MeterNumber string
	Nickname    string
	Address     string
	IsPrimary   bool
}

type UpdateRequest struct {
	UserID                snowflake.ID
	MeterID               snowflake.ID
	Nickname              *string
	Address               *string
	IsPrimary             *bool
	AutoRechargeThreshold *decimal.Decimal
	AutoRechargeAmount    *decimal.Decimal
}
