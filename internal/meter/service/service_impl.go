package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/clock"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	"github.com/voltgrid/voltra/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  meterdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  meterdomain.Repository
}

func New(p Params) meterdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("meter.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req meterdomain.CreateRequest) (*meterdomain.Meter, error) {
	number := strings.TrimSpace(req.MeterNumber)
	if number == "" {
		return nil, meterdomain.ErrInvalidMeterNumber
	}

	now := s.clock.Now()
	m := &meterdomain.Meter{
		ID:             s.genID.Generate(),
		UserID:         req.UserID,
		MeterNumber:    number,
		Nickname:       strings.TrimSpace(req.Nickname),
		Address:        strings.TrimSpace(req.Address),
		IsPrimary:      req.IsPrimary,
		CurrentBalance: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, s.db, m); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, meterdomain.ErrDuplicateMeter
		}
		return nil, err
	}
	return m, nil
}

func (s *Service) List(ctx context.Context, userID snowflake.ID) ([]meterdomain.Meter, error) {
	return s.repo.ListByUser(ctx, s.db, userID)
}

func (s *Service) GetOwned(ctx context.Context, userID, meterID snowflake.ID) (*meterdomain.Meter, error) {
	m, err := s.repo.FindByID(ctx, s.db, meterID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, meterdomain.ErrMeterNotFound
	}
	if m.UserID != userID {
		return nil, meterdomain.ErrMeterNotOwned
	}
	return m, nil
}

func (s *Service) Update(ctx context.Context, req meterdomain.UpdateRequest) (*meterdomain.Meter, error) {
	m, err := s.GetOwned(ctx, req.UserID, req.MeterID)
	if err != nil {
		return nil, err
	}

	if req.Nickname != nil {
		m.Nickname = strings.TrimSpace(*req.Nickname)
	}
	if req.Address != nil {
		m.Address = strings.TrimSpace(*req.Address)
	}
	if req.IsPrimary != nil {
		m.IsPrimary = *req.IsPrimary
	}
	if req.AutoRechargeThreshold != nil {
		m.AutoRechargeThreshold = decimal.NullDecimal{Decimal: *req.AutoRechargeThreshold, Valid: true}
	}
	if req.AutoRechargeAmount != nil {
		m.AutoRechargeAmount = decimal.NullDecimal{Decimal: *req.AutoRechargeAmount, Valid: true}
	}
	m.UpdatedAt = s.clock.Now()

	if err := s.repo.Update(ctx, s.db, m); err != nil {
		return nil, err
	}
	return m, nil
}
