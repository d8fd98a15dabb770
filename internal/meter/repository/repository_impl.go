package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/voltgrid/voltra/internal/meter/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, meter *domain.Meter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO meters (
			id, user_id, meter_number, nickname, address, is_primary,
			auto_recharge_threshold, auto_recharge_amount,
			current_balance, last_top_up, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meter.ID,
		meter.UserID,
		meter.MeterNumber,
		meter.Nickname,
		meter.Address,
		meter.IsPrimary,
		meter.AutoRechargeThreshold,
		meter.AutoRechargeAmount,
		meter.CurrentBalance,
		meter.LastTopUp,
		meter.CreatedAt,
		meter.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, meter *domain.Meter) error {
	return db.WithContext(ctx).Exec(
		`UPDATE meters
		 SET nickname = ?, address = ?, is_primary = ?,
		     auto_recharge_threshold = ?, auto_recharge_amount = ?,
		     updated_at = ?
		 WHERE id = ?`,
		meter.Nickname,
		meter.Address,
		meter.IsPrimary,
		meter.AutoRechargeThreshold,
		meter.AutoRechargeAmount,
		meter.UpdatedAt,
		meter.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Meter, error) {
	var item domain.Meter
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, meter_number, nickname, address, is_primary,
		        auto_recharge_threshold, auto_recharge_amount,
		        current_balance, last_top_up, created_at, updated_at
		 FROM meters
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByNumber(ctx context.Context, db *gorm.DB, number string) (*domain.Meter, error) {
	var item domain.Meter
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, meter_number, nickname, address, is_primary,
		        auto_recharge_threshold, auto_recharge_amount,
		        current_balance, last_top_up, created_at, updated_at
		 FROM meters
		 WHERE meter_number = ?
		 LIMIT 1`,
		number,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.Meter, error) {
	var items []domain.Meter
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, meter_number, nickname, address, is_primary,
		        auto_recharge_threshold, auto_recharge_amount,
		        current_balance, last_top_up, created_at, updated_at
		 FROM meters
		 WHERE user_id = ?
		 ORDER BY id`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
