package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/recharge/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

func Provide() domain.Repository {
	return &repositoryImpl{}
}

const rechargeColumns = `id, token_code, masked_token, meter_id, user_id, units,
	status, message, applied_at, created_at`

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, mr *domain.ManualRecharge) error {
	if mr.MaskedToken == "" {
		mr.MaskedToken = domain.MaskToken(mr.TokenCode)
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO manual_recharges (`+rechargeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mr.ID, mr.TokenCode, mr.MaskedToken, mr.MeterID, mr.UserID, mr.Units,
		mr.Status, mr.Message, mr.AppliedAt, mr.CreatedAt,
	).Error
}

func (r *repositoryImpl) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, units decimal.NullDecimal, message string, appliedAt *time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE manual_recharges
		 SET status = ?, units = ?, message = ?, applied_at = ?
		 WHERE id = ? AND status = ?`,
		status, units, message, appliedAt,
		id, domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repositoryImpl) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ManualRecharge, error) {
	var mr domain.ManualRecharge
	err := db.WithContext(ctx).Raw(
		`SELECT `+rechargeColumns+`
		 FROM manual_recharges
		 WHERE id = ?`,
		id,
	).Scan(&mr).Error
	if err != nil {
		return nil, err
	}
	if mr.ID == 0 {
		return nil, nil
	}
	return &mr, nil
}

func (r *repositoryImpl) FindByCodeAndMeter(ctx context.Context, db *gorm.DB, tokenCode string, meterID snowflake.ID) (*domain.ManualRecharge, error) {
	var mr domain.ManualRecharge
	err := db.WithContext(ctx).Raw(
		`SELECT `+rechargeColumns+`
		 FROM manual_recharges
		 WHERE token_code = ? AND meter_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tokenCode, meterID,
	).Scan(&mr).Error
	if err != nil {
		return nil, err
	}
	if mr.ID == 0 {
		return nil, nil
	}
	return &mr, nil
}

func (r *repositoryImpl) FindLatestByCode(ctx context.Context, db *gorm.DB, tokenCode string) (*domain.ManualRecharge, error) {
	var mr domain.ManualRecharge
	err := db.WithContext(ctx).Raw(
		`SELECT `+rechargeColumns+`
		 FROM manual_recharges
		 WHERE token_code = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tokenCode,
	).Scan(&mr).Error
	if err != nil {
		return nil, err
	}
	if mr.ID == 0 {
		return nil, nil
	}
	return &mr, nil
}

func (r *repositoryImpl) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.ManualRecharge, error) {
	var out []domain.ManualRecharge
	err := db.WithContext(ctx).Raw(
		`SELECT `+rechargeColumns+`
		 FROM manual_recharges
		 WHERE user_id = ?
		 ORDER BY created_at DESC`,
		userID,
	).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repositoryImpl) ListByMeter(ctx context.Context, db *gorm.DB, meterID snowflake.ID) ([]domain.ManualRecharge, error) {
	var out []domain.ManualRecharge
	err := db.WithContext(ctx).Raw(
		`SELECT `+rechargeColumns+`
		 FROM manual_recharges
		 WHERE meter_id = ?
		 ORDER BY created_at DESC`,
		meterID,
	).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
