package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/voltgrid/voltra/internal/autorecharge/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

func Provide() domain.Repository {
	return &repositoryImpl{}
}

const configColumns = `id, user_id, enabled, default_threshold, default_amount,
	default_payment_method, apply_to_all, updated_at`

const eventColumns = `id, user_id, meter_id, triggered_at, executed_at, status, message, amount`

func (r *repositoryImpl) FindConfigByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Config, error) {
	var cfg domain.Config
	err := db.WithContext(ctx).Raw(
		`SELECT `+configColumns+`
		 FROM auto_recharge_configs
		 WHERE user_id = ?`,
		userID,
	).Scan(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == 0 {
		return nil, nil
	}
	return &cfg, nil
}

func (r *repositoryImpl) InsertConfig(ctx context.Context, db *gorm.DB, cfg *domain.Config) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO auto_recharge_configs (`+configColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.UserID, cfg.Enabled, cfg.DefaultThreshold, cfg.DefaultAmount,
		cfg.DefaultPaymentMethod, cfg.ApplyToAll, cfg.UpdatedAt,
	).Error
}

func (r *repositoryImpl) UpdateConfig(ctx context.Context, db *gorm.DB, cfg *domain.Config) error {
	return db.WithContext(ctx).Exec(
		`UPDATE auto_recharge_configs
		 SET enabled = ?, default_threshold = ?, default_amount = ?,
		     default_payment_method = ?, apply_to_all = ?, updated_at = ?
		 WHERE id = ?`,
		cfg.Enabled, cfg.DefaultThreshold, cfg.DefaultAmount,
		cfg.DefaultPaymentMethod, cfg.ApplyToAll, cfg.UpdatedAt,
		cfg.ID,
	).Error
}

func (r *repositoryImpl) ListEnabledUserIDs(ctx context.Context, db *gorm.DB, limit, offset int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT user_id
		 FROM auto_recharge_configs
		 WHERE enabled = ?
		 ORDER BY user_id
		 LIMIT ? OFFSET ?`,
		true, limit, offset,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repositoryImpl) InsertEvent(ctx context.Context, db *gorm.DB, ev *domain.Event) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO auto_recharge_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.MeterID, ev.TriggeredAt, ev.ExecutedAt,
		ev.Status, ev.Message, ev.Amount,
	).Error
}

func (r *repositoryImpl) ResolveEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, status, message string, executedAt *time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE auto_recharge_events
		 SET status = ?, message = ?, executed_at = ?
		 WHERE id = ? AND status = ?`,
		status, message, executedAt,
		id, domain.EventPending,
	).Error
}

func (r *repositoryImpl) ListEventsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.Event, error) {
	var events []domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM auto_recharge_events
		 WHERE user_id = ?
		 ORDER BY triggered_at DESC`,
		userID,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
