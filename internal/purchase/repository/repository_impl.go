package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/purchase/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

func Provide() domain.Repository {
	return &repositoryImpl{}
}

const transactionColumns = `id, transaction_id, user_id, meter_id, amount, units, status,
	transaction_type, payment_method, description, token_code, created_at, updated_at`

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.TransactionID, txn.UserID, txn.MeterID, txn.Amount, txn.Units,
		txn.Status, txn.Type, txn.PaymentMethod, txn.Description, txn.TokenCode,
		txn.CreatedAt, txn.UpdatedAt,
	).Error
}

// MarkCompleted and MarkFailed guard on status = pending so a transaction
// transitions to a terminal state at most once.
func (r *repositoryImpl) MarkCompleted(ctx context.Context, db *gorm.DB, transactionID string, units decimal.Decimal, tokenCode, description string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, units = ?, token_code = ?, description = ?, updated_at = ?
		 WHERE transaction_id = ? AND status = ?`,
		domain.StatusCompleted, units, tokenCode, description, at,
		transactionID, domain.StatusPending,
	).Error
}

func (r *repositoryImpl) MarkFailed(ctx context.Context, db *gorm.DB, transactionID, description string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, description = ?, updated_at = ?
		 WHERE transaction_id = ? AND status = ?`,
		domain.StatusFailed, description, at,
		transactionID, domain.StatusPending,
	).Error
}

func (r *repositoryImpl) FindByTransactionID(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE transaction_id = ?`,
		transactionID,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repositoryImpl) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, filter domain.ListFilter) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		 FROM transactions
		 WHERE user_id = ?`
	args := []any{userID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		query += ` AND transaction_type = ?`
		args = append(args, filter.Type)
	}
	if filter.MeterID != nil {
		query += ` AND meter_id = ?`
		args = append(args, *filter.MeterID)
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		query += ` AND created_at <= ?`
		args = append(args, *filter.To)
	}
	query += ` ORDER BY created_at DESC`

	var txns []domain.Transaction
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}
