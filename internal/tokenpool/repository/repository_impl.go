package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	obsmetrics "github.com/voltgrid/voltra/internal/observability/metrics"
	"github.com/voltgrid/voltra/internal/tokenpool/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const entryColumns = `id, token_code, is_allocated, allocated_at, allocated_to,
	allocated_transaction_id, units, amount, created_at`

func (r *repo) LockNextUnallocated(ctx context.Context, tx *gorm.DB, pred domain.ClaimPredicate) (*domain.TokenPoolEntry, error) {
	allocMetrics := obsmetrics.Allocation()

	query := `SELECT ` + entryColumns + `
		 FROM token_pool
		 WHERE is_allocated = ?`
	args := []any{false}
	resource := obsmetrics.LockResourcePoolCandidate

	switch pred.Kind {
	case domain.MatchUnits:
		query += ` AND units = ?`
		args = append(args, pred.Units)
	case domain.MatchAmount:
		query += ` AND amount = ?`
		args = append(args, pred.Amount)
	case domain.MatchCode:
		query += ` AND token_code = ?`
		args = append(args, pred.Code)
		resource = obsmetrics.LockResourcePoolExact
	}

	query += `
		 ORDER BY id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`

	var entry domain.TokenPoolEntry
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(query, args...).Scan(&entry).Error
	allocMetrics.ObserveDBLockWait(resource, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) MarkAllocated(ctx context.Context, tx *gorm.DB, id snowflake.ID, userID snowflake.ID, correlationID string, at time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE token_pool
		 SET is_allocated = ?,
		     allocated_at = ?,
		     allocated_to = ?,
		     allocated_transaction_id = ?
		 WHERE id = ?
		   AND is_allocated = ?`,
		true,
		at,
		userID,
		correlationID,
		id,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindEntryByCode(ctx context.Context, db *gorm.DB, code string) (*domain.TokenPoolEntry, error) {
	var entry domain.TokenPoolEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM token_pool
		 WHERE token_code = ?
		 LIMIT 1`,
		code,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *domain.TokenPoolEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO token_pool (
			id, token_code, is_allocated, allocated_at, allocated_to,
			allocated_transaction_id, units, amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.TokenCode,
		entry.IsAllocated,
		entry.AllocatedAt,
		entry.AllocatedTo,
		entry.AllocatedTransactionID,
		entry.Units,
		entry.Amount,
		entry.CreatedAt,
	).Error
}

func (r *repo) CountUnallocated(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM token_pool WHERE is_allocated = ?`,
		false,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) InsertToken(ctx context.Context, tx *gorm.DB, token *domain.Token) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO tokens (
			id, meter_id, token_code, amount, units, is_used, used_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.MeterID,
		token.TokenCode,
		token.Amount,
		token.Units,
		token.IsUsed,
		token.UsedAt,
		token.CreatedAt,
	).Error
}

func (r *repo) FindTokenByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Token, error) {
	var token domain.Token
	err := db.WithContext(ctx).Raw(
		`SELECT id, meter_id, token_code, amount, units, is_used, used_at, created_at
		 FROM tokens
		 WHERE token_code = ?
		 LIMIT 1`,
		code,
	).Scan(&token).Error
	if err != nil {
		return nil, err
	}
	if token.ID == 0 {
		return nil, nil
	}
	return &token, nil
}

func (r *repo) ListTokensByMeter(ctx context.Context, db *gorm.DB, meterID snowflake.ID) ([]domain.Token, error) {
	var tokens []domain.Token
	err := db.WithContext(ctx).Raw(
		`SELECT id, meter_id, token_code, amount, units, is_used, used_at, created_at
		 FROM tokens
		 WHERE meter_id = ?
		 ORDER BY created_at DESC`,
		meterID,
	).Scan(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *repo) InsertPurchase(ctx context.Context, tx *gorm.DB, purchase *domain.TokenPurchase) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO token_purchases (
			id, token_code, meter_id, user_id, amount, units, purchased_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		purchase.ID,
		purchase.TokenCode,
		purchase.MeterID,
		purchase.UserID,
		purchase.Amount,
		purchase.Units,
		purchase.PurchasedAt,
	).Error
}

func (r *repo) FindLatestPurchaseByCode(ctx context.Context, db *gorm.DB, code string) (*domain.TokenPurchase, error) {
	var purchase domain.TokenPurchase
	err := db.WithContext(ctx).Raw(
		`SELECT id, token_code, meter_id, user_id, amount, units, purchased_at
		 FROM token_purchases
		 WHERE token_code = ?
		 ORDER BY purchased_at DESC
		 LIMIT 1`,
		code,
	).Scan(&purchase).Error
	if err != nil {
		return nil, err
	}
	if purchase.ID == 0 {
		return nil, nil
	}
	return &purchase, nil
}

func (r *repo) CreditMeter(ctx context.Context, tx *gorm.DB, meterID snowflake.ID, units decimal.Decimal, at time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE meters
		 SET current_balance = current_balance + ?,
		     last_top_up = ?,
		     updated_at = ?
		 WHERE id = ?`,
		units,
		at,
		at,
		meterID,
	).Error
}
