package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	tokenpooldomain "github.com/voltgrid/voltra/internal/tokenpool/domain"
	userdomain "github.com/voltgrid/voltra/internal/user/domain"
	"gorm.io/gorm"
)

const (
	demoUserEmail   = "demo@voltra.dev"
	demoUserName    = "Demo Resident"
	demoMeterNumber = "DEMO-0001"
)

var demoPoolCodes = []string{
	"1111222233334444",
	"5555666677778888",
	"9999000011112222",
}

// EnsureDemoData seeds a demo user, meter and a few pool tokens so a fresh
// install can run a purchase end to end. Idempotent across restarts.
func EnsureDemoData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userID, err := ensureDemoUser(ctx, tx, node)
		if err != nil {
			return err
		}
		if err := ensureDemoMeter(ctx, tx, node, userID); err != nil {
			return err
		}
		return ensureDemoPool(ctx, tx, node)
	})
}

func ensureDemoUser(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (snowflake.ID, error) {
	var existing userdomain.User
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM users WHERE email = ? LIMIT 1`, demoUserEmail,
	).Scan(&existing).Error
	if err != nil {
		return 0, err
	}
	if existing.ID != 0 {
		return existing.ID, nil
	}

	user := &userdomain.User{
		ID:        node.Generate(),
		Email:     demoUserEmail,
		FullName:  demoUserName,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, full_name, is_staff, created_at)
		 VALUES (?, ?, ?, FALSE, ?)`,
		user.ID, user.Email, user.FullName, user.CreatedAt,
	).Error; err != nil {
		return 0, err
	}
	return user.ID, nil
}

func ensureDemoMeter(ctx context.Context, tx *gorm.DB, node *snowflake.Node, userID snowflake.ID) error {
	var existing meterdomain.Meter
	err := tx.WithContext(ctx).Raw(
		`SELECT id FROM meters WHERE meter_number = ? LIMIT 1`, demoMeterNumber,
	).Scan(&existing).Error
	if err != nil {
		return err
	}
	if existing.ID != 0 {
		return nil
	}

	now := time.Now().UTC()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO meters (id, user_id, meter_number, nickname, address, is_primary, current_balance, created_at, updated_at)
		 VALUES (?, ?, ?, 'Home', '', TRUE, 0, ?, ?)`,
		node.Generate(), userID, demoMeterNumber, now, now,
	).Error
}

func ensureDemoPool(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	units := decimal.NewFromInt(50)
	amount := decimal.NewFromFloat(11.90)

	for _, code := range demoPoolCodes {
		var existing tokenpooldomain.TokenPoolEntry
		err := tx.WithContext(ctx).Raw(
			`SELECT id FROM token_pool WHERE token_code = ? LIMIT 1`, code,
		).Scan(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID != 0 {
			continue
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO token_pool (id, token_code, is_allocated, units, amount, created_at)
			 VALUES (?, ?, FALSE, ?, ?, ?)`,
			node.Generate(), code, units, amount, now,
		).Error; err != nil {
			return err
		}
	}
	return nil
}
