package allocator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/tokenpool/domain"
	"github.com/voltgrid/voltra/internal/tokenpool/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	require.NoError(t, db.Exec(`
		CREATE TABLE token_pool (
			id INTEGER PRIMARY KEY,
			token_code TEXT UNIQUE,
			is_allocated BOOLEAN DEFAULT FALSE,
			allocated_at DATETIME,
			allocated_to INTEGER,
			allocated_transaction_id TEXT,
			units TEXT,
			amount TEXT,
			created_at DATETIME
		)`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE tokens (
			id INTEGER PRIMARY KEY,
			meter_id INTEGER,
			token_code TEXT,
			amount TEXT,
			units TEXT,
			is_used BOOLEAN DEFAULT FALSE,
			used_at DATETIME,
			created_at DATETIME
		)`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE token_purchases (
			id INTEGER PRIMARY KEY,
			token_code TEXT,
			meter_id INTEGER,
			user_id INTEGER,
			amount TEXT,
			units TEXT,
			purchased_at DATETIME
		)`).Error)
	require.NoError(t, db.Exec(`
		CREATE TABLE meters (
			id INTEGER PRIMARY KEY,
			user_id INTEGER,
			meter_number TEXT UNIQUE,
			current_balance TEXT DEFAULT '0',
			last_top_up DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`).Error)

	return db
}

func newTestEngine(t *testing.T, db *gorm.DB) (*Engine, domain.Repository, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := repository.Provide()
	engine := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewSystemClock(),
		Repo:  repo,
	})
	return engine, repo, node
}

func seedMeter(t *testing.T, db *gorm.DB, id, userID snowflake.ID, balance string) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO meters (id, user_id, meter_number, current_balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, fmt.Sprintf("MTR-%d", id), balance, time.Now().UTC(), time.Now().UTC(),
	).Error)
}

func seedPoolEntry(t *testing.T, db *gorm.DB, repo domain.Repository, node *snowflake.Node, code string, units, amount string) {
	t.Helper()
	entry := &domain.TokenPoolEntry{
		ID:        node.Generate(),
		TokenCode: code,
		Units:     decimal.NullDecimal{Decimal: decimal.RequireFromString(units), Valid: true},
		Amount:    decimal.NullDecimal{Decimal: decimal.RequireFromString(amount), Valid: true},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.InsertEntry(context.Background(), db, entry))
}

func TestClaim_AllocatesEntryAndCreditsMeter(t *testing.T) {
	db := openTestDB(t)
	engine, repo, node := newTestEngine(t, db)
	ctx := context.Background()

	userID := node.Generate()
	meterID := node.Generate()
	seedMeter(t, db, meterID, userID, "5")
	seedPoolEntry(t, db, repo, node, "1111-2222-3333-4444", "50", "210")

	alloc, err := engine.Claim(ctx, domain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: "txn-1",
		Workflow:      "purchase",
		Predicate:     domain.AnyEntry(),
	})
	require.NoError(t, err)
	assert.Equal(t, "1111-2222-3333-4444", alloc.TokenCode)
	assert.True(t, alloc.Units.Equal(decimal.RequireFromString("50")))
	assert.True(t, alloc.Amount.Equal(decimal.RequireFromString("210")))
	assert.False(t, alloc.Synthesized)

	entry, err := repo.FindEntryByCode(ctx, db, "1111-2222-3333-4444")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.IsAllocated)
	require.NotNil(t, entry.AllocatedTo)
	assert.Equal(t, userID, *entry.AllocatedTo)
	require.NotNil(t, entry.AllocatedTransactionID)
	assert.Equal(t, "txn-1", *entry.AllocatedTransactionID)

	var balance string
	require.NoError(t, db.Raw(`SELECT current_balance FROM meters WHERE id = ?`, meterID).Scan(&balance).Error)
	assert.True(t, decimal.RequireFromString(balance).Equal(decimal.RequireFromString("55")))

	tokens, err := repo.ListTokensByMeter(ctx, db, meterID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "1111-2222-3333-4444", tokens[0].TokenCode)

	purchase, err := repo.FindLatestPurchaseByCode(ctx, db, "1111-2222-3333-4444")
	require.NoError(t, err)
	require.NotNil(t, purchase)
	assert.Equal(t, meterID, purchase.MeterID)
}

func TestClaim_EachEntryAllocatedOnce(t *testing.T) {
	db := openTestDB(t)
	engine, repo, node := newTestEngine(t, db)
	ctx := context.Background()

	userID := node.Generate()
	const claimants = 8
	meters := make([]snowflake.ID, claimants)
	for i := range meters {
		meters[i] = node.Generate()
		seedMeter(t, db, meters[i], userID, "0")
	}
	for i := 0; i < claimants; i++ {
		seedPoolEntry(t, db, repo, node, fmt.Sprintf("POOL-%04d", i), "100", "420")
	}

	var wg sync.WaitGroup
	codes := make([]string, claimants)
	errs := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alloc, err := engine.Claim(ctx, domain.ClaimRequest{
				MeterID:       meters[i],
				UserID:        userID,
				CorrelationID: fmt.Sprintf("txn-%d", i),
				Workflow:      "purchase",
				Predicate:     domain.AnyEntry(),
			})
			if err != nil {
				errs[i] = err
				return
			}
			codes[i] = alloc.TokenCode
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < claimants; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[codes[i]], "token %s allocated twice", codes[i])
		seen[codes[i]] = true
	}

	remaining, err := repo.CountUnallocated(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 0, remaining)
}

func TestClaim_PrefersMatchingUnitsThenFallsBack(t *testing.T) {
	db := openTestDB(t)
	engine, repo, node := newTestEngine(t, db)
	ctx := context.Background()

	userID := node.Generate()
	meterID := node.Generate()
	seedMeter(t, db, meterID, userID, "0")
	seedPoolEntry(t, db, repo, node, "SMALL-1", "10", "42")
	seedPoolEntry(t, db, repo, node, "BIG-1", "100", "420")

	alloc, err := engine.Claim(ctx, domain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: "txn-units",
		Workflow:      "auto_recharge",
		Predicate:     domain.UnitsEqual(decimal.RequireFromString("100")),
	})
	require.NoError(t, err)
	assert.Equal(t, "BIG-1", alloc.TokenCode)

	// nothing with 77 units left, any remaining entry is acceptable
	alloc, err = engine.Claim(ctx, domain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: "txn-fallback",
		Workflow:      "auto_recharge",
		Predicate:     domain.UnitsEqual(decimal.RequireFromString("77")),
	})
	require.NoError(t, err)
	assert.Equal(t, "SMALL-1", alloc.TokenCode)
}

func TestClaim_SynthesizesWhenPoolEmpty(t *testing.T) {
	db := openTestDB(t)
	engine, repo, node := newTestEngine(t, db)
	ctx := context.Background()

	userID := node.Generate()
	meterID := node.Generate()
	seedMeter(t, db, meterID, userID, "3")

	alloc, err := engine.Claim(ctx, domain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: "txn-synth",
		Workflow:      "auto_recharge",
		Predicate:     domain.UnitsEqual(decimal.RequireFromString("20")),
		Synthesize:    true,
		FallbackUnits: decimal.RequireFromString("20"),
	})
	require.NoError(t, err)
	assert.True(t, alloc.Synthesized)
	assert.True(t, strings.HasPrefix(alloc.TokenCode, "AUTO-"), "got %s", alloc.TokenCode)
	assert.True(t, alloc.Units.Equal(decimal.RequireFromString("20")))
	assert.True(t, alloc.Amount.IsZero())

	var balance string
	require.NoError(t, db.Raw(`SELECT current_balance FROM meters WHERE id = ?`, meterID).Scan(&balance).Error)
	assert.True(t, decimal.RequireFromString(balance).Equal(decimal.RequireFromString("23")))

	tokens, err := repo.ListTokensByMeter(ctx, db, meterID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
}

func TestClaim_PoolExhausted(t *testing.T) {
	db := openTestDB(t)
	engine, repo, node := newTestEngine(t, db)
	ctx := context.Background()

	userID := node.Generate()
	meterID := node.Generate()
	seedMeter(t, db, meterID, userID, "0")

	_, err := engine.Claim(ctx, domain.ClaimRequest{
		MeterID:        meterID,
		UserID:         userID,
		CorrelationID:  "txn-empty",
		Workflow:       "purchase",
		Predicate:      domain.AmountEqual(decimal.RequireFromString("500")),
		FallbackUnits:  decimal.RequireFromString("119"),
		FallbackAmount: decimal.RequireFromString("500"),
	})
	require.ErrorIs(t, err, domain.ErrPoolExhausted)

	// nothing must be written on exhaustion
	tokens, err := repo.ListTokensByMeter(ctx, db, meterID)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	var balance string
	require.NoError(t, db.Raw(`SELECT current_balance FROM meters WHERE id = ?`, meterID).Scan(&balance).Error)
	assert.True(t, decimal.RequireFromString(balance).IsZero())
}

func TestClaim_CodeUnavailable(t *testing.T) {
	db := openTestDB(t)
	engine, repo, node := newTestEngine(t, db)
	ctx := context.Background()

	userID := node.Generate()
	meterID := node.Generate()
	seedMeter(t, db, meterID, userID, "0")
	seedPoolEntry(t, db, repo, node, "CODE-A", "30", "126")

	// claim it once; the second attempt on the same code must not succeed
	alloc, err := engine.Claim(ctx, domain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: "txn-a",
		Workflow:      "manual_recharge",
		Predicate:     domain.CodeEqual("CODE-A"),
	})
	require.NoError(t, err)
	assert.Equal(t, "CODE-A", alloc.TokenCode)

	_, err = engine.Claim(ctx, domain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: "txn-b",
		Workflow:      "manual_recharge",
		Predicate:     domain.CodeEqual("CODE-A"),
	})
	require.ErrorIs(t, err, domain.ErrCodeUnavailable)

	_, err = engine.Claim(ctx, domain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: "txn-c",
		Workflow:      "manual_recharge",
		Predicate:     domain.CodeEqual("NO-SUCH-CODE"),
	})
	require.ErrorIs(t, err, domain.ErrCodeUnavailable)
}

func TestClaim_RejectsIncompleteRequest(t *testing.T) {
	db := openTestDB(t)
	engine, _, node := newTestEngine(t, db)

	_, err := engine.Claim(context.Background(), domain.ClaimRequest{
		MeterID:   node.Generate(),
		Workflow:  "purchase",
		Predicate: domain.AnyEntry(),
	})
	require.ErrorIs(t, err, domain.ErrInvalidClaim)
}
