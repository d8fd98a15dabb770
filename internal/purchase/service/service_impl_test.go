package service

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
	"github.com/voltgrid/voltra/internal/config"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	notificationdomain "github.com/voltgrid/voltra/internal/notification/domain"
	"github.com/voltgrid/voltra/internal/purchase/domain"
	"github.com/voltgrid/voltra/internal/purchase/repository"
	"github.com/voltgrid/voltra/internal/tokenpool/allocator"
	tokenpooldomain "github.com/voltgrid/voltra/internal/tokenpool/domain"
	tokenpoolrepo "github.com/voltgrid/voltra/internal/tokenpool/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Mocks --

type meterStub struct {
	meter *meterdomain.Meter
	err   error
}

func (m *meterStub) Create(context.Context, meterdomain.CreateRequest) (*meterdomain.Meter, error) {
	return nil, nil
}
func (m *meterStub) List(context.Context, snowflake.ID) ([]meterdomain.Meter, error) {
	return nil, nil
}
func (m *meterStub) GetOwned(ctx context.Context, userID, meterID snowflake.ID) (*meterdomain.Meter, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.meter, nil
}
func (m *meterStub) Update(context.Context, meterdomain.UpdateRequest) (*meterdomain.Meter, error) {
	return nil, nil
}

type notifyRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (n *notifyRecorder) Notify(ctx context.Context, userID snowflake.ID, notificationType, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *notifyRecorder) ListForUser(context.Context, snowflake.ID) ([]notificationdomain.Notification, error) {
	return nil, nil
}

func (n *notifyRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// -- Setup --

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
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	for _, stmt := range []string{
		`CREATE TABLE transactions (
			id INTEGER PRIMARY KEY,
			transaction_id TEXT UNIQUE,
			user_id INTEGER,
			meter_id INTEGER,
			amount TEXT,
			units TEXT,
			status TEXT,
			transaction_type TEXT,
			payment_method TEXT,
			description TEXT,
			token_code TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE token_pool (
			id INTEGER PRIMARY KEY,
			token_code TEXT UNIQUE,
			is_allocated BOOLEAN DEFAULT FALSE,
			allocated_at DATETIME,
			allocated_to INTEGER,
			allocated_transaction_id TEXT,
			units TEXT,
			amount TEXT,
			created_at DATETIME
		)`,
		`CREATE TABLE tokens (
			id INTEGER PRIMARY KEY,
			meter_id INTEGER,
			token_code TEXT,
			amount TEXT,
			units TEXT,
			is_used BOOLEAN DEFAULT FALSE,
			used_at DATETIME,
			created_at DATETIME
		)`,
		`CREATE TABLE token_purchases (
			id INTEGER PRIMARY KEY,
			token_code TEXT,
			meter_id INTEGER,
			user_id INTEGER,
			amount TEXT,
			units TEXT,
			purchased_at DATETIME
		)`,
		`CREATE TABLE meters (
			id INTEGER PRIMARY KEY,
			user_id INTEGER,
			meter_number TEXT UNIQUE,
			current_balance TEXT DEFAULT '0',
			last_top_up DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)`,
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	svc      domain.Service
	db       *gorm.DB
	poolRepo tokenpooldomain.Repository
	node     *snowflake.Node
	notify   *notifyRecorder
	userID   snowflake.ID
	meterID  snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := openTestDB(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	userID := node.Generate()
	meterID := node.Generate()
	require.NoError(t, db.Exec(
		`INSERT INTO meters (id, user_id, meter_number, current_balance, created_at, updated_at)
		 VALUES (?, ?, ?, '0', ?, ?)`,
		meterID, userID, "MTR-100200", time.Now().UTC(), time.Now().UTC(),
	).Error)

	poolRepo := tokenpoolrepo.Provide()
	engine := allocator.New(allocator.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewSystemClock(),
		Repo:  poolRepo,
	})

	vendingCfg := config.DefaultVendingConfig()
	vendingCfg.PurchaseConfirmDelay = 5 * time.Millisecond

	notify := &notifyRecorder{}
	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewSystemClock(),
		Vending: config.NewStaticVendingConfigHolder(vendingCfg),
		Repo:    repository.Provide(),
		Meters: &meterStub{meter: &meterdomain.Meter{
			ID:          meterID,
			UserID:      userID,
			MeterNumber: "MTR-100200",
		}},
		Allocator: engine,
		Notifier:  notify,
	})

	return &fixture{
		svc:      svc,
		db:       db,
		poolRepo: poolRepo,
		node:     node,
		notify:   notify,
		userID:   userID,
		meterID:  meterID,
	}
}

func (f *fixture) seedPoolEntry(t *testing.T, code string, units, amount decimal.NullDecimal) {
	t.Helper()
	require.NoError(t, f.poolRepo.InsertEntry(context.Background(), f.db, &tokenpooldomain.TokenPoolEntry{
		ID:        f.node.Generate(),
		TokenCode: code,
		Units:     units,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}))
}

func awaitTerminal(t *testing.T, svc domain.Service, transactionID string) {
	t.Helper()
	select {
	case <-svc.Await(transactionID):
	case <-time.After(5 * time.Second):
		t.Fatalf("transaction %s never reached a terminal status", transactionID)
	}
}

func nd(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

// -- Tests --

func TestInitiate_CompletesWithMatchingPoolToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPoolEntry(t, "5555-6666-7777-8888", nd("50"), nd("10"))

	txn, err := f.svc.Initiate(ctx, domain.InitiateRequest{
		UserID:  f.userID,
		MeterID: f.meterID,
		Amount:  "10",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, txn.Status)
	assert.Len(t, txn.TransactionID, 32)
	assert.Equal(t, "dev", txn.PaymentMethod)

	awaitTerminal(t, f.svc, txn.TransactionID)

	got, err := f.svc.Get(ctx, f.userID, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.TokenCode)
	assert.Equal(t, "5555-6666-7777-8888", *got.TokenCode)
	require.True(t, got.Units.Valid)
	assert.True(t, got.Units.Decimal.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, "Allocated token 5555-6666-7777-8888", got.Description)

	var balance string
	require.NoError(t, f.db.Raw(`SELECT current_balance FROM meters WHERE id = ?`, f.meterID).Scan(&balance).Error)
	assert.True(t, decimal.RequireFromString(balance).Equal(decimal.RequireFromString("50")))

	messages := f.notify.all()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "50 kWh for $10")
	assert.Contains(t, messages[0], "5555...8888")
}

func TestInitiate_EstimatesUnitsFromTariff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// entry with no unit metadata; units come from amount * tariff
	f.seedPoolEntry(t, "NO-META-0001", decimal.NullDecimal{}, decimal.NullDecimal{})

	txn, err := f.svc.Initiate(ctx, domain.InitiateRequest{
		UserID:  f.userID,
		MeterID: f.meterID,
		Amount:  "10",
	})
	require.NoError(t, err)
	awaitTerminal(t, f.svc, txn.TransactionID)

	got, err := f.svc.Get(ctx, f.userID, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.True(t, got.Units.Valid)
	assert.True(t, got.Units.Decimal.Equal(decimal.RequireFromString("42")), "got %s", got.Units.Decimal)
}

func TestInitiate_FailsWhenPoolEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.svc.Initiate(ctx, domain.InitiateRequest{
		UserID:  f.userID,
		MeterID: f.meterID,
		Amount:  "25.50",
	})
	require.NoError(t, err)
	awaitTerminal(t, f.svc, txn.TransactionID)

	got, err := f.svc.Get(ctx, f.userID, txn.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "No tokens available", got.Description)
	assert.Nil(t, got.TokenCode)
	assert.Empty(t, f.notify.all())

	var balance string
	require.NoError(t, f.db.Raw(`SELECT current_balance FROM meters WHERE id = ?`, f.meterID).Scan(&balance).Error)
	assert.True(t, decimal.RequireFromString(balance).IsZero())
}

func TestInitiate_RejectsBadAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, amount := range []string{"", "abc", "-5"} {
		_, err := f.svc.Initiate(ctx, domain.InitiateRequest{
			UserID:  f.userID,
			MeterID: f.meterID,
			Amount:  amount,
		})
		require.ErrorIs(t, err, domain.ErrInvalidAmount, "amount %q", amount)
	}

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(1) FROM transactions`).Scan(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestInitiate_RejectsUnownedMeter(t *testing.T) {
	f := newFixture(t)
	f.svc = New(Params{
		DB:        f.db,
		Log:       zap.NewNop(),
		GenID:     f.node,
		Clock:     clock.NewSystemClock(),
		Vending:   config.NewStaticVendingConfigHolder(config.DefaultVendingConfig()),
		Repo:      repository.Provide(),
		Meters:    &meterStub{err: meterdomain.ErrMeterNotOwned},
		Allocator: nil,
		Notifier:  f.notify,
	})

	_, err := f.svc.Initiate(context.Background(), domain.InitiateRequest{
		UserID:  f.userID,
		MeterID: f.meterID,
		Amount:  "10",
	})
	require.ErrorIs(t, err, meterdomain.ErrMeterNotOwned)
}

func TestList_FiltersByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPoolEntry(t, "LIST-0001", nd("30"), nd("7"))

	completed, err := f.svc.Initiate(ctx, domain.InitiateRequest{UserID: f.userID, MeterID: f.meterID, Amount: "7"})
	require.NoError(t, err)
	awaitTerminal(t, f.svc, completed.TransactionID)

	failed, err := f.svc.Initiate(ctx, domain.InitiateRequest{UserID: f.userID, MeterID: f.meterID, Amount: "7"})
	require.NoError(t, err)
	awaitTerminal(t, f.svc, failed.TransactionID)

	all, err := f.svc.List(ctx, f.userID, domain.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyFailed, err := f.svc.List(ctx, f.userID, domain.ListFilter{Status: domain.StatusFailed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, failed.TransactionID, onlyFailed[0].TransactionID)
}
