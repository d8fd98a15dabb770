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
	"github.com/voltgrid/voltra/internal/autorecharge/domain"
	"github.com/voltgrid/voltra/internal/autorecharge/repository"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/config"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	meterrepo "github.com/voltgrid/voltra/internal/meter/repository"
	notificationdomain "github.com/voltgrid/voltra/internal/notification/domain"
	"github.com/voltgrid/voltra/internal/tokenpool/allocator"
	tokenpooldomain "github.com/voltgrid/voltra/internal/tokenpool/domain"
	tokenpoolrepo "github.com/voltgrid/voltra/internal/tokenpool/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type meterOwnership struct {
	repo meterdomain.Repository
	db   *gorm.DB
}

func (m *meterOwnership) Create(context.Context, meterdomain.CreateRequest) (*meterdomain.Meter, error) {
	return nil, nil
}
func (m *meterOwnership) List(ctx context.Context, userID snowflake.ID) ([]meterdomain.Meter, error) {
	return m.repo.ListByUser(ctx, m.db, userID)
}
func (m *meterOwnership) GetOwned(ctx context.Context, userID, meterID snowflake.ID) (*meterdomain.Meter, error) {
	meter, err := m.repo.FindByID(ctx, m.db, meterID)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, meterdomain.ErrMeterNotFound
	}
	if meter.UserID != userID {
		return nil, meterdomain.ErrMeterNotOwned
	}
	return meter, nil
}
func (m *meterOwnership) Update(context.Context, meterdomain.UpdateRequest) (*meterdomain.Meter, error) {
	return nil, nil
}

type notifyRecorder struct {
	mu     sync.Mutex
	titles []string
}

func (n *notifyRecorder) Notify(ctx context.Context, userID snowflake.ID, notificationType, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *notifyRecorder) ListForUser(context.Context, snowflake.ID) ([]notificationdomain.Notification, error) {
	return nil, nil
}

func (n *notifyRecorder) count(title string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, got := range n.titles {
		if got == title {
			c++
		}
	}
	return c
}

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
		`CREATE TABLE auto_recharge_configs (
			id INTEGER PRIMARY KEY,
			user_id INTEGER UNIQUE,
			enabled BOOLEAN DEFAULT FALSE,
			default_threshold TEXT,
			default_amount TEXT,
			default_payment_method TEXT,
			apply_to_all BOOLEAN DEFAULT TRUE,
			updated_at DATETIME
		)`,
		`CREATE TABLE auto_recharge_events (
			id INTEGER PRIMARY KEY,
			user_id INTEGER,
			meter_id INTEGER,
			triggered_at DATETIME,
			executed_at DATETIME,
			status TEXT,
			message TEXT,
			amount TEXT
		)`,
		`CREATE TABLE meters (
			id INTEGER PRIMARY KEY,
			user_id INTEGER,
			meter_number TEXT UNIQUE,
			nickname TEXT,
			address TEXT,
			is_primary BOOLEAN DEFAULT FALSE,
			auto_recharge_threshold TEXT,
			auto_recharge_amount TEXT,
			current_balance TEXT DEFAULT '0',
			last_top_up DATETIME,
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
	} {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type fixture struct {
	svc      domain.Service
	db       *gorm.DB
	repo     domain.Repository
	poolRepo tokenpooldomain.Repository
	mrepo    meterdomain.Repository
	node     *snowflake.Node
	notify   *notifyRecorder
	userID   snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := openTestDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	mrepo := meterrepo.Provide()
	poolRepo := tokenpoolrepo.Provide()
	engine := allocator.New(allocator.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewSystemClock(),
		Repo:  poolRepo,
	})

	notify := &notifyRecorder{}
	svc := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clock.NewSystemClock(),
		Vending:   config.NewStaticVendingConfigHolder(config.DefaultVendingConfig()),
		Repo:      repository.Provide(),
		MeterRepo: mrepo,
		Meters:    &meterOwnership{repo: mrepo, db: db},
		Allocator: engine,
		Notifier:  notify,
	})

	return &fixture{
		svc:      svc,
		db:       db,
		repo:     repository.Provide(),
		poolRepo: poolRepo,
		mrepo:    mrepo,
		node:     node,
		notify:   notify,
		userID:   node.Generate(),
	}
}

func (f *fixture) addMeter(t *testing.T, userID snowflake.ID, balance string) snowflake.ID {
	t.Helper()
	now := time.Now().UTC()
	id := f.node.Generate()
	require.NoError(t, f.mrepo.Insert(context.Background(), f.db, &meterdomain.Meter{
		ID:             id,
		UserID:         userID,
		MeterNumber:    fmt.Sprintf("MTR-%d", id),
		CurrentBalance: decimal.RequireFromString(balance),
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
	return id
}

func (f *fixture) enableConfig(t *testing.T, userID snowflake.ID, threshold, amount string) {
	t.Helper()
	enabled := true
	req := domain.SaveConfigRequest{UserID: userID, Enabled: &enabled}
	if threshold != "" {
		v := decimal.RequireFromString(threshold)
		req.DefaultThreshold = &v
	}
	if amount != "" {
		v := decimal.RequireFromString(amount)
		req.DefaultAmount = &v
	}
	_, err := f.svc.SaveConfig(context.Background(), req)
	require.NoError(t, err)
}

func (f *fixture) seedPoolEntry(t *testing.T, code, units, amount string) {
	t.Helper()
	require.NoError(t, f.poolRepo.InsertEntry(context.Background(), f.db, &tokenpooldomain.TokenPoolEntry{
		ID:        f.node.Generate(),
		TokenCode: code,
		Units:     decimal.NullDecimal{Decimal: decimal.RequireFromString(units), Valid: true},
		Amount:    decimal.NullDecimal{Decimal: decimal.RequireFromString(amount), Valid: true},
		CreatedAt: time.Now().UTC(),
	}))
}

func (f *fixture) balance(t *testing.T, meterID snowflake.ID) decimal.Decimal {
	t.Helper()
	meter, err := f.mrepo.FindByID(context.Background(), f.db, meterID)
	require.NoError(t, err)
	require.NotNil(t, meter)
	return meter.CurrentBalance
}

func TestRunForUser_RechargesBelowThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meterID := f.addMeter(t, f.userID, "5")
	f.enableConfig(t, f.userID, "10", "20")
	f.seedPoolEntry(t, "AR-POOL-01", "20", "84")

	summary, err := f.svc.RunForUser(ctx, f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{Triggered: 1, Executed: 1, Failed: 0}, summary)

	assert.True(t, f.balance(t, meterID).Equal(decimal.RequireFromString("25")))

	events, err := f.svc.ListEvents(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventCompleted, events[0].Status)
	assert.Contains(t, events[0].Message, "AR-POOL-01")
	require.NotNil(t, events[0].ExecutedAt)

	assert.Equal(t, 1, f.notify.count("Auto recharge triggered"))
	assert.Equal(t, 1, f.notify.count("Auto recharge completed"))
}

func TestRunForUser_SkipsHealthyBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addMeter(t, f.userID, "50")
	f.enableConfig(t, f.userID, "10", "20")

	summary, err := f.svc.RunForUser(ctx, f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{}, summary)

	events, err := f.svc.ListEvents(ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunForUser_FailsWithoutAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meterID := f.addMeter(t, f.userID, "2")
	f.enableConfig(t, f.userID, "10", "")

	summary, err := f.svc.RunForUser(ctx, f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{Triggered: 1, Executed: 0, Failed: 1}, summary)

	events, err := f.svc.ListEvents(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventFailed, events[0].Status)
	assert.Equal(t, "No amount configured", events[0].Message)
	assert.True(t, f.balance(t, meterID).Equal(decimal.RequireFromString("2")))
	assert.Equal(t, 1, f.notify.count("Auto recharge failed"))
}

func TestRunForUser_SynthesizesWhenPoolEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meterID := f.addMeter(t, f.userID, "1")
	f.enableConfig(t, f.userID, "10", "30")

	summary, err := f.svc.RunForUser(ctx, f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{Triggered: 1, Executed: 1, Failed: 0}, summary)

	assert.True(t, f.balance(t, meterID).Equal(decimal.RequireFromString("31")))

	var code string
	require.NoError(t, f.db.Raw(`SELECT token_code FROM tokens WHERE meter_id = ?`, meterID).Scan(&code).Error)
	assert.True(t, strings.HasPrefix(code, "AUTO-"), "got %s", code)
}

func TestRunForUser_DisabledWithoutForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meterID := f.addMeter(t, f.userID, "0")
	amount := decimal.RequireFromString("20")
	_, err := f.svc.SaveConfig(ctx, domain.SaveConfigRequest{UserID: f.userID, DefaultAmount: &amount})
	require.NoError(t, err)

	summary, err := f.svc.RunForUser(ctx, f.userID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{}, summary)

	// forced runs attempt even while disabled
	summary, err = f.svc.RunForUser(ctx, f.userID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{Triggered: 1, Executed: 1, Failed: 0}, summary)
	assert.True(t, f.balance(t, meterID).Equal(decimal.RequireFromString("20")))
}

func TestRunForUser_MeterFailureDoesNotAbortScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two meters below threshold, pool holds one matching entry
	first := f.addMeter(t, f.userID, "0")
	second := f.addMeter(t, f.userID, "1")
	f.enableConfig(t, f.userID, "10", "20")
	f.seedPoolEntry(t, "AR-ONLY-1", "20", "84")

	summary, err := f.svc.RunForUser(ctx, f.userID, false)
	require.NoError(t, err)
	// the second meter synthesizes once the pool is empty
	assert.Equal(t, domain.Summary{Triggered: 2, Executed: 2, Failed: 0}, summary)
	assert.True(t, f.balance(t, first).Equal(decimal.RequireFromString("20")))
	assert.True(t, f.balance(t, second).Equal(decimal.RequireFromString("21")))
}

func TestSaveConfig_PropagatesDefaultsToMeters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain := f.addMeter(t, f.userID, "0")
	overridden := f.addMeter(t, f.userID, "0")
	override := decimal.RequireFromString("99")
	meter, err := f.mrepo.FindByID(ctx, f.db, overridden)
	require.NoError(t, err)
	meter.AutoRechargeThreshold = decimal.NullDecimal{Decimal: override, Valid: true}
	require.NoError(t, f.mrepo.Update(ctx, f.db, meter))

	threshold := decimal.RequireFromString("15")
	amount := decimal.RequireFromString("25")
	applyToAll := true
	_, err = f.svc.SaveConfig(ctx, domain.SaveConfigRequest{
		UserID:           f.userID,
		DefaultThreshold: &threshold,
		DefaultAmount:    &amount,
		ApplyToAll:       &applyToAll,
	})
	require.NoError(t, err)

	got, err := f.mrepo.FindByID(ctx, f.db, plain)
	require.NoError(t, err)
	require.True(t, got.AutoRechargeThreshold.Valid)
	assert.True(t, got.AutoRechargeThreshold.Decimal.Equal(threshold))
	require.True(t, got.AutoRechargeAmount.Valid)
	assert.True(t, got.AutoRechargeAmount.Decimal.Equal(amount))

	kept, err := f.mrepo.FindByID(ctx, f.db, overridden)
	require.NoError(t, err)
	assert.True(t, kept.AutoRechargeThreshold.Decimal.Equal(override))
}

func TestRunScan_CoversEnabledUsersOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enabledUser := f.userID
	f.addMeter(t, enabledUser, "0")
	f.enableConfig(t, enabledUser, "10", "20")

	disabledUser := f.node.Generate()
	f.addMeter(t, disabledUser, "0")
	amount := decimal.RequireFromString("20")
	_, err := f.svc.SaveConfig(ctx, domain.SaveConfigRequest{UserID: disabledUser, DefaultAmount: &amount})
	require.NoError(t, err)

	summary, err := f.svc.RunScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{Triggered: 1, Executed: 1, Failed: 0}, summary)

	events, err := f.svc.ListEvents(ctx, disabledUser)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetConfig_CreatesDisabledDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg, err := f.svc.GetConfig(ctx, f.userID)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.ApplyToAll)

	again, err := f.svc.GetConfig(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, again.ID)
}

func TestTriggerForMeter_RecordsPendingEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	meterID := f.addMeter(t, f.userID, "0")
	amount := decimal.RequireFromString("12")
	ev, err := f.svc.TriggerForMeter(ctx, f.userID, meterID, &amount)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPending, ev.Status)
	require.NotNil(t, ev.MeterID)
	assert.Equal(t, meterID, *ev.MeterID)

	stranger := f.node.Generate()
	_, err = f.svc.TriggerForMeter(ctx, stranger, meterID, nil)
	require.ErrorIs(t, err, meterdomain.ErrMeterNotOwned)
}
