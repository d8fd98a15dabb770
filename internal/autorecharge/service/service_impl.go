package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/autorecharge/domain"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/config"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	notificationdomain "github.com/voltgrid/voltra/internal/notification/domain"
	obsmetrics "github.com/voltgrid/voltra/internal/observability/metrics"
	"github.com/voltgrid/voltra/internal/tokenpool/allocator"
	tokenpooldomain "github.com/voltgrid/voltra/internal/tokenpool/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Vending   *config.VendingConfigHolder
	Repo      domain.Repository
	MeterRepo meterdomain.Repository
	Meters    meterdomain.Service
	Allocator *allocator.Engine
	Notifier  notificationdomain.Service
}

type serviceImpl struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	vending   *config.VendingConfigHolder
	repo      domain.Repository
	meterRepo meterdomain.Repository
	meters    meterdomain.Service
	alloc     *allocator.Engine
	notify    notificationdomain.Service
}

func New(p Params) domain.Service {
	return &serviceImpl{
		db:        p.DB,
		log:       p.Log.Named("autorecharge.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		vending:   p.Vending,
		repo:      p.Repo,
		meterRepo: p.MeterRepo,
		meters:    p.Meters,
		alloc:     p.Allocator,
		notify:    p.Notifier,
	}
}

func (s *serviceImpl) GetConfig(ctx context.Context, userID snowflake.ID) (*domain.Config, error) {
	cfg, err := s.repo.FindConfigByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}

	cfg = &domain.Config{
		ID:         s.genID.Generate(),
		UserID:     userID,
		ApplyToAll: true,
		UpdatedAt:  s.clock.Now(),
	}
	if err := s.repo.InsertConfig(ctx, s.db, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *serviceImpl) SaveConfig(ctx context.Context, req domain.SaveConfigRequest) (*domain.Config, error) {
	cfg, err := s.GetConfig(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.DefaultThreshold != nil {
		cfg.DefaultThreshold = decimal.NullDecimal{Decimal: *req.DefaultThreshold, Valid: true}
	}
	if req.DefaultAmount != nil {
		cfg.DefaultAmount = decimal.NullDecimal{Decimal: *req.DefaultAmount, Valid: true}
	}
	if req.DefaultPaymentMethod != nil {
		cfg.DefaultPaymentMethod = *req.DefaultPaymentMethod
	}
	if req.ApplyToAll != nil {
		cfg.ApplyToAll = *req.ApplyToAll
	}
	cfg.UpdatedAt = s.clock.Now()

	if err := s.repo.UpdateConfig(ctx, s.db, cfg); err != nil {
		return nil, err
	}

	if req.ApplyToAll != nil && *req.ApplyToAll {
		if err := s.propagateDefaults(ctx, cfg); err != nil {
			s.log.Warn("failed to propagate defaults to meters",
				zap.String("user_id", req.UserID.String()),
				zap.Error(err),
			)
		}
	}
	return cfg, nil
}

// propagateDefaults copies config defaults onto meters that have no
// override of their own. Existing per-meter values are left alone.
func (s *serviceImpl) propagateDefaults(ctx context.Context, cfg *domain.Config) error {
	meters, err := s.meterRepo.ListByUser(ctx, s.db, cfg.UserID)
	if err != nil {
		return err
	}
	for i := range meters {
		m := &meters[i]
		changed := false
		if cfg.DefaultThreshold.Valid && !m.AutoRechargeThreshold.Valid {
			m.AutoRechargeThreshold = cfg.DefaultThreshold
			changed = true
		}
		if cfg.DefaultAmount.Valid && !m.AutoRechargeAmount.Valid {
			m.AutoRechargeAmount = cfg.DefaultAmount
			changed = true
		}
		if changed {
			m.UpdatedAt = s.clock.Now()
			if err := s.meterRepo.Update(ctx, s.db, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *serviceImpl) ListEvents(ctx context.Context, userID snowflake.ID) ([]domain.Event, error) {
	return s.repo.ListEventsByUser(ctx, s.db, userID)
}

func (s *serviceImpl) TriggerForMeter(ctx context.Context, userID, meterID snowflake.ID, amount *decimal.Decimal) (*domain.Event, error) {
	meter, err := s.meters.GetOwned(ctx, userID, meterID)
	if err != nil {
		return nil, err
	}

	ev := &domain.Event{
		ID:          s.genID.Generate(),
		UserID:      userID,
		MeterID:     &meter.ID,
		TriggeredAt: s.clock.Now(),
		Status:      domain.EventPending,
	}
	if amount != nil {
		ev.Amount = decimal.NullDecimal{Decimal: *amount, Valid: true}
	}
	if err := s.repo.InsertEvent(ctx, s.db, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *serviceImpl) RunForUser(ctx context.Context, userID snowflake.ID, force bool) (domain.Summary, error) {
	var summary domain.Summary

	cfg, err := s.repo.FindConfigByUser(ctx, s.db, userID)
	if err != nil {
		return summary, err
	}
	if cfg == nil {
		return summary, nil
	}
	if !cfg.Enabled && !force {
		return summary, nil
	}

	meters, err := s.meterRepo.ListByUser(ctx, s.db, userID)
	if err != nil {
		return summary, err
	}

	for i := range meters {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		s.runForMeter(ctx, cfg, &meters[i], force, &summary)
	}
	return summary, nil
}

// runForMeter never returns an error: one meter's failure is recorded on
// its event and must not abort the scan for the remaining meters.
func (s *serviceImpl) runForMeter(ctx context.Context, cfg *domain.Config, meter *meterdomain.Meter, force bool, summary *domain.Summary) {
	threshold := decimal.Zero
	if cfg.DefaultThreshold.Valid {
		threshold = cfg.DefaultThreshold.Decimal
	} else if meter.AutoRechargeThreshold.Valid {
		threshold = meter.AutoRechargeThreshold.Decimal
	}

	if !force && !meter.CurrentBalance.LessThan(threshold) {
		return
	}

	amount := decimal.NullDecimal{}
	if cfg.DefaultAmount.Valid {
		amount = cfg.DefaultAmount
	} else if meter.AutoRechargeAmount.Valid {
		amount = meter.AutoRechargeAmount
	}

	now := s.clock.Now()
	ev := &domain.Event{
		ID:          s.genID.Generate(),
		UserID:      cfg.UserID,
		MeterID:     &meter.ID,
		TriggeredAt: now,
		Status:      domain.EventPending,
		Message:     "Triggered by run_autorecharge",
		Amount:      amount,
	}
	if err := s.repo.InsertEvent(ctx, s.db, ev); err != nil {
		s.log.Error("failed to record auto-recharge event",
			zap.String("meter_id", meter.ID.String()),
			zap.Error(err),
		)
		return
	}
	summary.Triggered++
	obsmetrics.Allocation().IncWorkflowTransition(obsmetrics.WorkflowAutoRecharge, domain.EventPending)

	amountDisplay := "N/A"
	if amount.Valid {
		amountDisplay = amount.Decimal.String()
	}
	s.notify.Notify(ctx, cfg.UserID, notificationdomain.TypeSystem,
		"Auto recharge triggered",
		fmt.Sprintf("Auto recharge triggered for meter %s. Amount: %s", meter.MeterNumber, amountDisplay),
	)

	if !amount.Valid || !amount.Decimal.IsPositive() {
		s.resolveEvent(ctx, ev.ID, domain.EventFailed, "No amount configured", nil)
		summary.Failed++
		s.notify.Notify(ctx, cfg.UserID, notificationdomain.TypeAlert,
			"Auto recharge failed",
			fmt.Sprintf("Auto recharge failed for meter %s: no amount configured.", meter.MeterNumber),
		)
		return
	}

	requestedUnits := amount.Decimal
	alloc, err := s.alloc.Claim(ctx, tokenpooldomain.ClaimRequest{
		MeterID:       meter.ID,
		UserID:        cfg.UserID,
		CorrelationID: fmt.Sprintf("auto-%d-%d-%d", cfg.UserID, meter.ID, now.Unix()),
		Workflow:      obsmetrics.WorkflowAutoRecharge,
		Predicate:     tokenpooldomain.UnitsEqual(requestedUnits),
		Synthesize:    true,
		FallbackUnits: requestedUnits,
	})
	if err != nil {
		s.resolveEvent(ctx, ev.ID, domain.EventFailed, "Allocation error: "+err.Error(), nil)
		summary.Failed++
		s.log.Warn("auto-recharge allocation failed",
			zap.String("meter_id", meter.ID.String()),
			zap.Error(err),
		)
		return
	}

	executedAt := s.clock.Now()
	s.resolveEvent(ctx, ev.ID, domain.EventCompleted,
		fmt.Sprintf("Auto recharge executed; token %s applied.", alloc.TokenCode), &executedAt)
	summary.Executed++

	s.notify.Notify(ctx, cfg.UserID, notificationdomain.TypePayment,
		"Auto recharge completed",
		fmt.Sprintf("Auto recharge of %s kWh completed for meter %s. Token: %s",
			alloc.Units.String(), meter.MeterNumber, alloc.TokenCode),
	)
}

func (s *serviceImpl) resolveEvent(ctx context.Context, id snowflake.ID, status, message string, executedAt *time.Time) {
	if err := s.repo.ResolveEvent(ctx, s.db, id, status, message, executedAt); err != nil {
		s.log.Error("failed to resolve auto-recharge event",
			zap.String("event_id", id.String()),
			zap.Error(err),
		)
		return
	}
	obsmetrics.Allocation().IncWorkflowTransition(obsmetrics.WorkflowAutoRecharge, status)
}

func (s *serviceImpl) RunScan(ctx context.Context) (domain.Summary, error) {
	var summary domain.Summary
	batchSize := s.vending.Get().ScanBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	for offset := 0; ; offset += batchSize {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		userIDs, err := s.repo.ListEnabledUserIDs(ctx, s.db, batchSize, offset)
		if err != nil {
			return summary, err
		}
		if len(userIDs) == 0 {
			return summary, nil
		}
		for _, userID := range userIDs {
			userSummary, err := s.RunForUser(ctx, userID, false)
			if err != nil {
				obsmetrics.Allocation().IncWorkerError(obsmetrics.WorkerAutoScan, err)
				s.log.Warn("auto-recharge scan failed for user",
					zap.String("user_id", userID.String()),
					zap.Error(err),
				)
				continue
			}
			summary.Add(userSummary)
		}
	}
}
