package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/config"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	notificationdomain "github.com/voltgrid/voltra/internal/notification/domain"
	obsmetrics "github.com/voltgrid/voltra/internal/observability/metrics"
	"github.com/voltgrid/voltra/internal/purchase/domain"
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
	Meters    meterdomain.Service
	Allocator *allocator.Engine
	Notifier  notificationdomain.Service
	LC        fx.Lifecycle `optional:"true"`
}

type serviceImpl struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	vending *config.VendingConfigHolder
	repo    domain.Repository
	meters  meterdomain.Service
	alloc   *allocator.Engine
	notify  notificationdomain.Service

	mu      sync.Mutex
	waiters map[string]chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(p Params) domain.Service {
	s := &serviceImpl{
		db:      p.DB,
		log:     p.Log.Named("purchase.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		vending: p.Vending,
		repo:    p.Repo,
		meters:  p.Meters,
		alloc:   p.Allocator,
		notify:  p.Notifier,
		waiters: make(map[string]chan struct{}),
		stop:    make(chan struct{}),
	}
	if p.LC != nil {
		p.LC.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				close(s.stop)
				done := make(chan struct{})
				go func() {
					s.wg.Wait()
					close(done)
				}()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
	}
	return s
}

func (s *serviceImpl) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.Transaction, error) {
	meter, err := s.meters.GetOwned(ctx, req.UserID, req.MeterID)
	if err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || amount.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}

	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = "dev"
	}

	now := s.clock.Now()
	txn := &domain.Transaction{
		ID:            s.genID.Generate(),
		TransactionID: strings.ReplaceAll(uuid.New().String(), "-", ""),
		UserID:        req.UserID,
		MeterID:       meter.ID,
		Amount:        amount,
		Status:        domain.StatusPending,
		Type:          domain.TypePurchase,
		PaymentMethod: paymentMethod,
		Description:   "Pending purchase - awaiting confirmation",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, txn); err != nil {
		return nil, fmt.Errorf("insert pending transaction: %w", err)
	}
	obsmetrics.Allocation().IncWorkflowTransition(obsmetrics.WorkflowPurchase, domain.StatusPending)

	s.log.Info("purchase initiated",
		zap.String("transaction_id", txn.TransactionID),
		zap.String("meter_id", meter.ID.String()),
		zap.String("amount", amount.String()),
	)

	s.wg.Add(1)
	go s.confirm(txn.TransactionID, req.UserID, meter.ID, amount)

	return txn, nil
}

// confirm runs detached from the initiating request. Every path through it
// ends in a terminal transaction status.
func (s *serviceImpl) confirm(transactionID string, userID, meterID snowflake.ID, amount decimal.Decimal) {
	defer s.wg.Done()
	defer s.release(transactionID)

	cfg := s.vending.Get()

	// simulated payment-provider confirmation latency
	timer := time.NewTimer(cfg.PurchaseConfirmDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stop:
		// shutting down; the row stays pending and is not silently dropped
		s.log.Warn("shutdown before purchase confirmation", zap.String("transaction_id", transactionID))
		return
	}

	ctx := context.Background()
	fallbackUnits := amount.Mul(cfg.Tariff()).Round(2)

	alloc, err := s.alloc.Claim(ctx, tokenpooldomain.ClaimRequest{
		MeterID:        meterID,
		UserID:         userID,
		CorrelationID:  transactionID,
		Workflow:       obsmetrics.WorkflowPurchase,
		Predicate:      tokenpooldomain.AmountEqual(amount),
		FallbackUnits:  fallbackUnits,
		FallbackAmount: amount,
	})
	now := s.clock.Now()
	switch {
	case err == tokenpooldomain.ErrPoolExhausted:
		s.fail(ctx, transactionID, "No tokens available", now)
		return
	case err != nil:
		s.fail(ctx, transactionID, "Error allocating token: "+err.Error(), now)
		return
	}

	if err := s.repo.MarkCompleted(ctx, s.db, transactionID, alloc.Units, alloc.TokenCode, "Allocated token "+alloc.TokenCode, now); err != nil {
		s.log.Error("failed to complete transaction",
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return
	}
	obsmetrics.Allocation().IncWorkflowTransition(obsmetrics.WorkflowPurchase, domain.StatusCompleted)

	s.notify.Notify(ctx, userID, notificationdomain.TypePurchase,
		"Token Purchase Successful",
		fmt.Sprintf("You have successfully purchased %s kWh for $%s. Token: %s",
			alloc.Units.String(), amount.String(), maskCode(alloc.TokenCode)),
	)
}

func (s *serviceImpl) fail(ctx context.Context, transactionID, description string, at time.Time) {
	if err := s.repo.MarkFailed(ctx, s.db, transactionID, description, at); err != nil {
		s.log.Error("failed to fail transaction",
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return
	}
	obsmetrics.Allocation().IncWorkflowTransition(obsmetrics.WorkflowPurchase, domain.StatusFailed)
}

func (s *serviceImpl) Get(ctx context.Context, userID snowflake.ID, transactionID string) (*domain.Transaction, error) {
	txn, err := s.repo.FindByTransactionID(ctx, s.db, transactionID)
	if err != nil {
		return nil, err
	}
	if txn == nil || txn.UserID != userID {
		return nil, domain.ErrTransactionNotFound
	}
	return txn, nil
}

func (s *serviceImpl) List(ctx context.Context, userID snowflake.ID, filter domain.ListFilter) ([]domain.Transaction, error) {
	return s.repo.ListByUser(ctx, s.db, userID, filter)
}

func (s *serviceImpl) Await(transactionID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[transactionID]
	if !ok {
		ch = make(chan struct{})
		s.waiters[transactionID] = ch
	}
	return ch
}

func (s *serviceImpl) release(transactionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[transactionID]; ok {
		close(ch)
		delete(s.waiters, transactionID)
	} else {
		ch = make(chan struct{})
		close(ch)
		s.waiters[transactionID] = ch
	}
}

func maskCode(code string) string {
	if len(code) < 8 {
		return code
	}
	return code[:4] + "..." + code[len(code)-4:]
}
