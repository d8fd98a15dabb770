package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/config"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	obsmetrics "github.com/voltgrid/voltra/internal/observability/metrics"
	"github.com/voltgrid/voltra/internal/recharge/domain"
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
	PoolRepo  tokenpooldomain.Repository
	Meters    meterdomain.Service
	Allocator *allocator.Engine
	LC        fx.Lifecycle `optional:"true"`
}

type serviceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	vending  *config.VendingConfigHolder
	repo     domain.Repository
	poolRepo tokenpooldomain.Repository
	meters   meterdomain.Service
	alloc    *allocator.Engine

	mu      sync.Mutex
	waiters map[snowflake.ID]chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(p Params) domain.Service {
	s := &serviceImpl{
		db:       p.DB,
		log:      p.Log.Named("recharge.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		vending:  p.Vending,
		repo:     p.Repo,
		poolRepo: p.PoolRepo,
		meters:   p.Meters,
		alloc:    p.Allocator,
		waiters:  make(map[snowflake.ID]chan struct{}),
		stop:     make(chan struct{}),
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

func (s *serviceImpl) Submit(ctx context.Context, userID, meterID snowflake.ID, code string) (*domain.ManualRecharge, error) {
	meter, err := s.meters.GetOwned(ctx, userID, meterID)
	if err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	if code == "" {
		mr := s.newRecord("", meter.ID, userID, domain.StatusFailed, "Missing token", decimal.NullDecimal{}, nil)
		if err := s.repo.Insert(ctx, s.db, mr); err != nil {
			return nil, err
		}
		s.transition(domain.StatusFailed)
		return mr, domain.ErrEmptyToken
	}

	normalized := domain.NormalizeCode(code)

	// already consumed as a token?
	if mr, err := s.resolveAgainstTokens(ctx, normalized, meter.ID, userID); err != nil || mr != nil {
		return mr, err
	}

	entry, err := s.poolRepo.FindEntryByCode(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if entry.IsAllocated {
			return s.resolveAllocatedEntry(ctx, entry, meter.ID, userID)
		}
		return s.claimFromPool(ctx, normalized, meter.ID, userID)
	}

	// unknown code: record pending and verify in the background
	mr := s.newRecord(normalized, meter.ID, userID, domain.StatusPending, "Verification scheduled", decimal.NullDecimal{}, nil)
	if err := s.repo.Insert(ctx, s.db, mr); err != nil {
		return nil, err
	}
	s.transition(domain.StatusPending)

	s.wg.Add(1)
	go s.verify(mr.ID, normalized, meter.ID, userID)

	return mr, nil
}

// resolveAgainstTokens handles codes that already exist in the tokens table:
// idempotent success on the same meter, rejection otherwise.
func (s *serviceImpl) resolveAgainstTokens(ctx context.Context, normalized string, meterID, userID snowflake.ID) (*domain.ManualRecharge, error) {
	token, err := s.poolRepo.FindTokenByCode(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, nil
	}

	units := decimal.NullDecimal{Decimal: token.Units, Valid: true}
	if token.MeterID == meterID {
		if existing, err := s.repo.FindByCodeAndMeter(ctx, s.db, normalized, meterID); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
		now := s.clock.Now()
		mr := s.newRecord(normalized, meterID, userID, domain.StatusSuccess, "Token already applied to this meter", units, &now)
		if err := s.repo.Insert(ctx, s.db, mr); err != nil {
			return nil, err
		}
		s.transition(domain.StatusSuccess)
		return mr, nil
	}

	mr := s.newRecord(normalized, meterID, userID, domain.StatusRejected, "Token already used on another meter", units, nil)
	if err := s.repo.Insert(ctx, s.db, mr); err != nil {
		return nil, err
	}
	s.transition(domain.StatusRejected)
	return mr, nil
}

func (s *serviceImpl) resolveAllocatedEntry(ctx context.Context, entry *tokenpooldomain.TokenPoolEntry, meterID, userID snowflake.ID) (*domain.ManualRecharge, error) {
	if entry.AllocatedTo != nil && *entry.AllocatedTo == userID {
		if existing, err := s.repo.FindByCodeAndMeter(ctx, s.db, entry.TokenCode, meterID); err != nil {
			return nil, err
		} else if existing != nil {
			return existing, nil
		}
		now := s.clock.Now()
		mr := s.newRecord(entry.TokenCode, meterID, userID, domain.StatusSuccess, "Token already allocated to this meter", entry.Units, &now)
		if err := s.repo.Insert(ctx, s.db, mr); err != nil {
			return nil, err
		}
		s.transition(domain.StatusSuccess)
		return mr, nil
	}

	mr := s.newRecord(entry.TokenCode, meterID, userID, domain.StatusRejected, "Token already used on another meter", entry.Units, nil)
	if err := s.repo.Insert(ctx, s.db, mr); err != nil {
		return nil, err
	}
	s.transition(domain.StatusRejected)
	return mr, nil
}

func (s *serviceImpl) claimFromPool(ctx context.Context, normalized string, meterID, userID snowflake.ID) (*domain.ManualRecharge, error) {
	mrID := s.genID.Generate()
	alloc, err := s.alloc.Claim(ctx, tokenpooldomain.ClaimRequest{
		MeterID:       meterID,
		UserID:        userID,
		CorrelationID: fmt.Sprintf("mr-%d", mrID),
		Workflow:      obsmetrics.WorkflowManual,
		Predicate:     tokenpooldomain.CodeEqual(normalized),
	})
	if err == tokenpooldomain.ErrCodeUnavailable {
		// lost the race; whoever won has consumed it by now
		if mr, rerr := s.resolveAgainstTokens(ctx, normalized, meterID, userID); rerr == nil && mr != nil {
			return mr, nil
		}
		if entry, rerr := s.poolRepo.FindEntryByCode(ctx, s.db, normalized); rerr == nil && entry != nil && entry.IsAllocated {
			return s.resolveAllocatedEntry(ctx, entry, meterID, userID)
		}
	}
	if err != nil {
		mr := s.newRecord(normalized, meterID, userID, domain.StatusFailed, err.Error(), decimal.NullDecimal{}, nil)
		mr.ID = mrID
		if ierr := s.repo.Insert(ctx, s.db, mr); ierr != nil {
			return nil, ierr
		}
		s.transition(domain.StatusFailed)
		return mr, nil
	}

	now := s.clock.Now()
	mr := s.newRecord(normalized, meterID, userID, domain.StatusSuccess, "Allocated from pool",
		decimal.NullDecimal{Decimal: alloc.Units, Valid: true}, &now)
	mr.ID = mrID
	if err := s.repo.Insert(ctx, s.db, mr); err != nil {
		return nil, err
	}
	s.transition(domain.StatusSuccess)
	return mr, nil
}

// verify polls for a code that was unknown at submission time. Each attempt
// re-runs the pool claim and the consumed-token checks; the first terminal
// outcome wins and stops the poller.
func (s *serviceImpl) verify(mrID snowflake.ID, normalized string, meterID, userID snowflake.ID) {
	defer s.wg.Done()
	defer s.release(mrID)

	cfg := s.vending.Get()
	obsmetrics.Allocation().IncWorkerRun(obsmetrics.WorkerVerifyPoller)

	ctx := context.Background()
	timer := time.NewTimer(cfg.VerifyInterval)
	defer timer.Stop()

	for attempt := 0; attempt < cfg.VerifyAttempts; attempt++ {
		select {
		case <-timer.C:
		case <-s.stop:
			return
		}
		timer.Reset(cfg.VerifyInterval)

		alloc, err := s.alloc.Claim(ctx, tokenpooldomain.ClaimRequest{
			MeterID:       meterID,
			UserID:        userID,
			CorrelationID: fmt.Sprintf("mr-%d", mrID),
			Workflow:      obsmetrics.WorkflowManual,
			Predicate:     tokenpooldomain.CodeEqual(normalized),
		})
		if err == nil {
			now := s.clock.Now()
			s.resolve(ctx, mrID, domain.StatusSuccess,
				decimal.NullDecimal{Decimal: alloc.Units, Valid: true},
				"Allocated from pool (background)", &now)
			return
		}
		if err != tokenpooldomain.ErrCodeUnavailable {
			obsmetrics.Allocation().IncWorkerError(obsmetrics.WorkerVerifyPoller, err)
			continue
		}

		token, terr := s.poolRepo.FindTokenByCode(ctx, s.db, normalized)
		if terr != nil {
			obsmetrics.Allocation().IncWorkerError(obsmetrics.WorkerVerifyPoller, terr)
			continue
		}
		if token != nil {
			now := s.clock.Now()
			if token.MeterID == meterID {
				s.resolve(ctx, mrID, domain.StatusSuccess,
					decimal.NullDecimal{Decimal: token.Units, Valid: true},
					"Found applied token during verification", &now)
			} else {
				s.resolve(ctx, mrID, domain.StatusRejected, decimal.NullDecimal{},
					"Token already used on another meter", nil)
			}
			return
		}
	}

	s.resolve(ctx, mrID, domain.StatusFailed, decimal.NullDecimal{},
		"Verification timeout - token not found", nil)
}

func (s *serviceImpl) resolve(ctx context.Context, id snowflake.ID, status string, units decimal.NullDecimal, message string, appliedAt *time.Time) {
	moved, err := s.repo.Resolve(ctx, s.db, id, status, units, message, appliedAt)
	if err != nil {
		s.log.Error("failed to resolve manual recharge",
			zap.String("recharge_id", id.String()),
			zap.Error(err),
		)
		return
	}
	if moved {
		s.transition(status)
	}
}

func (s *serviceImpl) ApplyToken(ctx context.Context, req domain.ApplyRequest) (*domain.ManualRecharge, error) {
	meter, err := s.meters.GetOwned(ctx, req.UserID, req.MeterID)
	if err != nil {
		return nil, err
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, domain.ErrEmptyToken
	}
	normalized := domain.NormalizeCode(code)

	if mr, err := s.resolveAgainstTokens(ctx, normalized, meter.ID, req.UserID); err != nil || mr != nil {
		return mr, err
	}

	entry, err := s.poolRepo.FindEntryByCode(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if entry != nil && !entry.IsAllocated {
		return s.claimFromPool(ctx, normalized, meter.ID, req.UserID)
	}
	if entry != nil {
		return s.resolveAllocatedEntry(ctx, entry, meter.ID, req.UserID)
	}

	if req.Units == nil && !req.Force {
		return nil, domain.ErrTokenNotFound
	}
	units := decimal.Zero
	if req.Units != nil {
		units = *req.Units
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		token := &tokenpooldomain.Token{
			ID:        s.genID.Generate(),
			MeterID:   meter.ID,
			TokenCode: normalized,
			Amount:    decimal.Zero,
			Units:     units,
			CreatedAt: now,
		}
		if err := s.poolRepo.InsertToken(ctx, tx, token); err != nil {
			return err
		}
		return s.poolRepo.CreditMeter(ctx, tx, meter.ID, units, now)
	})
	if err != nil {
		return nil, fmt.Errorf("apply external token: %w", err)
	}

	mr := s.newRecord(normalized, meter.ID, req.UserID, domain.StatusSuccess, "Applied via apply_token",
		decimal.NullDecimal{Decimal: units, Valid: true}, &now)
	if err := s.repo.Insert(ctx, s.db, mr); err != nil {
		return nil, err
	}
	s.transition(domain.StatusSuccess)
	return mr, nil
}

func (s *serviceImpl) Get(ctx context.Context, userID snowflake.ID, id snowflake.ID) (*domain.ManualRecharge, error) {
	mr, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if mr == nil || mr.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return mr, nil
}

func (s *serviceImpl) List(ctx context.Context, userID snowflake.ID) ([]domain.ManualRecharge, error) {
	return s.repo.ListByUser(ctx, s.db, userID)
}

func (s *serviceImpl) ListForMeter(ctx context.Context, userID, meterID snowflake.ID) ([]domain.ManualRecharge, error) {
	if _, err := s.meters.GetOwned(ctx, userID, meterID); err != nil {
		return nil, err
	}
	return s.repo.ListByMeter(ctx, s.db, meterID)
}

func (s *serviceImpl) Inspect(ctx context.Context, code string) (*domain.InspectResult, error) {
	normalized := domain.NormalizeCode(strings.TrimSpace(code))
	if normalized == "" {
		return nil, domain.ErrEmptyToken
	}

	res := &domain.InspectResult{}

	mr, err := s.repo.FindLatestByCode(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	res.ManualRecharge = mr

	token, err := s.poolRepo.FindTokenByCode(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if token != nil {
		res.TokenApplied = true
		meterID := token.MeterID
		res.TokenMeterID = &meterID
	}

	entry, err := s.poolRepo.FindEntryByCode(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		allocated := entry.IsAllocated
		res.PoolAllocated = &allocated
		res.PoolUnits = entry.Units
	}

	purchase, err := s.poolRepo.FindLatestPurchaseByCode(ctx, s.db, normalized)
	if err != nil {
		return nil, err
	}
	if purchase != nil {
		userID := purchase.UserID
		res.PurchasedBy = &userID
	}

	return res, nil
}

func (s *serviceImpl) AwaitVerification(id snowflake.ID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[id]
	if !ok {
		ch = make(chan struct{})
		s.waiters[id] = ch
	}
	return ch
}

func (s *serviceImpl) release(id snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[id]; ok {
		close(ch)
		delete(s.waiters, id)
	} else {
		ch = make(chan struct{})
		close(ch)
		s.waiters[id] = ch
	}
}

func (s *serviceImpl) newRecord(code string, meterID, userID snowflake.ID, status, message string, units decimal.NullDecimal, appliedAt *time.Time) *domain.ManualRecharge {
	return &domain.ManualRecharge{
		ID:          s.genID.Generate(),
		TokenCode:   code,
		MaskedToken: domain.MaskToken(code),
		MeterID:     meterID,
		UserID:      userID,
		Units:       units,
		Status:      status,
		Message:     message,
		AppliedAt:   appliedAt,
		CreatedAt:   s.clock.Now(),
	}
}

func (s *serviceImpl) transition(to string) {
	obsmetrics.Allocation().IncWorkflowTransition(obsmetrics.WorkflowManual, to)
}
