package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/voltgrid/voltra/internal/clock"
	obsmetrics "github.com/voltgrid/voltra/internal/observability/metrics"
	"github.com/voltgrid/voltra/internal/tokenpool/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// candidateAttempts bounds how many contended rows a single claim will pass
// over before reporting exhaustion. With skip-locked selection a lost row
// means a concurrent claimant committed first; the next candidate is tried.
const candidateAttempts = 4

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

// Engine is the only component that transitions token_pool rows from
// unallocated to allocated. Every claim runs lock -> mutate -> commit inside
// one transaction covering the pool row, the consumed Token, the purchase
// audit row, and the meter balance credit.
type Engine struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) *Engine {
	return &Engine{
		db:    p.DB,
		log:   p.Log.Named("tokenpool.allocator"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Claim atomically allocates one pool entry (or a synthesized placeholder)
// for the requesting meter/user pair. On any error the transaction rolls
// back in full and the pool entry stays claimable.
func (e *Engine) Claim(ctx context.Context, req domain.ClaimRequest) (*domain.Allocation, error) {
	if req.MeterID == 0 || req.UserID == 0 || req.CorrelationID == "" {
		return nil, domain.ErrInvalidClaim
	}

	allocMetrics := obsmetrics.Allocation()
	start := time.Now()
	defer func() {
		allocMetrics.ObserveClaimDuration(req.Workflow, time.Since(start))
	}()

	var (
		alloc   *domain.Allocation
		outcome string
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := e.clock.Now()

		entry, lockOutcome, err := e.lockCandidate(ctx, tx, req, now)
		if err != nil {
			return err
		}

		if entry == nil {
			if req.Predicate.Kind == domain.MatchCode {
				allocMetrics.IncClaim(req.Workflow, obsmetrics.ClaimOutcomeExhausted)
				return domain.ErrCodeUnavailable
			}
			if !req.Synthesize {
				allocMetrics.IncPoolExhausted(req.Workflow)
				allocMetrics.IncClaim(req.Workflow, obsmetrics.ClaimOutcomeExhausted)
				return domain.ErrPoolExhausted
			}
			allocMetrics.IncPoolExhausted(req.Workflow)
			outcome = obsmetrics.ClaimOutcomeSynthesized
			alloc = &domain.Allocation{
				TokenCode:   e.synthesizeCode(req, now),
				Units:       req.FallbackUnits,
				Amount:      decimal.Zero,
				Synthesized: true,
			}
		} else {
			outcome = lockOutcome
			units := req.FallbackUnits
			if entry.Units.Valid {
				units = entry.Units.Decimal
			}
			amount := req.FallbackAmount
			if entry.Amount.Valid {
				amount = entry.Amount.Decimal
			}
			alloc = &domain.Allocation{
				TokenCode: entry.TokenCode,
				Units:     units,
				Amount:    amount,
				Entry:     entry,
			}
		}

		token := &domain.Token{
			ID:        e.genID.Generate(),
			MeterID:   req.MeterID,
			TokenCode: alloc.TokenCode,
			Amount:    alloc.Amount,
			Units:     alloc.Units,
			CreatedAt: now,
		}
		if err := e.repo.InsertToken(ctx, tx, token); err != nil {
			return fmt.Errorf("insert token: %w", err)
		}

		purchase := &domain.TokenPurchase{
			ID:          e.genID.Generate(),
			TokenCode:   alloc.TokenCode,
			MeterID:     req.MeterID,
			UserID:      req.UserID,
			Amount:      alloc.Amount,
			Units:       alloc.Units,
			PurchasedAt: now,
		}
		if err := e.repo.InsertPurchase(ctx, tx, purchase); err != nil {
			return fmt.Errorf("insert token purchase audit: %w", err)
		}

		if err := e.repo.CreditMeter(ctx, tx, req.MeterID, alloc.Units, now); err != nil {
			return fmt.Errorf("credit meter balance: %w", err)
		}

		return nil
	})
	if err != nil {
		if err != domain.ErrPoolExhausted && err != domain.ErrCodeUnavailable {
			allocMetrics.IncClaim(req.Workflow, obsmetrics.ClaimOutcomeError)
			e.log.Warn("claim transaction aborted",
				zap.String("workflow", req.Workflow),
				zap.String("correlation_id", req.CorrelationID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	allocMetrics.IncClaim(req.Workflow, outcome)
	e.log.Info("token allocated",
		zap.String("workflow", req.Workflow),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("meter_id", req.MeterID.String()),
		zap.Bool("synthesized", alloc.Synthesized),
		zap.String("units", alloc.Units.String()),
	)
	return alloc, nil
}

// lockCandidate picks an unallocated entry under skip-locked semantics and
// flips its allocation flag with a guarded update. The guarded update doubles
// as a compare-and-swap for storage engines without row locks, so a lost
// candidate is retried rather than treated as an error.
func (e *Engine) lockCandidate(ctx context.Context, tx *gorm.DB, req domain.ClaimRequest, now time.Time) (*domain.TokenPoolEntry, string, error) {
	for attempt := 0; attempt < candidateAttempts; attempt++ {
		outcome := obsmetrics.ClaimOutcomeMatched
		if req.Predicate.Kind == domain.MatchCode {
			outcome = obsmetrics.ClaimOutcomeExact
		}

		entry, err := e.repo.LockNextUnallocated(ctx, tx, req.Predicate)
		if err != nil {
			return nil, "", fmt.Errorf("lock pool candidate: %w", err)
		}
		if entry == nil && req.Predicate.Kind != domain.MatchCode && req.Predicate.Kind != domain.MatchAny {
			entry, err = e.repo.LockNextUnallocated(ctx, tx, domain.AnyEntry())
			if err != nil {
				return nil, "", fmt.Errorf("lock fallback candidate: %w", err)
			}
			outcome = obsmetrics.ClaimOutcomeFallback
		}
		if entry == nil {
			return nil, "", nil
		}

		won, err := e.repo.MarkAllocated(ctx, tx, entry.ID, req.UserID, req.CorrelationID, now)
		if err != nil {
			return nil, "", fmt.Errorf("mark entry allocated: %w", err)
		}
		if won {
			entry.IsAllocated = true
			entry.AllocatedAt = &now
			userID := req.UserID
			entry.AllocatedTo = &userID
			correlationID := req.CorrelationID
			entry.AllocatedTransactionID = &correlationID
			return entry, outcome, nil
		}
		// a concurrent claimant committed this row first; try the next one
	}
	return nil, "", nil
}

func (e *Engine) synthesizeCode(req domain.ClaimRequest, now time.Time) string {
	return fmt.Sprintf("AUTO-%d-%d-%d", req.UserID, req.MeterID, now.Unix())
}
