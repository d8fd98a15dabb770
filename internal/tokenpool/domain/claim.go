package domain

import (
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	// ErrPoolExhausted means no unallocated entry matched the predicate and
	// no fallback entry was available either.
	ErrPoolExhausted = errors.New("no tokens available")

	// ErrCodeUnavailable means the exact code requested is not claimable
	// (missing from the pool or already allocated).
	ErrCodeUnavailable = errors.New("token code not available")

	ErrInvalidClaim = errors.New("invalid claim request")
)

type PredicateKind string

const (
	// MatchAny claims whichever unallocated entry locks first.
	MatchAny PredicateKind = "any"
	// MatchUnits prefers an entry whose units equal the requested quantity.
	MatchUnits PredicateKind = "units"
	// MatchAmount prefers an entry whose price equals the paid amount.
	MatchAmount PredicateKind = "amount"
	// MatchCode claims one specific code; never falls back.
	MatchCode PredicateKind = "code"
)

// ClaimPredicate selects the pool entry a claim prefers. Non-exact predicates
// fall back to any unallocated entry when no match locks.
type ClaimPredicate struct {
	Kind   PredicateKind
	Units  decimal.Decimal
	Amount decimal.Decimal
	Code   string
}

func AnyEntry() ClaimPredicate { return ClaimPredicate{Kind: MatchAny} }

func UnitsEqual(units decimal.Decimal) ClaimPredicate {
	return ClaimPredicate{Kind: MatchUnits, Units: units}
}

func AmountEqual(amount decimal.Decimal) ClaimPredicate {
	return ClaimPredicate{Kind: MatchAmount, Amount: amount}
}

func CodeEqual(code string) ClaimPredicate {
	return ClaimPredicate{Kind: MatchCode, Code: code}
}

// ClaimRequest asks the allocation engine for exactly one pool entry.
type ClaimRequest struct {
	MeterID       snowflake.ID
	UserID        snowflake.ID
	CorrelationID string
	// Workflow is a low-cardinality metrics label (purchase, manual_recharge,
	// auto_recharge).
	Workflow  string
	Predicate ClaimPredicate

	// Synthesize fabricates a placeholder code carrying FallbackUnits when
	// the pool is exhausted. The placeholder has no monetary backing.
	Synthesize bool

	// FallbackAmount is recorded when the claimed entry carries no amount,
	// typically the money actually paid for the claim.
	FallbackAmount decimal.Decimal

	// FallbackUnits is credited when the claimed entry carries no unit
	// metadata, and is the quantity a synthesized token represents.
	FallbackUnits decimal.Decimal
}

// Allocation is the committed result of a claim: the consumed code, the
// credited units, and the pool entry it came from (nil when synthesized).
type Allocation struct {
	TokenCode   string
	Units       decimal.Decimal
	Amount      decimal.Decimal
	Synthesized bool
	Entry       *TokenPoolEntry
}
