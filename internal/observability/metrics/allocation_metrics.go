package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ClaimOutcomeMatched     = "matched"
	ClaimOutcomeFallback    = "fallback"
	ClaimOutcomeExact       = "exact"
	ClaimOutcomeSynthesized = "synthesized"
	ClaimOutcomeExhausted   = "exhausted"
	ClaimOutcomeError       = "error"
)

const (
	AllocationErrorTypeDeadlineExceeded = "deadline_exceeded"
	AllocationErrorTypeDB               = "db"
	AllocationErrorTypeBusinessRule     = "business_rule"
	AllocationErrorTypeUnknown          = "unknown"
)

const (
	LockResourcePoolCandidate = "token_pool_candidate"
	LockResourcePoolExact     = "token_pool_exact_code"
)

const (
	WorkflowPurchase      = "purchase"
	WorkflowManual        = "manual_recharge"
	WorkflowAutoRecharge  = "auto_recharge"
	WorkerPurchaseConfirm = "purchase_confirm"
	WorkerVerifyPoller    = "recharge_verify"
	WorkerAutoScan        = "autorecharge_scan"
)

// AllocationMetrics captures token pool allocation health signals.
type AllocationMetrics struct {
	claims              *prometheus.CounterVec
	claimDuration       *prometheus.HistogramVec
	poolExhausted       *prometheus.CounterVec
	dbLockWait          *prometheus.HistogramVec
	workflowTransitions *prometheus.CounterVec
	workerRuns          *prometheus.CounterVec
	workerErrors        *prometheus.CounterVec

	lockWaitObserver map[string]prometheus.Observer
}

var (
	allocationMetricsOnce sync.Once
	allocationMetrics     *AllocationMetrics
)

// Allocation returns the singleton allocation metrics registry.
func Allocation() *AllocationMetrics {
	allocationMetricsOnce.Do(func() {
		allocationMetrics = newAllocationMetrics(prometheus.DefaultRegisterer)
	})
	return allocationMetrics
}

// ResetAllocationMetricsForTest resets the allocation metrics singleton for tests.
func ResetAllocationMetricsForTest() {
	allocationMetricsOnce = sync.Once{}
	allocationMetrics = nil
}

func newAllocationMetrics(registerer prometheus.Registerer) *AllocationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltra_pool_claims_total",
		Help: "Token pool claim attempts by workflow and outcome.",
	}, []string{"workflow", "outcome"})
	claimDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voltra_pool_claim_duration_seconds",
		Help:    "Token pool claim transaction latency.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"workflow"})
	poolExhausted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltra_pool_exhausted_total",
		Help: "Claims that found no unallocated pool entry.",
	}, []string{"workflow"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voltra_pool_db_lock_wait_seconds",
		Help:    "DB lock wait time for SELECT FOR UPDATE SKIP LOCKED candidates.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"resource"})
	workflowTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltra_workflow_transition_total",
		Help: "Workflow record status transitions for lifecycle integrity.",
	}, []string{"workflow", "to"})
	workerRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltra_worker_runs_total",
		Help: "Background worker iterations by worker name.",
	}, []string{"worker"})
	workerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltra_worker_errors_total",
		Help: "Background worker errors by low-cardinality type.",
	}, []string{"worker", "error_type"})

	registerer.MustRegister(
		claims,
		claimDuration,
		poolExhausted,
		dbLockWait,
		workflowTransitions,
		workerRuns,
		workerErrors,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourcePoolCandidate: dbLockWait.WithLabelValues(LockResourcePoolCandidate),
		LockResourcePoolExact:     dbLockWait.WithLabelValues(LockResourcePoolExact),
	}

	return &AllocationMetrics{
		claims:              claims,
		claimDuration:       claimDuration,
		poolExhausted:       poolExhausted,
		dbLockWait:          dbLockWait,
		workflowTransitions: workflowTransitions,
		workerRuns:          workerRuns,
		workerErrors:        workerErrors,
		lockWaitObserver:    lockWaitObserver,
	}
}

func (m *AllocationMetrics) IncClaim(workflow, outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(workflow, outcome).Inc()
}

func (m *AllocationMetrics) ObserveClaimDuration(workflow string, d time.Duration) {
	if m == nil {
		return
	}
	m.claimDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

func (m *AllocationMetrics) IncPoolExhausted(workflow string) {
	if m == nil {
		return
	}
	m.poolExhausted.WithLabelValues(workflow).Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *AllocationMetrics) ObserveDBLockWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	if obs, ok := m.lockWaitObserver[resource]; ok {
		obs.Observe(d.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(d.Seconds())
}

func (m *AllocationMetrics) IncWorkflowTransition(workflow, to string) {
	if m == nil {
		return
	}
	m.workflowTransitions.WithLabelValues(workflow, to).Inc()
}

func (m *AllocationMetrics) IncWorkerRun(worker string) {
	if m == nil {
		return
	}
	m.workerRuns.WithLabelValues(worker).Inc()
}

func (m *AllocationMetrics) IncWorkerError(worker string, err error) {
	if m == nil || err == nil {
		return
	}
	m.workerErrors.WithLabelValues(worker, ClassifyError(err)).Inc()
}

// ClassifyError maps an error to a low-cardinality type label.
func ClassifyError(err error) string {
	if err == nil {
		return AllocationErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return AllocationErrorTypeDeadlineExceeded
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return AllocationErrorTypeDB
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return AllocationErrorTypeDB
	}
	return AllocationErrorTypeBusinessRule
}
