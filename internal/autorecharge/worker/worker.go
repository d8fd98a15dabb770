package worker

import (
	"context"
	"time"

	"github.com/voltgrid/voltra/internal/autorecharge/domain"
	"github.com/voltgrid/voltra/internal/clock"
	"github.com/voltgrid/voltra/internal/config"
	"github.com/voltgrid/voltra/internal/correlation"
	obsmetrics "github.com/voltgrid/voltra/internal/observability/metrics"
	"github.com/voltgrid/voltra/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Vending *config.VendingConfigHolder
	Service domain.Service
	Locker  *ratelimit.ScanLocker `optional:"true"`
}

// Worker drives periodic auto-recharge scans across all enabled users.
type Worker struct {
	log     *zap.Logger
	clock   clock.Clock
	vending *config.VendingConfigHolder
	svc     domain.Service
	locker  *ratelimit.ScanLocker
	enabled bool
}

func New(p Params) *Worker {
	return &Worker{
		log:     p.Log.Named("autorecharge.worker"),
		clock:   p.Clock,
		vending: p.Vending,
		svc:     p.Service,
		locker:  p.Locker,
		enabled: p.Cfg.WorkerEnabled,
	}
}

// RunForever scans on every tick until ctx is cancelled. The interval is
// re-read each cycle so a config reload takes effect without a restart.
func (w *Worker) RunForever(ctx context.Context) {
	if !w.enabled {
		w.log.Info("auto-recharge worker disabled")
		return
	}
	for {
		interval := w.vending.Get().ScanInterval
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		w.RunOnce(ctx)
	}
}

func (w *Worker) RunOnce(ctx context.Context) {
	if w.locker != nil {
		ttl := w.vending.Get().ScanInterval
		if ttl <= 0 {
			ttl = time.Minute
		}
		token, ok, err := w.locker.TryAcquire(ctx, ttl)
		if err != nil {
			obsmetrics.Allocation().IncWorkerError(obsmetrics.WorkerAutoScan, err)
			w.log.Warn("scan lock unavailable", zap.Error(err))
			return
		}
		if !ok {
			w.log.Debug("scan owned by another instance; skipping")
			return
		}
		defer func() {
			if err := w.locker.Release(context.Background(), token); err != nil {
				w.log.Warn("scan lock release failed", zap.Error(err))
			}
		}()
	}

	obsmetrics.Allocation().IncWorkerRun(obsmetrics.WorkerAutoScan)

	scanID := correlation.NewTag("scan")
	ctx = correlation.ContextWithID(ctx, scanID)

	start := w.clock.Now()
	summary, err := w.svc.RunScan(ctx)
	if err != nil {
		obsmetrics.Allocation().IncWorkerError(obsmetrics.WorkerAutoScan, err)
		w.log.Warn("auto-recharge scan aborted",
			zap.String("correlation_id", scanID),
			zap.Error(err),
		)
		return
	}

	w.log.Info("auto-recharge scan finished",
		zap.String("correlation_id", scanID),
		zap.Int("triggered", summary.Triggered),
		zap.Int("executed", summary.Executed),
		zap.Int("failed", summary.Failed),
		zap.Duration("took", w.clock.Now().Sub(start)),
	)
}

func registerHooks(lc fx.Lifecycle, w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

var Module = fx.Module("autorecharge.worker",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)
