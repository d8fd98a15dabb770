package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voltgrid/voltra/internal/autorecharge"
	autorechargedomain "github.com/voltgrid/voltra/internal/autorecharge/domain"
	"github.com/voltgrid/voltra/internal/config"
	"github.com/voltgrid/voltra/internal/meter"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	"github.com/voltgrid/voltra/internal/notification"
	notificationdomain "github.com/voltgrid/voltra/internal/notification/domain"
	obstracing "github.com/voltgrid/voltra/internal/observability/tracing"
	"github.com/voltgrid/voltra/internal/purchase"
	purchasedomain "github.com/voltgrid/voltra/internal/purchase/domain"
	"github.com/voltgrid/voltra/internal/ratelimit"
	"github.com/voltgrid/voltra/internal/recharge"
	rechargedomain "github.com/voltgrid/voltra/internal/recharge/domain"
	"github.com/voltgrid/voltra/internal/tokenpool"
	tokenpooldomain "github.com/voltgrid/voltra/internal/tokenpool/domain"
	"github.com/voltgrid/voltra/internal/user"
	userdomain "github.com/voltgrid/voltra/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	user.Module,
	meter.Module,
	notification.Module,
	tokenpool.Module,
	purchase.Module,
	recharge.Module,
	autorecharge.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationID())
	r.Use(RequestLogger(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	users           userdomain.Repository
	meterSvc        meterdomain.Service
	poolRepo        tokenpooldomain.Repository
	purchaseSvc     purchasedomain.Service
	rechargeSvc     rechargedomain.Service
	autoRechargeSvc autorechargedomain.Service
	notificationSvc notificationdomain.Service
	rechargeLimiter *ratelimit.RechargeLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Users           userdomain.Repository
	MeterSvc        meterdomain.Service
	PoolRepo        tokenpooldomain.Repository
	PurchaseSvc     purchasedomain.Service
	RechargeSvc     rechargedomain.Service
	AutoRechargeSvc autorechargedomain.Service
	NotificationSvc notificationdomain.Service
	RechargeLimiter *ratelimit.RechargeLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http"),
		genID:           p.GenID,
		users:           p.Users,
		meterSvc:        p.MeterSvc,
		poolRepo:        p.PoolRepo,
		purchaseSvc:     p.PurchaseSvc,
		rechargeSvc:     p.RechargeSvc,
		autoRechargeSvc: p.AutoRechargeSvc,
		notificationSvc: p.NotificationSvc,
		rechargeLimiter: p.RechargeLimiter,
	}

	s.registerAPIRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.UserRequired())

	// -------- Meters --------
	api.GET("/meters", s.ListMeters)
	api.POST("/meters", s.CreateMeter)
	api.GET("/meters/:id", s.GetMeterByID)
	api.PATCH("/meters/:id", s.UpdateMeter)
	api.GET("/meters/:id/tokens", s.ListMeterTokens)

	// -------- Purchase --------
	api.POST("/meters/:id/purchase", s.PurchaseElectricity)
	api.GET("/transactions", s.ListTransactions)
	api.GET("/transactions/:transaction_id", s.GetTransactionByID)

	// -------- Manual recharge --------
	api.POST("/meters/:id/recharge", s.RechargeRateLimit(), s.RechargeToken)
	api.POST("/meters/:id/apply-token", s.ApplyToken)
	api.GET("/meters/:id/recharges", s.ListMeterRecharges)
	api.GET("/recharges", s.ListRecharges)
	api.GET("/recharges/inspect", s.InspectRechargeCode)

	// -------- Auto recharge --------
	api.GET("/autorecharge/config", s.GetAutoRechargeConfig)
	api.PUT("/autorecharge/config", s.SaveAutoRechargeConfig)
	api.GET("/autorecharge/events", s.ListAutoRechargeEvents)
	api.POST("/autorecharge/run-now", s.RunAutoRechargeNow)
	api.POST("/autorecharge/meters/:id/trigger", s.TriggerAutoRecharge)

	// -------- Notifications --------
	api.GET("/notifications", s.ListNotifications)
}
