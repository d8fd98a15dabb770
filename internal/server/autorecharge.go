package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	autorechargedomain "github.com/voltgrid/voltra/internal/autorecharge/domain"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	"go.uber.org/zap"
)

type saveAutoRechargeConfigRequest struct {
	Enabled              *bool   `json:"enabled,omitempty"`
	DefaultThreshold     *string `json:"default_threshold,omitempty"`
	DefaultAmount        *string `json:"default_amount,omitempty"`
	DefaultPaymentMethod *string `json:"default_payment_method,omitempty"`
	ApplyToAll           *bool   `json:"apply_to_all,omitempty"`
}

type triggerAutoRechargeRequest struct {
	Amount *string `json:"amount,omitempty"`
}

func (s *Server) GetAutoRechargeConfig(c *gin.Context) {
	cfg, err := s.autoRechargeSvc.GetConfig(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

func (s *Server) SaveAutoRechargeConfig(c *gin.Context) {
	var req saveAutoRechargeConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	threshold, err := parseOptionalDecimal(req.DefaultThreshold)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := parseOptionalDecimal(req.DefaultAmount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	cfg, err := s.autoRechargeSvc.SaveConfig(c.Request.Context(), autorechargedomain.SaveConfigRequest{
		UserID:               currentUserID(c),
		Enabled:              req.Enabled,
		DefaultThreshold:     threshold,
		DefaultAmount:        amount,
		DefaultPaymentMethod: trimStringPtr(req.DefaultPaymentMethod),
		ApplyToAll:           req.ApplyToAll,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

func (s *Server) ListAutoRechargeEvents(c *gin.Context) {
	events, err := s.autoRechargeSvc.ListEvents(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

// RunAutoRechargeNow starts a forced scan of the caller's meters and returns
// without waiting for it.
func (s *Server) RunAutoRechargeNow(c *gin.Context) {
	userID := currentUserID(c)

	go func() {
		summary, err := s.autoRechargeSvc.RunForUser(context.Background(), userID, true)
		if err != nil {
			s.log.Warn("manual auto-recharge run failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
			return
		}
		s.log.Info("manual auto-recharge run finished",
			zap.String("user_id", userID.String()),
			zap.Int("triggered", summary.Triggered),
			zap.Int("executed", summary.Executed),
			zap.Int("failed", summary.Failed),
		)
	}()

	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"status": "started"}})
}

func (s *Server) TriggerAutoRecharge(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	var req triggerAutoRechargeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	amount, err := parseOptionalDecimal(req.Amount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	event, err := s.autoRechargeSvc.TriggerForMeter(c.Request.Context(), currentUserID(c), meterID, amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": event})
}
