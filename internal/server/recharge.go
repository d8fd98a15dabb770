package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	rechargedomain "github.com/voltgrid/voltra/internal/recharge/domain"
)

type rechargeRequest struct {
	Token string `json:"token"`
}

type applyTokenRequest struct {
	Token string  `json:"token"`
	Units *string `json:"units,omitempty"`
	Force bool    `json:"force"`
}

// RechargeToken submits a token code against the caller's meter. The returned
// record may still be pending with verification running in the background.
func (s *Server) RechargeToken(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	var req rechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	record, err := s.rechargeSvc.Submit(c.Request.Context(), currentUserID(c), meterID, req.Token)
	if err != nil {
		if record == nil {
			AbortWithError(c, err)
			return
		}
		// Rejected submissions still record a failed row; the caller gets
		// the error status with the record as the body.
		status, payload := mapError(err)
		c.JSON(status, gin.H{"data": record, "error": payload})
		return
	}

	// Terminal failures still carry a record worth returning: the caller
	// reads the status and message rather than an opaque HTTP error.
	status := http.StatusOK
	if record.Status == rechargedomain.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": record})
}

func (s *Server) ApplyToken(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	var req applyTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	units, err := parseOptionalDecimal(req.Units)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	record, err := s.rechargeSvc.ApplyToken(c.Request.Context(), rechargedomain.ApplyRequest{
		UserID:  currentUserID(c),
		MeterID: meterID,
		Code:    req.Token,
		Units:   units,
		Force:   req.Force,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) ListRecharges(c *gin.Context) {
	items, err := s.rechargeSvc.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ListMeterRecharges(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	items, err := s.rechargeSvc.ListForMeter(c.Request.Context(), currentUserID(c), meterID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

// InspectRechargeCode is the support view of everything recorded for a token
// code. Staff can inspect any code; a regular user only their own recharge.
func (s *Server) InspectRechargeCode(c *gin.Context) {
	code := strings.TrimSpace(c.Query("token"))
	if code == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.rechargeSvc.Inspect(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !currentIsStaff(c) {
		if result.ManualRecharge == nil || result.ManualRecharge.UserID != currentUserID(c) {
			AbortWithError(c, ErrForbidden)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
