package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
)

type createMeterRequest struct {
	MeterNumber string `json:"meter_number"`
	Nickname    string `json:"nickname"`
	Address     string `json:"address"`
	IsPrimary   bool   `json:"is_primary"`
}

type updateMeterRequest struct {
	Nickname              *string `json:"nickname,omitempty"`
	Address               *string `json:"address,omitempty"`
	IsPrimary             *bool   `json:"is_primary,omitempty"`
	AutoRechargeThreshold *string `json:"auto_recharge_threshold,omitempty"`
	AutoRechargeAmount    *string `json:"auto_recharge_amount,omitempty"`
}

func (s *Server) CreateMeter(c *gin.Context) {
	var req createMeterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.meterSvc.Create(c.Request.Context(), meterdomain.CreateRequest{
		UserID:      currentUserID(c),
		MeterNumber: strings.TrimSpace(req.MeterNumber),
		Nickname:    strings.TrimSpace(req.Nickname),
		Address:     strings.TrimSpace(req.Address),
		IsPrimary:   req.IsPrimary,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListMeters(c *gin.Context) {
	resp, err := s.meterSvc.List(c.Request.Context(), currentUserID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetMeterByID(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	resp, err := s.meterSvc.GetOwned(c.Request.Context(), currentUserID(c), meterID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateMeter(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	var req updateMeterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	threshold, err := parseOptionalDecimal(req.AutoRechargeThreshold)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := parseOptionalDecimal(req.AutoRechargeAmount)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.meterSvc.Update(c.Request.Context(), meterdomain.UpdateRequest{
		UserID:                currentUserID(c),
		MeterID:               meterID,
		Nickname:              trimStringPtr(req.Nickname),
		Address:               trimStringPtr(req.Address),
		IsPrimary:             req.IsPrimary,
		AutoRechargeThreshold: threshold,
		AutoRechargeAmount:    amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ListMeterTokens returns the tokens already applied to one of the caller's
// meters, newest first.
func (s *Server) ListMeterTokens(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	if _, err := s.meterSvc.GetOwned(c.Request.Context(), currentUserID(c), meterID); err != nil {
		AbortWithError(c, err)
		return
	}

	tokens, err := s.poolRepo.ListTokensByMeter(c.Request.Context(), s.db, meterID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": tokens})
}

func trimStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func parseOptionalDecimal(value *string) (*decimal.Decimal, error) {
	if value == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
