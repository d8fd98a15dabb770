package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	meterdomain "github.com/voltgrid/voltra/internal/meter/domain"
	purchasedomain "github.com/voltgrid/voltra/internal/purchase/domain"
)

type purchaseRequest struct {
	Amount        string `json:"amount"`
	PaymentMethod string `json:"payment_method"`
}

// PurchaseElectricity records a pending transaction and returns immediately;
// token allocation happens asynchronously.
func (s *Server) PurchaseElectricity(c *gin.Context) {
	meterID, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, meterdomain.ErrMeterNotFound)
		return
	}

	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	txn, err := s.purchaseSvc.Initiate(c.Request.Context(), purchasedomain.InitiateRequest{
		UserID:        currentUserID(c),
		MeterID:       meterID,
		Amount:        strings.TrimSpace(req.Amount),
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": txn})
}

func (s *Server) GetTransactionByID(c *gin.Context) {
	transactionID := strings.TrimSpace(c.Param("transaction_id"))
	if transactionID == "" {
		AbortWithError(c, purchasedomain.ErrTransactionNotFound)
		return
	}

	txn, err := s.purchaseSvc.Get(c.Request.Context(), currentUserID(c), transactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}

func (s *Server) ListTransactions(c *gin.Context) {
	var query struct {
		Status   string `form:"status"`
		Type     string `form:"transaction_type"`
		MeterID  string `form:"meter_id"`
		DateFrom string `form:"date_from"`
		DateTo   string `form:"date_to"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	meterID, err := parseOptionalSnowflakeID(query.MeterID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	from, err := parseOptionalTime(query.DateFrom, false)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	to, err := parseOptionalTime(query.DateTo, true)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	items, err := s.purchaseSvc.List(c.Request.Context(), currentUserID(c), purchasedomain.ListFilter{
		Status:  strings.TrimSpace(query.Status),
		Type:    strings.TrimSpace(query.Type),
		MeterID: meterID,
		From:    from,
		To:      to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
