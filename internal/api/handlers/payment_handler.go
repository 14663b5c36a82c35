package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/poolride/internal/api/dto"
	"github.com/gocomet/poolride/internal/api/middleware"
	"github.com/gocomet/poolride/internal/service/payment"
)

// AuthorizePayment handles POST /v1/rides/:id/payment/authorize
func (h *Handlers) AuthorizePayment(c *gin.Context) {
	var req dto.AuthorizePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}

	res, err := h.Payments.Authorize(c.Request.Context(), payment.AuthorizeInput{
		RideID:          c.Param("id"),
		ActorID:         middleware.UserID(c),
		MaxTipCents:     payment.SanitizeCents(req.MaxTipCents),
		InitialTipCents: payment.SanitizeCents(req.InitialTipCents),
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UpdateTip handles POST /v1/rides/:id/payment/tip
func (h *Handlers) UpdateTip(c *gin.Context) {
	var req dto.UpdateTipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	hold, err := h.Payments.UpdateTip(c.Request.Context(), c.Param("id"), middleware.UserID(c), payment.SanitizeCents(req.TipCents))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

// CapturePayment handles POST /v1/rides/:id/payment/capture
func (h *Handlers) CapturePayment(c *gin.Context) {
	var req dto.CapturePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(c, err)
		return
	}

	var tip *int64
	if req.FinalTipCents != nil {
		v := payment.SanitizeCents(*req.FinalTipCents)
		tip = &v
	}

	hold, err := h.Payments.Capture(c.Request.Context(), c.Param("id"), middleware.UserID(c), tip)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}

// SyncHold handles POST /v1/payments/holds/:id/sync, refreshing a hold from
// the gateway after the client confirmed it.
func (h *Handlers) SyncHold(c *gin.Context) {
	hold, err := h.Payments.Sync(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, hold)
}
