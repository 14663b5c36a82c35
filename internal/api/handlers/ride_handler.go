package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/poolride/internal/api/dto"
	"github.com/gocomet/poolride/internal/api/middleware"
	"github.com/gocomet/poolride/internal/service/rides"
)

// CreateRide handles POST /v1/rides
func (h *Handlers) CreateRide(c *gin.Context) {
	in, ok := h.bindCreate(c)
	if !ok {
		return
	}

	rd, err := h.Rides.Create(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rd)
}

// QuoteRide handles POST /v1/quotes
func (h *Handlers) QuoteRide(c *gin.Context) {
	in, ok := h.bindCreate(c)
	if !ok {
		return
	}

	quote, err := h.Rides.Quote(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// GetRide handles GET /v1/rides/:id
func (h *Handlers) GetRide(c *gin.Context) {
	rd, err := h.Rides.Get(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rd)
}

// JoinRide handles POST /v1/rides/:id/join. The caller's new ride boards the
// host ride's group.
func (h *Handlers) JoinRide(c *gin.Context) {
	in, ok := h.bindCreate(c)
	if !ok {
		return
	}

	rd, err := h.Rides.Join(c.Request.Context(), rides.JoinInput{HostRideID: c.Param("id"), CreateInput: in})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, rd)
}

// CancelRide handles POST /v1/rides/:id/cancel
func (h *Handlers) CancelRide(c *gin.Context) {
	rd, err := h.Rides.Cancel(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rd)
}

// RateRide handles POST /v1/rides/:id/rating
func (h *Handlers) RateRide(c *gin.Context) {
	var req dto.RateRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	rd, err := h.Rides.Rate(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.Stars)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rd)
}

func (h *Handlers) bindCreate(c *gin.Context) (rides.CreateInput, bool) {
	var req dto.CreateRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return rides.CreateInput{}, false
	}
	pickup, dropoff, err := req.Points()
	if err != nil {
		h.fail(c, err)
		return rides.CreateInput{}, false
	}
	return rides.CreateInput{
		RiderID:          middleware.UserID(c),
		Pickup:           pickup,
		Dropoff:          dropoff,
		DurationMinutes:  req.DurationMinutes,
		ClientTotalCents: req.ClientTotalCents,
		Shared:           req.Shared,
		HomeCity:         req.HomeCity,
	}, true
}
