package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	"github.com/gocomet/poolride/internal/api/dto"
	"github.com/gocomet/poolride/internal/api/middleware"
	"github.com/gocomet/poolride/internal/service/payment"
	"github.com/gocomet/poolride/internal/service/rides"
	"github.com/gocomet/poolride/pkg/logger"
	"github.com/gocomet/poolride/pkg/websocket"
)

// Handlers holds all handler dependencies
type Handlers struct {
	Rides    *rides.Service
	Payments *payment.Service
	Hub      *websocket.Hub
	Logger   *logger.Logger

	upgrader gorilla.Upgrader
}

// NewHandlers creates a new Handlers instance
func NewHandlers(rideService *rides.Service, payments *payment.Service, hub *websocket.Hub, log *logger.Logger, readBuffer, writeBuffer int) *Handlers {
	return &Handlers{
		Rides:    rideService,
		Payments: payments,
		Hub:      hub,
		Logger:   log,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  readBuffer,
			WriteBufferSize: writeBuffer,
			// callers authenticate with a token, not cookies
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"service":      "poolride",
		"ws_connected": h.Hub.ActiveConnections(),
	})
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, body := dto.NewErrorResponse(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed",
			logger.String("path", c.FullPath()),
			logger.UserID(middleware.UserID(c)),
			logger.Err(err),
		)
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Code:    "INVALID_ARGUMENT",
		Message: "Invalid request payload",
		Details: map[string]any{"error": err.Error()},
	})
}
