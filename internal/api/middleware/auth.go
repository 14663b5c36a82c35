package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/poolride/internal/api/dto"
	"github.com/gocomet/poolride/pkg/auth"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/logger"
)

const userIDKey = "user_id"

// Auth verifies the bearer token and stores the caller's user id. Browsers
// cannot set headers on WebSocket upgrades, so a token query parameter is
// accepted as well.
func Auth(verifier auth.Verifier, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		userID, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrMissingToken) {
				log.Debug("Token rejected", logger.String("path", c.FullPath()), logger.Err(err))
			}
			Abort(c, apperrors.Unauthenticated("Missing or invalid credentials", err))
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated caller
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Abort renders err and stops the chain
func Abort(c *gin.Context, err error) {
	status, body := dto.NewErrorResponse(err)
	c.AbortWithStatusJSON(status, body)
}
