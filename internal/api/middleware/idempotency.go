package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/poolride/pkg/cache"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/logger"
)

const idempotencyHeader = "Idempotency-Key"

// IdempotencyStore is satisfied by cache.Idempotency
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (*cache.CachedResponse, error)
	Complete(ctx context.Context, key string, resp cache.CachedResponse) error
	Abandon(ctx context.Context, key string) error
}

var _ IdempotencyStore = (*cache.Idempotency)(nil)

type capturingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response of a POST carrying an
// Idempotency-Key the same caller already used on the same route. Server
// errors are not stored so the request can be retried. When the store is
// unreachable requests proceed without protection.
func Idempotency(store IdempotencyStore, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetHeader(idempotencyHeader)
		if c.Request.Method != http.MethodPost || clientKey == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := cache.Key(UserID(c), c.FullPath(), clientKey)

		cached, err := store.Begin(ctx, key)
		switch {
		case errors.Is(err, cache.ErrInFlight):
			Abort(c, apperrors.FailedPrecondition("A request with this Idempotency-Key is still in progress", nil))
			return
		case err != nil:
			log.Warn("Idempotency store unavailable", logger.Err(err))
			c.Next()
			return
		case cached != nil:
			c.Header("Idempotent-Replayed", "true")
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w
		c.Next()

		// a fresh context: the request's may already be canceled
		bg := context.WithoutCancel(ctx)
		if w.Status() >= http.StatusInternalServerError {
			if err := store.Abandon(bg, key); err != nil {
				log.Warn("Failed to release idempotency key", logger.Err(err))
			}
			return
		}
		resp := cache.CachedResponse{
			Status:      w.Status(),
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		}
		if err := store.Complete(bg, key, resp); err != nil {
			log.Warn("Failed to store idempotent response", logger.Err(err))
		}
	}
}
