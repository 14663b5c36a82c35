package auth

import (
	"context"
	"errors"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier turns a bearer token into the id of the user it was issued to
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}
