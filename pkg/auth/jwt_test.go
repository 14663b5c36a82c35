package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_IssueAndVerify(t *testing.T) {
	j := NewJWT(JWTConfig{Secret: "s3cret", Issuer: "poolride", TTL: time.Hour})

	token, err := j.Issue("alice")
	require.NoError(t, err)

	userID, err := j.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestJWT_Rejects(t *testing.T) {
	issued := time.Date(2024, 9, 3, 8, 0, 0, 0, time.UTC)
	j := NewJWT(JWTConfig{Secret: "s3cret", Issuer: "poolride", TTL: time.Hour})
	j.now = func() time.Time { return issued }
	token, err := j.Issue("alice")
	require.NoError(t, err)

	other := NewJWT(JWTConfig{Secret: "other", Issuer: "poolride", TTL: time.Hour})
	other.now = j.now
	foreign, err := other.Issue("alice")
	require.NoError(t, err)

	wrongIssuer := NewJWT(JWTConfig{Secret: "s3cret", Issuer: "someone-else", TTL: time.Hour})
	wrongIssuer.now = j.now
	misissued, err := wrongIssuer.Issue("alice")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		at    time.Time
		want  error
	}{
		{"empty", "", issued, ErrMissingToken},
		{"garbage", "not-a-token", issued, ErrInvalidToken},
		{"wrong secret", foreign, issued, ErrInvalidToken},
		{"wrong issuer", misissued, issued, ErrInvalidToken},
		{"unsigned", none, issued, ErrInvalidToken},
		{"expired", token, issued.Add(2 * time.Hour), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			j.now = func() time.Time { return at }
			_, err := j.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
