package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight is returned when another request holds the same idempotency key
var ErrInFlight = errors.New("request with this idempotency key is in progress")

const inFlightMarker = "in_flight"

// CachedResponse is a stored reply to an idempotent request
type CachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Idempotency stores responses by Idempotency-Key in Redis
type Idempotency struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	lock   time.Duration
}

// NewIdempotency creates a response store. ttl is how long replies are replayed.
func NewIdempotency(client *redis.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{client: client, prefix: "idempotency:", ttl: ttl, lock: 30 * time.Second}
}

// Key scopes a client key to the caller and route so keys never collide across users
func Key(userID, route, clientKey string) string {
	return userID + ":" + route + ":" + clientKey
}

// Begin claims key. A stored response is returned for replay; a key still held
// by another request yields ErrInFlight.
func (s *Idempotency) Begin(ctx context.Context, key string) (*CachedResponse, error) {
	k := s.prefix + key
	ok, err := s.client.SetNX(ctx, k, inFlightMarker, s.lock).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; treat as fresh
		return s.Begin(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	if string(raw) == inFlightMarker {
		return nil, ErrInFlight
	}

	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete stores the reply for key
func (s *Idempotency) Complete(ctx context.Context, key string, resp CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err()
}

// Abandon releases key so the request can be retried
func (s *Idempotency) Abandon(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
