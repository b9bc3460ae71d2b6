// Package idempotency remembers webhook deliveries so at-least-once
// redeliveries are acknowledged without being processed twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is what the store knows about a delivery.
type State string

const (
	// Started means the caller now owns the delivery and must Complete or
	// Forget it.
	Started State = "started"
	// InProgress means another request holds the delivery.
	InProgress State = "processing"
	// Done means the delivery was processed before.
	Done State = "done"
)

// DefaultProcessingTTL bounds how long a crashed handler can hold a delivery.
const DefaultProcessingTTL = 2 * time.Minute

type Store struct {
	rdb           *redis.Client
	ttl           time.Duration
	processingTTL time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, processingTTL: DefaultProcessingTTL}
}

// Key namespaces a delivery id by its source.
func (s *Store) Key(source, deliveryID string) string {
	return fmt.Sprintf("idem:%s:%s", source, deliveryID)
}

// Begin claims key for processing. It returns Started when the claim
// succeeded, otherwise the state another request left behind.
func (s *Store) Begin(ctx context.Context, key string) (State, error) {
	for i := 0; i < 2; i++ {
		ok, err := s.rdb.SetNX(ctx, key, string(InProgress), s.processingTTL).Result()
		if err != nil {
			return "", fmt.Errorf("claim delivery %s: %w", key, err)
		}
		if ok {
			return Started, nil
		}

		val, err := s.rdb.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// Expired between the two calls.
			continue
		case err != nil:
			return "", fmt.Errorf("read delivery %s: %w", key, err)
		case val == string(Done):
			return Done, nil
		default:
			return InProgress, nil
		}
	}
	return InProgress, nil
}

// Complete marks key as processed for the full retention period.
func (s *Store) Complete(ctx context.Context, key string) error {
	if err := s.rdb.Set(ctx, key, string(Done), s.ttl).Err(); err != nil {
		return fmt.Errorf("complete delivery %s: %w", key, err)
	}
	return nil
}

// Forget removes key so a delivery whose processing failed can be retried.
func (s *Store) Forget(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("forget delivery %s: %w", key, err)
	}
	return nil
}
