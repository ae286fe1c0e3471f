package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/tradegate/internal/metrics"
)

const (
	// IdempotencyTTL is how long a (profile, signal) claim is remembered
	IdempotencyTTL = 24 * time.Hour

	// rateWindowTTL keeps a spent minute window around one extra minute so
	// clock skew between gateway instances cannot reopen it
	rateWindowTTL = 2 * time.Minute
)

// Store keeps the gate's durable admission state in Redis: idempotency
// reservations and per-(profile, producer) rate windows. Keys survive
// gateway restarts; the decision_chains unique constraint is the durable
// backstop behind the reservation cache.
type Store struct {
	client *redis.Client
}

// NewStore creates a gate store on a Redis client
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Reservation is the recorded fate of a previously seen signal
type Reservation struct {
	ChainID string
	Outcome string
}

func idemKey(profileID, signalID string) string {
	return "idem:" + profileID + ":" + signalID
}

func rateKey(profileID, producer string, now time.Time) string {
	return fmt.Sprintf("rate:%s:%s:%d", profileID, producer, now.Unix()/60)
}

// Reserve claims (profile, signal) for the idempotency window. The second
// return is true when the pair was already claimed; the reservation then
// carries the previous submission's chain and outcome.
func (s *Store) Reserve(ctx context.Context, profileID, signalID string) (*Reservation, bool, error) {
	key := idemKey(profileID, signalID)
	metrics.RecordRedisOperation("setnx")
	claimed, err := s.client.SetNX(ctx, key, "|pending", IdempotencyTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve signal %s: %w", signalID, err)
	}
	if claimed {
		return nil, false, nil
	}

	metrics.RecordRedisOperation("get")
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Key expired between SetNX and Get; treat as fresh
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read reservation for %s: %w", signalID, err)
	}

	chainID, outcome, _ := strings.Cut(val, "|")
	if outcome == "" {
		outcome = "pending"
	}
	return &Reservation{ChainID: chainID, Outcome: outcome}, true, nil
}

// Bind records the chain allocated for a reserved signal
func (s *Store) Bind(ctx context.Context, profileID, signalID, chainID string) error {
	metrics.RecordRedisOperation("set")
	return s.client.Set(ctx, idemKey(profileID, signalID), chainID+"|pending", redis.KeepTTL).Err()
}

// RecordOutcome records the sealed outcome so later duplicates can answer
// with the original fate
func (s *Store) RecordOutcome(ctx context.Context, profileID, signalID, chainID, outcome string) error {
	metrics.RecordRedisOperation("set")
	return s.client.Set(ctx, idemKey(profileID, signalID), chainID+"|"+outcome, redis.KeepTTL).Err()
}

// IncrWindow bumps the current minute window for a (profile, producer)
// pair and returns the new admission count
func (s *Store) IncrWindow(ctx context.Context, profileID, producer string, now time.Time) (int64, error) {
	key := rateKey(profileID, producer, now)

	metrics.RecordRedisOperation("incr")
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rateWindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to bump rate window for %s/%s: %w", profileID, producer, err)
	}
	return incr.Val(), nil
}
