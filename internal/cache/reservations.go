package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// inflightPrefix is the Redis key prefix for per-user reservation sets.
	inflightPrefix = "admission:inflight:"
	// DefaultInflightTTL bounds how long a reservation survives a crashed
	// instance when no TTL is configured.
	DefaultInflightTTL = 5 * time.Minute
)

// acquireScript drops expired members, then adds one scored by its own
// expiry. The key outlives its newest member only.
var acquireScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
	return redis.call('ZCARD', KEYS[1])
`)

// countScript drops expired members and returns the live count.
var countScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	return redis.call('ZCARD', KEYS[1])
`)

// Reservations tracks in-flight admitted requests in Redis so the count is
// shared across gateway instances. Each reservation is a sorted-set member
// that expires on its own, so new acquires never extend a leaked one.
type Reservations struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewReservations returns a reservation tracker on the cache's client.
// ttl must exceed the longest a command may run; zero selects
// DefaultInflightTTL.
func (c *Cache) NewReservations(ttl time.Duration) *Reservations {
	if ttl <= 0 {
		ttl = DefaultInflightTTL
	}
	return &Reservations{client: c.client, ttl: ttl, now: time.Now}
}

// TTL returns how long a reservation lives without a release.
func (r *Reservations) TTL() time.Duration {
	return r.ttl
}

// InFlight returns the number of live reservations for a user.
func (r *Reservations) InFlight(ctx context.Context, userID string) (int, error) {
	n, err := countScript.Run(ctx, r.client, []string{inflightKey(userID)}, unixMillis(r.now())).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to read in-flight count: %w", err)
	}
	return n, nil
}

// Acquire opens a reservation and returns its id.
func (r *Reservations) Acquire(ctx context.Context, userID string) (string, error) {
	now := r.now()
	id := ulid.Make().String()
	expiresAt := now.Add(r.ttl)

	err := acquireScript.Run(ctx, r.client, []string{inflightKey(userID)},
		unixMillis(now),
		unixMillis(expiresAt),
		id,
		r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return "", fmt.Errorf("failed to acquire reservation: %w", err)
	}
	return id, nil
}

// Release closes one reservation. Unknown or expired ids are a no-op.
func (r *Reservations) Release(ctx context.Context, userID, id string) error {
	if err := r.client.ZRem(ctx, inflightKey(userID), id).Err(); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

func inflightKey(userID string) string {
	return inflightPrefix + userID
}

func unixMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
