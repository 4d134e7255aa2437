//go:build integration

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rapigate/rapigate/internal/model"
	"github.com/rapigate/rapigate/internal/testutil"
)

func newIntegrationCache(t *testing.T) *Cache {
	t.Helper()
	ctx := context.Background()

	redisURL := testutil.RequireEnv(t, "REDIS_URL")
	c, err := New(ctx, redisURL)
	if err != nil {
		t.Skipf("Skipping integration test: Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := testutil.FlushRedis(ctx, c.Client()); err != nil {
		t.Fatalf("FlushRedis failed: %v", err)
	}
	return c
}

func TestIntegrationIdentityCache_RoundTripAndEvict(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()

	digest := "abc123"
	if _, err := c.GetIdentity(ctx, digest); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	want := &model.Identity{UserID: "user-1", Username: "alice", Source: model.IdentityFromAPIKey}
	if err := c.SetIdentity(ctx, digest, want); err != nil {
		t.Fatalf("SetIdentity failed: %v", err)
	}

	got, err := c.GetIdentity(ctx, digest)
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if *got != *want {
		t.Errorf("GetIdentity = %+v, want %+v", got, want)
	}

	if err := c.DeleteIdentity(ctx, digest); err != nil {
		t.Fatalf("DeleteIdentity failed: %v", err)
	}
	if _, err := c.GetIdentity(ctx, digest); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected miss after delete, got %v", err)
	}
}

func TestIntegrationIdentityCache_DeletedDigestCannotBeRecached(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()

	digest := "rotated"
	identity := &model.Identity{UserID: "user-1", Username: "alice", Source: model.IdentityFromAPIKey}

	if err := c.DeleteIdentity(ctx, digest); err != nil {
		t.Fatalf("DeleteIdentity failed: %v", err)
	}
	if err := c.SetIdentity(ctx, digest, identity); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("SetIdentity after delete = %v, want ErrKeyRevoked", err)
	}
	if _, err := c.GetIdentity(ctx, digest); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected miss for revoked digest, got %v", err)
	}

	ttl, err := c.Client().PTTL(ctx, keyCachePrefix+digest+revokedSuffix).Result()
	if err != nil {
		t.Fatalf("PTTL failed: %v", err)
	}
	if ttl <= 0 || ttl > KeyCacheTTL {
		t.Errorf("revocation marker TTL = %s, want within %s", ttl, KeyCacheTTL)
	}
}

func TestIntegrationUnknownKeyCache(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()

	if err := c.SetUnknownKey(ctx, "nope"); err != nil {
		t.Fatalf("SetUnknownKey failed: %v", err)
	}
	unknown, err := c.IsUnknownKey(ctx, "nope")
	if err != nil {
		t.Fatalf("IsUnknownKey failed: %v", err)
	}
	if !unknown {
		t.Error("expected digest to be marked unknown")
	}
}

func TestIntegrationReservations_ConcurrentAcquireRelease(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()
	res := c.NewReservations(time.Minute)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []string
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := res.Acquire(ctx, "user-1")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	n, err := res.InFlight(ctx, "user-1")
	if err != nil {
		t.Fatalf("InFlight failed: %v", err)
	}
	if n != 20 {
		t.Fatalf("InFlight = %d, want 20", n)
	}

	for _, id := range ids {
		if err := res.Release(ctx, "user-1", id); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}
	// Releasing twice is a no-op.
	if err := res.Release(ctx, "user-1", ids[0]); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	n, err = res.InFlight(ctx, "user-1")
	if err != nil {
		t.Fatalf("InFlight failed: %v", err)
	}
	if n != 0 {
		t.Errorf("InFlight = %d after release, want 0", n)
	}
}

func TestIntegrationReservations_LeakExpiresDespiteNewAcquires(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()
	res := c.NewReservations(time.Minute)

	clock := time.Now()
	res.now = func() time.Time { return clock }

	// Leaked: never released.
	if _, err := res.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Steady traffic keeps the key alive but must not keep the leak alive.
	for i := 0; i < 4; i++ {
		clock = clock.Add(20 * time.Second)
		id, err := res.Acquire(ctx, "user-1")
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if err := res.Release(ctx, "user-1", id); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}

	n, err := res.InFlight(ctx, "user-1")
	if err != nil {
		t.Fatalf("InFlight failed: %v", err)
	}
	if n != 0 {
		t.Errorf("InFlight = %d, want leaked reservation expired after its own TTL", n)
	}
}

func TestIntegrationReservations_LiveUntilTTL(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()
	res := c.NewReservations(10 * time.Minute)

	clock := time.Now()
	res.now = func() time.Time { return clock }

	if _, err := res.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// A slow command past the old two-minute bound still holds its slot.
	clock = clock.Add(3 * time.Minute)
	n, err := res.InFlight(ctx, "user-1")
	if err != nil {
		t.Fatalf("InFlight failed: %v", err)
	}
	if n != 1 {
		t.Errorf("InFlight = %d at 3m, want 1", n)
	}

	clock = clock.Add(8 * time.Minute)
	n, err = res.InFlight(ctx, "user-1")
	if err != nil {
		t.Fatalf("InFlight failed: %v", err)
	}
	if n != 0 {
		t.Errorf("InFlight = %d past TTL, want 0", n)
	}
}

func TestIntegrationIPRateLimit_Burst(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		result, err := c.CheckIPRateLimit(ctx, "203.0.113.7", 6, 3)
		if err != nil {
			t.Fatalf("CheckIPRateLimit failed: %v", err)
		}
		if result.Allowed {
			allowed++
		}
	}

	if allowed > 4 {
		t.Errorf("allowed = %d, want at most burst plus one refill", allowed)
	}
}
