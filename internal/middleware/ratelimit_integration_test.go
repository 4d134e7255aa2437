//go:build integration

package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rapigate/rapigate/internal/cache"
	"github.com/rapigate/rapigate/internal/testutil"
)

// TestIntegrationRateLimitIP_Concurrency verifies the Redis token bucket
// never admits more than the burst under concurrent load.
func TestIntegrationRateLimitIP_Concurrency(t *testing.T) {
	ctx := context.Background()

	redisURL := testutil.RequireEnv(t, "REDIS_URL")
	cacheClient, err := cache.New(ctx, redisURL)
	if err != nil {
		t.Skipf("Skipping integration test: Redis not available: %v", err)
	}
	defer cacheClient.Close()

	if err := testutil.FlushRedis(ctx, cacheClient.Client()); err != nil {
		t.Fatalf("FlushRedis failed: %v", err)
	}

	burst := 5
	handler := RateLimitIP(RateLimitConfig{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Limiter: cacheClient,
		Enabled: true,
		RPM:     1,
		Burst:   burst,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var allowed, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/general/test", nil)
			req.RemoteAddr = "203.0.113.50:1000"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code == http.StatusOK {
				atomic.AddInt64(&allowed, 1)
			} else {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	if allowed > int64(burst) {
		t.Errorf("allowed = %d, want at most %d", allowed, burst)
	}
	if allowed+rejected != 20 {
		t.Errorf("allowed+rejected = %d, want 20", allowed+rejected)
	}
}
