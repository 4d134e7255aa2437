package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rapigate/rapigate/internal/admission"
	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/command"
	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/model"
)

const testKey = "rg-0123456789abcdef0123456789abcdef"

type fakeValidator struct {
	calls int
	mu    sync.Mutex
}

func (f *fakeValidator) Validate(ctx context.Context, rawKey string) (*model.Identity, bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if rawKey == "boom" {
		return nil, false, errors.New("db down")
	}
	if rawKey != testKey {
		return nil, false, nil
	}
	return &model.Identity{UserID: "user-1", Username: "alice", Source: model.IdentityFromAPIKey}, true, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	records []model.CallRecord
}

func (c *captureRecorder) Record(rec model.CallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) last(t *testing.T) model.CallRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		t.Fatal("no call recorded")
	}
	return c.records[len(c.records)-1]
}

type countingAdmitter struct {
	inner *admission.Controller
	calls int
}

func (c *countingAdmitter) Admit(ctx context.Context, userID string) (*admission.Admission, error) {
	c.calls++
	return c.inner.Admit(ctx, userID)
}

type funcCommand struct {
	def command.Definition
	fn  func(ctx context.Context, params command.Params) (any, error)
}

func (f funcCommand) Describe() command.Definition { return f.def }

func (f funcCommand) Invoke(ctx context.Context, params command.Params) (any, error) {
	return f.fn(ctx, params)
}

type rawCommand struct{ funcCommand }

func (rawCommand) InvokeHTTP(ctx context.Context, params command.Params, w http.ResponseWriter) (any, error) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "raw:"+params.String("message"))
	return map[string]string{"ignored": "yes"}, nil
}

type testEnv struct {
	server       *httptest.Server
	store        *admission.MemoryStore
	reservations *admission.MemoryReservations
	admitter     *countingAdmitter
	validator    *fakeValidator
	calls        *captureRecorder
	metrics      *metrics.InMemoryRecorder
}

func newTestEnv(t *testing.T, state model.QuotaState) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	echo := funcCommand{
		def: command.Definition{Name: "Echo", Route: "/echo", Category: "General", Params: map[string]command.Param{"message=": {}}, RequiresKey: command.Bool(false)},
		fn: func(ctx context.Context, params command.Params) (any, error) {
			return map[string]any{
				"message": params.String("message"),
				"user":    auth.UserIDFromContext(ctx),
			}, nil
		},
	}
	gated := funcCommand{
		def: command.Definition{Name: "Gated", Route: "/gated", Category: "Test", RequiresKey: command.Bool(true)},
		fn: func(ctx context.Context, params command.Params) (any, error) {
			return "ok", nil
		},
	}
	failing := funcCommand{
		def: command.Definition{Name: "Failing", Route: "/fail", Category: "Test", RequiresKey: command.Bool(true)},
		fn: func(ctx context.Context, params command.Params) (any, error) {
			return nil, errors.New("upstream unavailable")
		},
	}
	panicking := funcCommand{
		def: command.Definition{Name: "Panicking", Route: "/panic", Category: "Test", RequiresKey: command.Bool(true)},
		fn: func(ctx context.Context, params command.Params) (any, error) {
			panic("boom")
		},
	}
	defaulted := funcCommand{
		def: command.Definition{Name: "Defaulted", Route: "/defaulted", Category: "Test"},
		fn: func(ctx context.Context, params command.Params) (any, error) {
			return "served", nil
		},
	}
	raw := rawCommand{funcCommand{
		def: command.Definition{Name: "Raw", Route: "/raw", Category: "General", Params: map[string]command.Param{"message": {}}, RequiresKey: command.Bool(false)},
	}}

	registry, err := command.NewRegistry(echo, gated, failing, panicking, defaulted, raw)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	store := admission.NewMemoryStore()
	store.Put("user-1", state)
	m := metrics.NewInMemory()
	reservations := admission.NewMemoryReservations()
	ctrl := admission.NewController(store, reservations, admission.DefaultPolicy(), logger, m)

	env := &testEnv{
		store:        store,
		reservations: reservations,
		admitter:     &countingAdmitter{inner: ctrl},
		validator:    &fakeValidator{},
		calls:        &captureRecorder{},
		metrics:      m,
	}

	d := New(registry, env.validator, env.admitter, env.calls, logger, m)
	d.SetCreator("test-suite")

	r := chi.NewRouter()
	d.Mount(r)
	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	return env
}

func freshState() model.QuotaState {
	return model.FreshQuota(time.Now().Add(-time.Hour))
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, Envelope) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if resp.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp, env
}

func TestDispatch_KeyFreeNeverConsultsAdmission(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, freshState())

	resp, body := env.get(t, "/general/echo?message=hi&extra=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !body.Status || body.Creator != "test-suite" {
		t.Fatalf("unexpected envelope %+v", body)
	}
	result := body.Result.(map[string]any)
	if result["message"] != "hi" {
		t.Errorf("message = %v, want hi", result["message"])
	}

	if env.admitter.calls != 0 {
		t.Errorf("admission consulted %d times", env.admitter.calls)
	}
	rec := env.calls.last(t)
	if rec.UserID != nil || rec.StatusCode != 200 || !rec.Dispatched {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Route != "/general/echo" || rec.Endpoint != "Echo" {
		t.Errorf("record route = %q endpoint = %q", rec.Route, rec.Endpoint)
	}
}

func TestDispatch_KeyFreeAttributesValidKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, freshState())

	_, body := env.get(t, "/general/echo?apikey="+testKey)
	if got := body.Result.(map[string]any)["user"]; got != "user-1" {
		t.Errorf("user = %v, want user-1", got)
	}
	rec := env.calls.last(t)
	if rec.UserID == nil || *rec.UserID != "user-1" {
		t.Errorf("record should be attributed, got %+v", rec.UserID)
	}

	// An invalid key on a key-free route is ignored, not rejected.
	resp, _ := env.get(t, "/general/echo?apikey=nope")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if env.admitter.calls != 0 {
		t.Errorf("admission consulted %d times", env.admitter.calls)
	}
}

func TestDispatch_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantError  string
	}{
		{"missing key", "/test/gated", http.StatusUnauthorized, "API key is required. Pass it as ?apikey=your-key"},
		{"invalid key", "/test/gated?apikey=wrong", http.StatusForbidden, "Invalid API key"},
		{"validator error", "/test/gated?apikey=boom", http.StatusInternalServerError, "Internal server error"},
		{"unflagged command without key", "/test/defaulted", http.StatusUnauthorized, "API key is required. Pass it as ?apikey=your-key"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, freshState())

			resp, body := env.get(t, tt.path)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if body.Status || body.Error != tt.wantError {
				t.Errorf("envelope = %+v", body)
			}
			if env.admitter.calls != 0 {
				t.Errorf("admission consulted %d times", env.admitter.calls)
			}

			rec := env.calls.last(t)
			if rec.UserID != nil || rec.Dispatched || rec.StatusCode != tt.wantStatus {
				t.Errorf("unexpected record %+v", rec)
			}
			state, _ := env.store.Get("user-1")
			if state.DailyCalls != 0 {
				t.Errorf("DailyCalls = %d, want 0", state.DailyCalls)
			}
		})
	}
}

func TestDispatch_SuccessIncrementsDailyCounter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, freshState())

	resp, body := env.get(t, "/test/gated?apikey="+testKey)
	if resp.StatusCode != http.StatusOK || body.Result != "ok" {
		t.Fatalf("status = %d body = %+v", resp.StatusCode, body)
	}

	state, _ := env.store.Get("user-1")
	if state.DailyCalls != 1 {
		t.Errorf("DailyCalls = %d, want 1", state.DailyCalls)
	}
	rec := env.calls.last(t)
	if rec.UserID == nil || *rec.UserID != "user-1" || !rec.CountsTowardUsage() {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestDispatch_LastCallThenRateLimited(t *testing.T) {
	t.Parallel()
	state := freshState()
	state.DailyCalls = 199
	env := newTestEnv(t, state)

	resp, _ := env.get(t, "/test/gated?apikey="+testKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call 200: status = %d", resp.StatusCode)
	}

	before := time.Now()
	resp, body := env.get(t, "/test/gated?apikey="+testKey)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("call 201: status = %d, want 429", resp.StatusCode)
	}
	if body.RateLimit == nil {
		t.Fatal("429 must carry rate_limit")
	}
	if body.RateLimit.Limit != admission.DefaultDailyLimit || body.RateLimit.Remaining != 0 {
		t.Errorf("rate_limit = %+v", body.RateLimit)
	}
	if body.RateLimit.RetryAfter.Hours != 12 || body.RateLimit.RetryAfter.Minutes != 0 {
		t.Errorf("retry_after = %+v, want 12h 0m", body.RateLimit.RetryAfter)
	}
	wantReset := before.Add(admission.DefaultCooldown)
	if diff := body.RateLimit.ResetAt.Sub(wantReset); diff < -time.Minute || diff > time.Minute {
		t.Errorf("reset_at = %v, want about %v", body.RateLimit.ResetAt, wantReset)
	}

	stored, _ := env.store.Get("user-1")
	if stored.DailyCalls != 200 || stored.RateLimitedUntil == nil {
		t.Errorf("stored = %+v", stored)
	}

	rec := env.calls.last(t)
	if rec.StatusCode != 429 || rec.UserID == nil || rec.Dispatched {
		t.Errorf("unexpected 429 record %+v", rec)
	}
}

func TestDispatch_HeldQuotaAsksForShortRetry(t *testing.T) {
	t.Parallel()
	state := freshState()
	state.DailyCalls = 199
	env := newTestEnv(t, state)

	// The last call of the window is still running.
	if _, err := env.reservations.Acquire(context.Background(), "user-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	before := time.Now()
	resp, body := env.get(t, "/test/gated?apikey="+testKey)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if body.RateLimit == nil {
		t.Fatal("429 must carry rate_limit")
	}
	if body.RateLimit.RetryAfter != (admission.RetryAfter{}) {
		t.Errorf("retry_after = %+v, want 0h 0m", body.RateLimit.RetryAfter)
	}
	if wait := body.RateLimit.ResetAt.Sub(before); wait < 0 || wait > 5*time.Second {
		t.Errorf("reset_at = %v, want within seconds of %v", body.RateLimit.ResetAt, before)
	}

	stored, _ := env.store.Get("user-1")
	if stored.RateLimitedUntil != nil {
		t.Errorf("held quota must not arm a cooldown, got %v", stored.RateLimitedUntil)
	}
}

func TestDispatch_CommandTimeout(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	slow := funcCommand{
		def: command.Definition{Name: "Slow", Route: "/slow", Category: "Test", RequiresKey: command.Bool(false)},
		fn: func(ctx context.Context, params command.Params) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	registry, err := command.NewRegistry(slow)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	calls := &captureRecorder{}
	d := New(registry, &fakeValidator{}, nil, calls, logger, nil)
	d.SetCommandTimeout(50 * time.Millisecond)

	r := chi.NewRouter()
	d.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	start := time.Now()
	resp, err := http.Get(srv.URL + "/test/slow")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("command ran %s past its deadline", elapsed)
	}
}

func TestDispatch_HandlerErrorIsNotCounted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, freshState())

	resp, body := env.get(t, "/test/fail?apikey="+testKey)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if body.Status || body.Error != "upstream unavailable" {
		t.Errorf("envelope = %+v", body)
	}

	state, _ := env.store.Get("user-1")
	if state.DailyCalls != 0 {
		t.Errorf("DailyCalls = %d, want 0", state.DailyCalls)
	}
	rec := env.calls.last(t)
	if rec.StatusCode != 500 || !rec.Dispatched {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestDispatch_PanicBecomesHandlerError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, freshState())

	resp, body := env.get(t, "/test/panic?apikey="+testKey)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if body.Error != "Internal server error" {
		t.Errorf("error = %q", body.Error)
	}
	if rec := env.calls.last(t); rec.StatusCode != 500 {
		t.Errorf("record status = %d, want 500", rec.StatusCode)
	}

	// The reservation was released, so the next call is admitted.
	resp, _ = env.get(t, "/test/gated?apikey="+testKey)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("follow-up status = %d, want 200", resp.StatusCode)
	}
}

func TestDispatch_RawWriterRespondsOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, freshState())

	resp, err := http.Get(env.server.URL + "/general/raw?message=plain")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if string(data) != "raw:plain" {
		t.Errorf("body = %q, want raw:plain", data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec := env.calls.last(t); rec.StatusCode != 200 || !rec.Dispatched {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestDispatch_ObservesMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, freshState())

	env.get(t, "/general/echo")
	env.get(t, "/test/gated")

	if got := env.metrics.Snapshot().DispatchCount; got != 2 {
		t.Errorf("DispatchCount = %d, want 2", got)
	}
}

func TestAPIKeyFrom(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/x?apikey=+query+", nil)
	r.Header.Set(APIKeyHeader, "header")
	if got := apiKeyFrom(r); got != "query" {
		t.Errorf("apiKeyFrom = %q, want query", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set(APIKeyHeader, "header")
	if got := apiKeyFrom(r); got != "header" {
		t.Errorf("apiKeyFrom = %q, want header", got)
	}
}
