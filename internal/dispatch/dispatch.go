// Package dispatch serves registered commands: it authenticates the caller,
// runs admission, invokes the command, writes the JSON envelope and hands
// the call to the recorder.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rapigate/rapigate/internal/admission"
	"github.com/rapigate/rapigate/internal/auth"
	"github.com/rapigate/rapigate/internal/command"
	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/middleware"
	"github.com/rapigate/rapigate/internal/model"
)

const (
	// APIKeyParam is the query parameter carrying the API key.
	APIKeyParam = "apikey"
	// APIKeyHeader is accepted when the query parameter is absent.
	APIKeyHeader = "X-API-Key"

	// DefaultCreator tags success envelopes.
	DefaultCreator = "rapigate"

	completeTimeout = 5 * time.Second
)

// KeyValidator resolves API keys. An unknown key is ok=false with a nil error.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*model.Identity, bool, error)
}

// Admitter runs quota admission for a user.
type Admitter interface {
	Admit(ctx context.Context, userID string) (*admission.Admission, error)
}

// CallRecorder receives one record per call. It must not block.
type CallRecorder interface {
	Record(rec model.CallRecord)
}

// SessionResolver reads a session identity from a request.
type SessionResolver interface {
	FromRequest(r *http.Request) (*model.Identity, error)
}

// Envelope is the JSON body of every command response.
type Envelope struct {
	Status    bool       `json:"status"`
	Creator   string     `json:"creator,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	RateLimit *RateLimit `json:"rate_limit,omitempty"`
}

// Dispatcher serves every command in a registry.
type Dispatcher struct {
	registry  *command.Registry
	validator KeyValidator
	admitter  Admitter
	calls     CallRecorder
	sessions  SessionResolver
	creator   string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
}

// New creates a Dispatcher.
func New(registry *command.Registry, validator KeyValidator, admitter Admitter, calls CallRecorder, logger *slog.Logger, recorder metrics.Recorder) *Dispatcher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		validator: validator,
		admitter:  admitter,
		calls:     calls,
		creator:   DefaultCreator,
		logger:    logger.With("component", "dispatch"),
		metrics:   recorder,
		now:       time.Now,
	}
}

// SetCreator overrides the creator tag in success envelopes.
func (d *Dispatcher) SetCreator(creator string) {
	if creator != "" {
		d.creator = creator
	}
}

// SetCommandTimeout bounds each command invocation. Zero means no deadline.
func (d *Dispatcher) SetCommandTimeout(timeout time.Duration) {
	d.timeout = timeout
}

// SetSessions enables session attribution on key-free commands.
func (d *Dispatcher) SetSessions(sessions SessionResolver) {
	d.sessions = sessions
}

// Mount registers one GET route per command.
func (d *Dispatcher) Mount(r chi.Router) {
	for _, entry := range d.registry.Entries() {
		r.Get(entry.Path, d.Handler(entry))
	}
}

// Handler returns the HTTP handler for one registry entry.
func (d *Dispatcher) Handler(entry *command.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serve(entry, w, r)
	}
}

func (d *Dispatcher) serve(entry *command.Entry, w http.ResponseWriter, r *http.Request) {
	start := d.now()
	ctx := r.Context()
	tw := newTrackingWriter(w)

	identity, adm, derr := d.authorize(ctx, entry, r)
	if derr != nil {
		d.writeError(tw, derr)
		var userID *string
		if derr.Kind == KindRateLimited && identity != nil {
			userID = &identity.UserID
			middleware.AnnotateUser(ctx, identity.UserID)
		}
		d.finish(entry, userID, derr.Status, start, false)
		return
	}

	var userID *string
	if identity != nil {
		middleware.AnnotateUser(ctx, identity.UserID)
		ctx = auth.ContextWithIdentity(ctx, identity)
		userID = &identity.UserID
	}

	params := entry.ExtractParams(r.URL.Query())
	invokeCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	result, err := d.invoke(invokeCtx, entry, params, tw)

	// Settle before responding so a follow-up call sees the new count.
	if adm != nil {
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
		if cerr := adm.Complete(settleCtx, err == nil); cerr != nil {
			d.logger.Error("failed to settle admission",
				"user_id", adm.UserID,
				"route", entry.Path,
				"error", cerr,
			)
		}
		cancel()
	}

	written, status := tw.Written()
	if err != nil {
		var derr *Error
		if !errors.As(err, &derr) {
			derr = errHandler(err)
		}
		if !written {
			d.writeError(tw, derr)
		}
		d.logger.Warn("command failed",
			"route", entry.Path,
			"error", err,
		)
		d.finish(entry, userID, http.StatusInternalServerError, start, true)
		return
	}

	if !written {
		d.writeJSON(tw, http.StatusOK, Envelope{Status: true, Creator: d.creator, Result: result})
		status = http.StatusOK
	}
	d.finish(entry, userID, status, start, true)
}

// authorize applies the key and admission gates. For key-free commands it
// only resolves an identity for attribution and never fails.
func (d *Dispatcher) authorize(ctx context.Context, entry *command.Entry, r *http.Request) (*model.Identity, *admission.Admission, *Error) {
	rawKey := apiKeyFrom(r)

	if !entry.KeyRequired() {
		return d.attribute(ctx, rawKey, r), nil, nil
	}

	if rawKey == "" {
		return nil, nil, errMissingKey()
	}

	identity, ok, err := d.validator.Validate(ctx, rawKey)
	if err != nil {
		d.logger.Error("key validation failed", "route", entry.Path, "error", err)
		return nil, nil, errInternal(err)
	}
	if !ok {
		return nil, nil, errInvalidKey()
	}

	adm, err := d.admitter.Admit(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, admission.ErrUnknownUser) {
			return nil, nil, errInvalidKey()
		}
		d.logger.Error("admission failed", "user_id", identity.UserID, "error", err)
		return nil, nil, errInternal(err)
	}
	if !adm.Allowed {
		return identity, nil, errRateLimited(adm.Decision, d.now())
	}

	return identity, adm, nil
}

func (d *Dispatcher) attribute(ctx context.Context, rawKey string, r *http.Request) *model.Identity {
	if rawKey != "" && d.validator != nil {
		identity, ok, err := d.validator.Validate(ctx, rawKey)
		if err == nil && ok {
			return identity
		}
		return nil
	}
	if d.sessions != nil {
		if identity, err := d.sessions.FromRequest(r); err == nil {
			return identity
		}
	}
	return nil
}

// invoke runs the command, converting panics into handler errors.
func (d *Dispatcher) invoke(ctx context.Context, entry *command.Entry, params command.Params, w http.ResponseWriter) (result any, err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			d.logger.Error("command panic recovered",
				"route", entry.Path,
				"panic", rvr,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = &Error{
				Kind:    KindHandler,
				Status:  http.StatusInternalServerError,
				Message: "Internal server error",
				Err:     fmt.Errorf("panic: %v", rvr),
			}
		}
	}()

	if rw, ok := entry.Command.(command.ResponseWriter); ok {
		return rw.InvokeHTTP(ctx, params, w)
	}
	return entry.Command.Invoke(ctx, params)
}

func (d *Dispatcher) finish(entry *command.Entry, userID *string, status int, start time.Time, dispatched bool) {
	latency := d.now().Sub(start)
	d.metrics.ObserveDispatch(entry.Path, status, latency)

	if d.calls == nil {
		return
	}
	d.calls.Record(model.CallRecord{
		UserID:     userID,
		Endpoint:   entry.Name,
		Route:      entry.Path,
		StatusCode: status,
		LatencyMs:  latency.Milliseconds(),
		CalledAt:   start.UTC(),
		Dispatched: dispatched,
	})
}

func (d *Dispatcher) writeError(w http.ResponseWriter, derr *Error) {
	if derr.RateLimit != nil {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(derr.retryIn)))
	}
	d.writeJSON(w, derr.Status, Envelope{
		Status:    false,
		Error:     derr.Message,
		RateLimit: derr.RateLimit,
	})
}

func (d *Dispatcher) writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		d.logger.Warn("failed to write response", "error", err)
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.URL.Query().Get(APIKeyParam)); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// retryAfterSeconds rounds a wait up to whole seconds, never below one.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
