package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type accessNoteKey struct{}

// accessNote carries fields that inner handlers learn after the access
// logger has already wrapped the request.
type accessNote struct {
	userID atomic.Pointer[string]
}

// AnnotateUser records the attributed user on the access log line of the
// current request. It is a no-op outside Logger.
func AnnotateUser(ctx context.Context, userID string) {
	note, ok := ctx.Value(accessNoteKey{}).(*accessNote)
	if !ok || userID == "" {
		return
	}
	note.userID.Store(&userID)
}

// Logger returns a middleware that writes one access log line per request.
// Only the path is logged: the query string carries API keys.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			note := &accessNote{}
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), accessNoteKey{}, note)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			attrs := []slog.Attr{
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
			}
			if traceID := GetTraceID(r.Context()); traceID != "" {
				attrs = append(attrs, slog.String("trace_id", traceID))
			}
			if userID := note.userID.Load(); userID != nil {
				attrs = append(attrs, slog.String("user_id", *userID))
			}

			logger.LogAttrs(r.Context(), levelForStatus(status), "http request", attrs...)
		})
	}
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
