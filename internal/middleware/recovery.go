package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Recoverer turns a panicking handler into a 500 envelope. If the handler
// already started its response, the connection is left as is and only the
// log line is written. http.ErrAbortHandler is re-raised.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if err, ok := rvr.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rvr)
				}

				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				logger.Error("panic recovered",
					slog.String("request_id", GetRequestID(r.Context())),
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.String("panic", fmt.Sprint(rvr)),
					slog.Bool("response_started", ww.Status() != 0),
					slog.String("stack", string(debug.Stack())),
				)

				if ww.Status() == 0 {
					writeError(ww, http.StatusInternalServerError, "Internal server error")
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
