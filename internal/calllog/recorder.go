// Package calllog records completed gateway calls. Records are handed to a
// Sink off the request path; the stream sink is drained into PostgreSQL by
// Worker.
package calllog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/model"
)

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = 5 * time.Second

// Sink persists one call record.
type Sink interface {
	Write(ctx context.Context, rec *model.CallRecord) error
}

// Recorder writes call records in the background. Failures are logged and
// never reach the caller.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	metrics metrics.Recorder
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder on sink.
func NewRecorder(sink Sink, logger *slog.Logger, recorder metrics.Recorder) *Recorder {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:    sink,
		logger:  logger.With("component", "calllog.recorder"),
		metrics: recorder,
		timeout: DefaultWriteTimeout,
	}
}

// Record hands rec to the sink on a detached goroutine. It returns
// immediately.
func (r *Recorder) Record(rec model.CallRecord) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("recorder closed, dropping call record",
			"route", rec.Route,
			"status", rec.StatusCode,
		)
		r.metrics.IncCallRecorded("failed")
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	if rec.CalledAt.IsZero() {
		rec.CalledAt = time.Now().UTC()
	}

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.sink.Write(ctx, &rec); err != nil {
			r.logger.Error("failed to record call",
				"route", rec.Route,
				"status", rec.StatusCode,
				"error", err,
			)
			r.metrics.IncCallRecorded("failed")
			return
		}
		r.metrics.IncCallRecorded("success")
	}()
}

// Shutdown stops accepting records and waits for outstanding writes.
// It implements server.ShutdownFunc.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("call recorder drained")
		return nil
	case <-ctx.Done():
		r.logger.Warn("call recorder shutdown timed out")
		return ctx.Err()
	}
}
