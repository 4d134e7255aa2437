package dispatch

import (
	"net/http"
	"sync"
)

// trackingWriter records whether a response has started so the dispatcher
// writes at most one.
type trackingWriter struct {
	http.ResponseWriter

	mu      sync.Mutex
	status  int
	written bool
}

func newTrackingWriter(w http.ResponseWriter) *trackingWriter {
	return &trackingWriter{ResponseWriter: w, status: http.StatusOK}
}

func (t *trackingWriter) WriteHeader(code int) {
	t.mu.Lock()
	if t.written {
		t.mu.Unlock()
		return
	}
	t.written = true
	t.status = code
	t.mu.Unlock()
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.mu.Lock()
	started := t.written
	t.written = true
	t.mu.Unlock()
	if !started {
		t.ResponseWriter.WriteHeader(t.status)
	}
	return t.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for commands that stream.
func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		t.mu.Lock()
		t.written = true
		t.mu.Unlock()
		f.Flush()
	}
}

// Written reports whether headers have been sent and the final status.
func (t *trackingWriter) Written() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written, t.status
}
