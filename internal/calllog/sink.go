package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/rapigate/rapigate/internal/model"
)

const (
	// StreamKey is the Redis stream for call records.
	StreamKey = "stream:api_calls"

	// DeadLetterStreamKey is the Redis stream for poison messages.
	DeadLetterStreamKey = "stream:api_calls:dlq"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000
)

// CallWriter stores a single record. *repository.CallLogRepository
// implements it.
type CallWriter interface {
	Insert(ctx context.Context, rec *model.CallRecord) error
}

// DirectSink writes straight to PostgreSQL.
type DirectSink struct {
	repo CallWriter
}

// NewDirectSink creates a DirectSink.
func NewDirectSink(repo CallWriter) *DirectSink {
	return &DirectSink{repo: repo}
}

// Write inserts the record.
func (s *DirectSink) Write(ctx context.Context, rec *model.CallRecord) error {
	if err := s.repo.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// StreamSink appends records to the Redis stream for Worker to persist.
type StreamSink struct {
	redis *redis.Client
}

// NewStreamSink creates a StreamSink.
func NewStreamSink(client *redis.Client) *StreamSink {
	return &StreamSink{redis: client}
}

// Write adds the record to the stream.
func (s *StreamSink) Write(ctx context.Context, rec *model.CallRecord) error {
	data, err := json.Marshal(NewCallPayload(rec))
	if err != nil {
		return fmt.Errorf("marshal call payload: %w", err)
	}

	_, err = s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// MemorySink keeps records in memory. Used by tests and single-node demos.
type MemorySink struct {
	mu      sync.Mutex
	records []model.CallRecord
	err     error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends rec, or returns the configured failure.
func (s *MemorySink) Write(ctx context.Context, rec *model.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, *rec)
	return nil
}

// FailWith makes subsequent writes return err.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Records returns a copy of what has been written.
func (s *MemorySink) Records() []model.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.CallRecord, len(s.records))
	copy(out, s.records)
	return out
}
