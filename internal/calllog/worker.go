package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapigate/rapigate/internal/metrics"
	"github.com/rapigate/rapigate/internal/model"
)

// ConsumerGroup is the Redis consumer group every gateway instance joins.
const ConsumerGroup = "call_log_workers"

const deadLetterMaxLen = 10000

// WorkerOptions tunes stream consumption. Zero fields take the defaults
// noted on each field.
type WorkerOptions struct {
	ConsumerID    string        // NewConsumerID()
	BatchSize     int           // 500 records per XREADGROUP
	BlockTimeout  time.Duration // 5s
	MaxRetries    int           // 3 attempts per batch
	ClaimInterval time.Duration // 10s between XAUTOCLAIM scans
	ClaimIdle     time.Duration // 30s before a pending entry is reclaimed
	DepthInterval time.Duration // 5s between queue depth refreshes
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.ConsumerID == "" {
		o.ConsumerID = NewConsumerID()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 10 * time.Second
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = 30 * time.Second
	}
	if o.DepthInterval <= 0 {
		o.DepthInterval = 5 * time.Second
	}
	return o
}

// BatchWriter persists a batch idempotently and reports how many rows were
// new. *repository.CallLogRepository implements it.
type BatchWriter interface {
	BulkInsert(ctx context.Context, recs []*model.CallRecord) (int, error)
}

// interval gates a periodic side task inside the consume loop.
type interval struct {
	every time.Duration
	last  time.Time
}

// due reports whether the task should run now and, if so, restarts the period.
func (i *interval) due(now time.Time) bool {
	if !i.last.IsZero() && now.Sub(i.last) < i.every {
		return false
	}
	i.last = now
	return true
}

// Worker drains the call stream into PostgreSQL. Records that fail
// validation go to the dead-letter stream; batches that fail to persist stay
// pending and are reclaimed by XAUTOCLAIM.
type Worker struct {
	redis   *redis.Client
	repo    BatchWriter
	logger  *slog.Logger
	metrics metrics.Recorder
	opts    WorkerOptions

	claim     interval
	claimFrom string
	depth     interval

	mu       sync.Mutex
	started  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker creates a call log worker.
func NewWorker(client *redis.Client, repo BatchWriter, logger *slog.Logger, recorder metrics.Recorder, opts WorkerOptions) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	opts = opts.withDefaults()
	return &Worker{
		redis:     client,
		repo:      repo,
		logger:    logger.With("component", "calllog.worker", "consumer_id", opts.ConsumerID),
		metrics:   recorder,
		opts:      opts,
		claim:     interval{every: opts.ClaimInterval},
		claimFrom: "0-0",
		depth:     interval{every: opts.DepthInterval},
	}
}

// Run consumes the stream until ctx is cancelled or Shutdown is called.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("call log worker already running")
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()
	defer close(w.done)

	err := w.redis.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	w.logger.Info("call log worker started", "batch_size", w.opts.BatchSize)

	for ctx.Err() == nil && !w.isDraining() {
		if err := w.processOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			w.logger.Error("call log batch failed", "error", err)
			sleepCtx(ctx, time.Second)
		}
	}
	w.logger.Info("call log worker stopped")
	return nil
}

// Shutdown stops the worker after the in-flight batch. It implements
// server.ShutdownFunc.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("call log worker did not stop before the shutdown deadline")
		return ctx.Err()
	}
}

func (w *Worker) isDraining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}

func (w *Worker) processOnce(ctx context.Context) error {
	now := time.Now()
	if w.depth.due(now) {
		w.refreshQueueDepth(ctx)
	}

	var messages []redis.XMessage
	if w.claim.due(now) {
		claimed, err := w.claimPending(ctx)
		if err != nil {
			w.logger.Warn("failed to claim pending messages", "error", err)
		}
		messages = claimed
	}
	if len(messages) == 0 {
		read, err := w.readBatch(ctx)
		if err != nil {
			return err
		}
		messages = read
	}
	if len(messages) == 0 {
		return nil
	}

	recs, ids := w.decodeBatch(ctx, messages)
	if len(recs) > 0 {
		if err := w.writeWithRetry(ctx, recs); err != nil {
			w.logger.Error("batch failed after retries",
				"batch_size", len(recs),
				"error", err,
			)
			// Left pending for XAUTOCLAIM.
			return err
		}
	}

	return w.ack(ctx, ids)
}

// claimPending takes over entries another consumer read but never acked.
func (w *Worker) claimPending(ctx context.Context) ([]redis.XMessage, error) {
	messages, next, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    ConsumerGroup,
		Consumer: w.opts.ConsumerID,
		MinIdle:  w.opts.ClaimIdle,
		Start:    w.claimFrom,
		Count:    int64(w.opts.BatchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if next != "" {
		w.claimFrom = next
	}
	return messages, nil
}

// refreshQueueDepth publishes pending plus unread entries for the group.
func (w *Worker) refreshQueueDepth(ctx context.Context) {
	groups, err := w.redis.XInfoGroups(ctx, StreamKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		w.logger.Warn("failed to read stream group info", "error", err)
		return
	}
	for _, group := range groups {
		if group.Name == ConsumerGroup {
			w.metrics.SetCallLogQueueDepth(group.Pending + group.Lag)
			return
		}
	}
}

func (w *Worker) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: w.opts.ConsumerID,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(w.opts.BatchSize),
		Block:    w.opts.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// decodeBatch returns the valid records and every message id in the batch.
// Invalid messages are dead-lettered and still acked.
func (w *Worker) decodeBatch(ctx context.Context, messages []redis.XMessage) ([]*model.CallRecord, []string) {
	recs := make([]*model.CallRecord, 0, len(messages))
	ids := make([]string, 0, len(messages))

	for _, msg := range messages {
		ids = append(ids, msg.ID)

		rec, reason, err := decodeMessage(msg)
		if err != nil {
			w.deadLetter(ctx, msg, reason, err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, ids
}

// decodeMessage parses one stream entry. The stream id becomes the record's
// event id so redelivery cannot double count.
func decodeMessage(msg redis.XMessage) (*model.CallRecord, string, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, "invalid_format", errors.New("payload field missing or not a string")
	}

	var payload CallPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, "unmarshal_error", err
	}
	if err := ValidateCallPayload(payload); err != nil {
		return nil, "validation_error", err
	}
	return payload.Record(msg.ID), "", nil
}

func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, reason, detail string) {
	w.logger.Warn("dead-lettering poison message",
		"message_id", msg.ID,
		"reason", reason,
		"detail", detail,
	)

	err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey,
		MaxLen: deadLetterMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"original_id":      msg.ID,
			"original_stream":  StreamKey,
			"reason":           reason,
			"detail":           detail,
			"payload":          msg.Values["payload"],
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		w.logger.Error("failed to write to dead-letter stream",
			"message_id", msg.ID,
			"error", err,
		)
	}

	w.metrics.IncCallProcessed("failed")
}

func (w *Worker) writeWithRetry(ctx context.Context, recs []*model.CallRecord) error {
	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxRetries; attempt++ {
		err := w.writeBatch(ctx, recs)
		if err == nil {
			return nil
		}
		lastErr = err

		backoff := retryBackoff(attempt)
		w.logger.Warn("batch write failed, retrying",
			"attempt", attempt,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
	}

	for range recs {
		w.metrics.IncCallProcessed("failed")
	}
	return lastErr
}

func (w *Worker) writeBatch(ctx context.Context, recs []*model.CallRecord) error {
	start := time.Now()

	inserted, err := w.repo.BulkInsert(ctx, recs)
	if err != nil {
		return fmt.Errorf("bulk insert: %w", err)
	}

	w.logger.Info("batch persisted",
		"batch_size", len(recs),
		"inserted", inserted,
		"duration_ms", float64(time.Since(start).Microseconds())/1000,
	)

	w.metrics.ObserveCallLogBatchSize(len(recs))
	for i := 0; i < inserted; i++ {
		w.metrics.IncCallProcessed("success")
	}
	for i := inserted; i < len(recs); i++ {
		w.metrics.IncCallProcessed("skipped")
	}
	return nil
}

func (w *Worker) ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := w.redis.XAck(ctx, StreamKey, ConsumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// retryBackoff doubles from two seconds.
func retryBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
