package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/telemetry"
)

const (
	DefaultBatchSize = 500
	BatchTimeout     = 2 * time.Second
	PollTimeout      = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationStore is the persistence target of the worker.
type ViolationStore interface {
	CopyViolations(ctx context.Context, records []model.ViolationRecord) (int64, error)
	InsertViolation(ctx context.Context, v model.ViolationRecord) error
}

// Queue is the list the sessions push reports to.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Push(ctx context.Context, items ...[]byte) error
}

// ErrQueueEmpty is returned by Pop when nothing arrived within the timeout.
var ErrQueueEmpty = errors.New("queue empty")

// RedisQueue is a Queue over a Redis list.
type RedisQueue struct {
	rdb *redis.Client
	key string
}

// NewRedisQueue creates the queue of persisted violation reports.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: config.WorkerKey.PersistViolationsQueue}
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	// BLPop blocks for timeout. Returns immediately if data exists.
	result, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", err
	}
	if len(result) < 2 {
		return "", ErrQueueEmpty
	}
	return result[1], nil
}

func (q *RedisQueue) Push(ctx context.Context, items ...[]byte) error {
	// Use a pipeline to push everything back quickly
	pipe := q.rdb.Pipeline()
	for _, it := range items {
		pipe.RPush(ctx, q.key, it)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ViolationWorker drains queued violation reports into PostgreSQL in batches.
type ViolationWorker struct {
	queue     Queue
	store     ViolationStore
	metrics   *telemetry.Metrics
	batchSize int
	log       zerolog.Logger
	sleep     func(time.Duration)
}

func NewViolationWorker(queue Queue, store ViolationStore, metrics *telemetry.Metrics, batchSize int, log zerolog.Logger) *ViolationWorker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ViolationWorker{
		queue:     queue,
		store:     store,
		metrics:   metrics,
		batchSize: batchSize,
		log:       log.With().Str("component", "violation_worker").Logger(),
		sleep:     time.Sleep,
	}
}

// Record converts a queued report into its table row.
func Record(r model.ViolationReport) model.ViolationRecord {
	info, _ := json.Marshal(r.SessionInfo)
	at := r.Violation.Timestamp
	if at.IsZero() {
		at = time.UnixMilli(r.Timestamp)
	}
	severity := r.Violation.Severity
	if severity == "" {
		severity = r.Severity
	}
	return model.ViolationRecord{
		ID:          r.Violation.ID,
		TestID:      r.TestID,
		UserID:      r.UserID,
		AttemptID:   r.AttemptID,
		SessionID:   r.SessionInfo.SessionID,
		Type:        r.Violation.Type,
		Severity:    severity,
		Description: r.Violation.Description,
		SessionInfo: info,
		RecordedAt:  at.UTC(),
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Int("batch_size", w.batchSize).Msg("ViolationWorker started")

	buffer := make([]model.ViolationRecord, 0, w.batchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= w.batchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from the queue
		raw, err := w.queue.Pop(ctx, PollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Queue error, sleeping 3s")
			w.sleep(3 * time.Second)
			continue
		}

		// 4. Process Data
		rec, ok := w.decode(raw)
		if !ok {
			continue
		}
		buffer = append(buffer, rec)
	}
}

func (w *ViolationWorker) decode(raw string) (model.ViolationRecord, bool) {
	var report model.ViolationReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		// Malformed JSON can never succeed. Log and discard.
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed report")
		return model.ViolationRecord{}, false
	}
	rec := Record(report)
	if rec.TestID == "" || rec.UserID == "" || rec.Type == "" {
		w.log.Error().Str("data", raw).Msg("Discarding incomplete report")
		return model.ViolationRecord{}, false
	}
	return rec, true
}

// flushSafe attempts bulk insert, then fallback insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []model.ViolationRecord) {
	n, err := w.store.CopyViolations(ctx, batch)
	if err == nil {
		w.observe("bulk", int(n))
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
	w.fallbackInsert(ctx, batch)
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []model.ViolationRecord) {
	var requeue []model.ViolationRecord
	inserted := 0

	for _, v := range batch {
		if err := w.store.InsertViolation(ctx, v); err != nil {
			w.log.Error().Err(err).Str("violation_id", v.ID.String()).Msg("Insert failed, requeueing")
			requeue = append(requeue, v)
			continue
		}
		inserted++
	}
	w.observe("row", inserted)

	// If we have items to requeue (DB was down), push them back to the queue
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []model.ViolationRecord) {
	payloads := make([][]byte, 0, len(items))
	for _, v := range items {
		data, err := json.Marshal(report(v))
		if err != nil {
			continue
		}
		payloads = append(payloads, data)
	}

	// The shutdown context may already be done; requeue regardless.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Push(pushCtx, payloads...); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations")
	// Avoid thrashing while the database is down.
	w.sleep(2 * time.Second)
}

func (w *ViolationWorker) observe(path string, n int) {
	if w.metrics == nil || n == 0 {
		return
	}
	w.metrics.WorkerFlushed.WithLabelValues(path).Add(float64(n))
}

func (w *ViolationWorker) shutdown(buffer []model.ViolationRecord) {
	w.log.Info().Int("pending", len(buffer)).Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

// report rebuilds the queued form of a record for requeueing.
func report(v model.ViolationRecord) model.ViolationReport {
	var info model.SessionInfo
	_ = json.Unmarshal(v.SessionInfo, &info)
	return model.ViolationReport{
		UserID:    v.UserID,
		TestID:    v.TestID,
		AttemptID: v.AttemptID,
		Violation: model.SecurityViolation{
			ID:          v.ID,
			Type:        v.Type,
			Timestamp:   v.RecordedAt,
			Severity:    v.Severity,
			Description: v.Description,
		},
		Severity:    v.Severity,
		Timestamp:   v.RecordedAt.UnixMilli(),
		SessionInfo: info,
	}
}
