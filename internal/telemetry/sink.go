// Package telemetry ships violation reports and exposes proctoring metrics.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/model"
)

// RedisSink queues every report for persistence and publishes it to the
// live monitor channel of its test. Both writes go in one pipeline.
type RedisSink struct {
	rdb     *redis.Client
	metrics *Metrics
}

// NewRedisSink creates a RedisSink. metrics may be nil.
func NewRedisSink(rdb *redis.Client, metrics *Metrics) *RedisSink {
	return &RedisSink{rdb: rdb, metrics: metrics}
}

// Report implements proctor.ViolationSink.
func (s *RedisSink) Report(ctx context.Context, r model.ViolationReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload)
	pipe.Publish(ctx, config.CacheKey.MonitorChannel(r.TestID), payload)
	pipe.HIncrBy(ctx, config.CacheKey.ViolationCountKey(r.TestID, r.UserID), string(r.Violation.Type), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.metrics.reportFailed()
		return fmt.Errorf("push report: %w", err)
	}
	return nil
}

// ViolationCounts returns the per-type violation counters of a user on a test.
func (s *RedisSink) ViolationCounts(ctx context.Context, testID, userID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.ViolationCountKey(testID, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read violation counts: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			out[k] = n
		}
	}
	return out, nil
}

// Subscribe streams the raw reports published for testID until ctx ends or
// the returned stop func is called.
func (s *RedisSink) Subscribe(ctx context.Context, testID string) (<-chan []byte, func()) {
	pubsub := s.rdb.Subscribe(ctx, config.CacheKey.MonitorChannel(testID))
	out := make(chan []byte)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }
}
