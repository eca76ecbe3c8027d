package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "tachyon:audit"

// RedisEmitter appends events to a Redis stream with XADD.
//
// Each entry carries the event fields flat plus a "payload" field holding the
// full JSON document, so consumers can either filter on fields or decode the
// whole event.
type RedisEmitter struct {
	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
}

// RedisOption configures a RedisEmitter.
type RedisOption func(*RedisEmitter)

// WithStream overrides the stream key.
func WithStream(stream string) RedisOption {
	return func(r *RedisEmitter) {
		if stream != "" {
			r.stream = stream
		}
	}
}

// WithMaxLen caps the stream length (approximate trimming). Zero keeps
// everything.
func WithMaxLen(n int64) RedisOption {
	return func(r *RedisEmitter) { r.maxLen = n }
}

// WithTimeout bounds each XADD call.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *RedisEmitter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRedisEmitter creates an emitter over client. The caller owns client.
func NewRedisEmitter(client redis.UniversalClient, opts ...RedisOption) *RedisEmitter {
	r := &RedisEmitter{
		client:  client,
		stream:  DefaultStream,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream returns the stream key.
func (r *RedisEmitter) Stream() string {
	return r.stream
}

// Emit appends event to the stream.
func (r *RedisEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"id":          event.ID,
			"type":        event.Type,
			"environment": event.Environment,
			"actor":       event.Actor,
			"timestamp":   event.Timestamp.Format(time.RFC3339Nano),
			"payload":     string(payload),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending to stream %s: %w", r.stream, err)
	}
	return nil
}
