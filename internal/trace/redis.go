// ABOUTME: Redis stream sink batching call spans via XADD
// ABOUTME: Bounded buffer, drops on overflow so emission never blocks a conversation

package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// spanBufferSize bounds the in-flight queue between Emit and the
	// flusher. Spans past this are dropped, not queued.
	spanBufferSize = 256

	flushInterval = 2 * time.Second
	flushBatch    = 64
)

// streamAppender is the slice of the redis client the sink uses.
type streamAppender interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink batches spans onto a Redis stream for the downstream
// analytics pipeline.
type RedisSink struct {
	client streamAppender
	stream string
	spans  chan Span
	done   chan struct{}
	logger *slog.Logger
}

// RedisSinkConfig describes the Redis connection and target stream.
type RedisSinkConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// NewRedisSink connects to Redis and starts the background flusher.
func NewRedisSink(cfg RedisSinkConfig, logger *slog.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "loom:spans"
	}
	return newRedisSink(client, stream, logger), nil
}

// newRedisSink wires a sink around any stream appender. Split out so tests
// can substitute a fake client.
func newRedisSink(client streamAppender, stream string, logger *slog.Logger) *RedisSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisSink{
		client: client,
		stream: stream,
		spans:  make(chan Span, spanBufferSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "trace"),
	}
	go s.flushLoop()
	return s
}

// Emit queues a span. If the buffer is full the span is dropped; telemetry
// loss is preferable to stalling a conversation.
func (s *RedisSink) Emit(span Span) {
	select {
	case s.spans <- span:
	default:
		s.logger.Debug("span buffer full, dropping span", "task_id", span.TaskID)
	}
}

// Close flushes remaining spans and stops the background loop.
func (s *RedisSink) Close() {
	close(s.spans)
	<-s.done
}

func (s *RedisSink) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Span, 0, flushBatch)
	for {
		select {
		case span, ok := <-s.spans:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, span)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *RedisSink) flush(batch []Span) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, span := range batch {
		payload, err := json.Marshal(span)
		if err != nil {
			continue
		}
		err = s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]any{"span": payload},
		}).Err()
		if err != nil {
			s.logger.Warn("failed to append span", "error", err, "stream", s.stream)
			return
		}
	}
}
