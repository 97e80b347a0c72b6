// ABOUTME: Span record and sink interface for model-call telemetry
// ABOUTME: Includes the no-op and slog-backed sinks

package trace

import (
	"log/slog"
	"time"
)

// Span is one timed model call. Usage fields are zero when the call failed
// before a completed event arrived.
type Span struct {
	TaskID       string        `json:"task_id"`
	AgentID      string        `json:"agent_id"`
	Name         string        `json:"name"`
	Model        string        `json:"model"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	TotalTokens  int64         `json:"total_tokens"`
	Error        string        `json:"error,omitempty"`
}

// Sink receives spans. Emit must return promptly and never propagate
// failure to the caller.
type Sink interface {
	Emit(span Span)
}

// NopSink discards all spans.
type NopSink struct{}

func (NopSink) Emit(Span) {}

// LogSink writes spans to structured logs.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs spans at debug level. Pass nil for
// the default logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "trace")}
}

func (s *LogSink) Emit(span Span) {
	s.logger.Debug("call span",
		"task_id", span.TaskID,
		"agent_id", span.AgentID,
		"name", span.Name,
		"model", span.Model,
		"duration_ms", span.Duration.Milliseconds(),
		"input_tokens", span.InputTokens,
		"output_tokens", span.OutputTokens,
		"error", span.Error,
	)
}
