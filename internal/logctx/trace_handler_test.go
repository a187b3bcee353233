package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func validSpanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_CorrelationFields(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func(t *testing.T) context.Context
		present map[string]string
		absent  []string
	}{
		{
			name:   "plain context",
			ctx:    func(*testing.T) context.Context { return context.Background() },
			absent: []string{"trace_id", "span_id", "request_id", "job_id"},
		},
		{
			name: "valid span",
			ctx:  validSpanContext,
			present: map[string]string{
				"trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
				"span_id":  "00f067aa0ba902b7",
			},
			absent: []string{"request_id", "job_id"},
		},
		{
			name: "request and job ids",
			ctx: func(*testing.T) context.Context {
				ctx := WithRequestID(context.Background(), "req-1")
				return WithJobID(ctx, "job-1")
			},
			present: map[string]string{"request_id": "req-1", "job_id": "job-1"},
			absent:  []string{"trace_id", "span_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

			logger.InfoContext(tt.ctx(t), "download progress", "progress", "12.0%")

			entry := decodeRecord(t, &buf)
			assert.Equal(t, "download progress", entry["msg"])
			assert.Equal(t, "12.0%", entry["progress"])

			for k, v := range tt.present {
				assert.Equal(t, v, entry[k], k)
			}

			for _, k := range tt.absent {
				assert.NotContains(t, entry, k)
			}
		})
	}
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := base.WithAttrs([]slog.Attr{slog.String("component", "retention")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("artifact")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(WithJobID(context.Background(), "job-9"), "deleted", "trigger", "expiry")

	entry := decodeRecord(t, &buf)
	assert.Equal(t, "retention", entry["component"])
	assert.Contains(t, entry, "artifact")
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, LoggerFromContext(WithLogger(context.Background(), logger)))
}
