package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/italolelis/video_downloader/internal/logctx"
)

func TestTelemetry_NilIsSafe(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.RecordHTTPRequest(ctx, http.MethodGet, "/api/progress/{job_id}", "2xx", time.Millisecond)
		tel.RecordDownload(ctx, "success", time.Second)
		tel.RecordDownloadAttempt(ctx, "fallback", "error")
		tel.RecordArtifactDeletion(ctx, "expiry", "success")
		tel.RecordProxyFetch(ctx, "success", 10)
		tel.RecordNotification(ctx, "success")
		tel.IncrementActiveDownloads(ctx)
		tel.DecrementActiveDownloads(ctx)
		require.NoError(t, tel.RegisterJobGauge(func() int { return 1 }))
		require.NoError(t, tel.Shutdown(ctx))
	})

	called := false
	err := tel.InstrumentDownload(ctx, func(context.Context) error {
		called = true

		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.NotNil(t, tel.Tracer())
}

func TestTelemetry_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false, ServiceName: "test"})
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = tel.InstrumentExtractorOperation(context.Background(), "info", func(context.Context) error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelemetry_EnabledExposesMetrics(t *testing.T) {
	ctx := context.Background()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "test", ServiceVersion: "dev"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	require.NoError(t, tel.RegisterJobGauge(func() int { return 3 }))

	_ = tel.InstrumentDownload(ctx, func(context.Context) error { return nil })
	tel.RecordDownloadAttempt(ctx, "primary", "success")
	tel.RecordArtifactDeletion(ctx, "served", "success")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "downloads_total")
	assert.Contains(t, body, "download_attempts_total")
	assert.Contains(t, body, "artifacts_deleted_total")
	assert.Contains(t, body, "jobs_registered")
	assert.Contains(t, body, "download_duration_seconds")
	assert.NotContains(t, body, "_ratio")
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Get("/api/progress/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/progress/2f1c0c9e-6a4e-4f0a-9d3b-0d5f0b8d7a11", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	metrics := httptest.NewRecorder()
	tel.Handler().ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := metrics.Body.String()
	assert.Contains(t, body, `route="/api/progress/{job_id}"`)
	assert.NotContains(t, body, "2f1c0c9e-6a4e-4f0a-9d3b-0d5f0b8d7a11")
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = logctx.RequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-42")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-42", seen)
		assert.Equal(t, "upstream-42", rec.Header().Get(RequestIDHeader))
	})
}

func TestHTTPLogging_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{status: http.StatusOK, level: "INFO"},
		{status: http.StatusNotFound, level: "WARN"},
		{status: http.StatusBadGateway, level: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "body")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.EqualValues(t, tt.status, entry["status"])
			assert.EqualValues(t, 4, entry["bytes"])
		})
	}
}

func TestStatusRecorder_ForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := newStatusRecorder(rec)

	_, err := sr.Write([]byte("chunk"))
	require.NoError(t, err)
	sr.Flush()

	assert.True(t, rec.Flushed)
	assert.Equal(t, http.StatusOK, sr.status)
	assert.Same(t, sr, newStatusRecorder(sr))
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "1xx", getStatusClass(http.StatusSwitchingProtocols))
	assert.Equal(t, "2xx", getStatusClass(http.StatusOK))
	assert.Equal(t, "3xx", getStatusClass(http.StatusFound))
	assert.Equal(t, "4xx", getStatusClass(http.StatusBadRequest))
	assert.Equal(t, "5xx", getStatusClass(http.StatusServiceUnavailable))
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer

	base := slog.NewJSONHandler(&buf, nil)

	var disabled *Telemetry
	assert.Same(t, base, disabled.LogHandler(base))

	provider := sdklog.NewLoggerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	tel := &Telemetry{serviceName: "test", loggerProvider: provider}

	h := tel.LogHandler(base)
	assert.NotSame(t, base, h)

	slog.New(h).Info("fanned out", "job_id", "abc")
	assert.Contains(t, buf.String(), `"msg":"fanned out"`)
}
