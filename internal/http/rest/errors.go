package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/italolelis/video_downloader/internal/extractor"
	"github.com/italolelis/video_downloader/internal/imageproxy"
	"github.com/italolelis/video_downloader/internal/job"
	"github.com/italolelis/video_downloader/internal/logctx"
)

// ValidationError is a malformed request: missing or unusable fields.
type ValidationError struct {
	Field  string // offending field, empty for the body as a whole
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}

	return e.Field + " " + e.Reason
}

// NotFoundError is an unknown job or an artifact that is not on disk.
type NotFoundError struct {
	Resource string // "Download ID" or "File"
	ID       string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// errorResponse is the error body clients expect.
type errorResponse struct {
	Detail string `json:"detail"`
}

// statusFor maps an error to its HTTP status and client-facing detail.
func statusFor(err error) (int, string) {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		extractionErr *extractor.ExtractionError
		fetchErr      *imageproxy.UpstreamFetchError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error()
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, notFoundErr.Error()
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound, "Download ID not found"
	case errors.As(err, &extractionErr):
		return http.StatusBadRequest, extractionErr.Error()
	case errors.As(err, &fetchErr):
		return http.StatusBadRequest, fetchErr.Error()
	case errors.Is(err, imageproxy.ErrInvalidURL):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadRequest, "extraction timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logctx.LoggerFromContext(ctx)

	status, detail := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "err", err)
	} else {
		logger.DebugContext(ctx, "request rejected", "status", status, "err", err)
	}

	writeJSON(ctx, w, status, errorResponse{Detail: detail})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
