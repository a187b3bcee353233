package telemetry

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/italolelis/video_downloader/internal/logctx"
)

const RequestIDHeader = "X-Request-ID"

// RequestID middleware assigns a request id to every request, reusing an
// upstream X-Request-ID header when present. The id is echoed back as a
// response header and stored in the context so TraceHandler logs it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), requestID)))
	})
}
