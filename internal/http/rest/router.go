package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/italolelis/video_downloader/internal/telemetry"
)

// NewRouter builds the HTTP surface: request ids, telemetry, access logs,
// permissive CORS and the video API mounted under prefix.
func NewRouter(prefix string, h *VideoHandler, tel *telemetry.Telemetry) http.Handler {
	if prefix == "" {
		prefix = "/"
	}

	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodOptions, http.MethodHead,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Disposition", telemetry.RequestIDHeader},
		MaxAge:         600,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusNotFound, errorResponse{Detail: "Not Found"})
	})

	r.Mount(prefix, h.Routes())

	return r
}
