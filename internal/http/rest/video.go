package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/italolelis/video_downloader/internal/extractor"
	"github.com/italolelis/video_downloader/internal/imageproxy"
	"github.com/italolelis/video_downloader/internal/job"
	"github.com/italolelis/video_downloader/internal/logctx"
	"github.com/italolelis/video_downloader/internal/progress"
	"github.com/italolelis/video_downloader/internal/telemetry"
)

const (
	maxRequestBody         = 1 << 20
	servedProgressEvery    = 50 * 1024 * 1024
	defaultMetadataTimeout = 60 * time.Second
)

// Downloads starts background download jobs.
type Downloads interface {
	Submit(ctx context.Context, url, formatID string) (string, error)
}

// Jobs is read-only access to the job registry.
type Jobs interface {
	Get(id string) (job.Job, error)
	Len() int
}

// Artifacts locates downloaded files and releases them once served.
type Artifacts interface {
	ArtifactPath(id string) string
	Release(ctx context.Context, id string)
}

// Images relays thumbnails.
type Images interface {
	Fetch(ctx context.Context, url string) (*imageproxy.Image, error)
}

// Streams serves websocket progress subscriptions.
type Streams interface {
	ServeWS(w http.ResponseWriter, r *http.Request, jobID string) error
}

// Dependencies groups what the video handler needs.
type Dependencies struct {
	Extractor       extractor.Extractor
	Downloads       Downloads
	Jobs            Jobs
	Artifacts       Artifacts
	Images          Images
	Streams         Streams
	Telemetry       *telemetry.Telemetry
	MetadataTimeout time.Duration
}

type VideoHandler struct {
	extractor       extractor.Extractor
	downloads       Downloads
	jobs            Jobs
	artifacts       Artifacts
	images          Images
	streams         Streams
	telemetry       *telemetry.Telemetry
	metadataTimeout time.Duration
}

func NewVideoHandler(deps Dependencies) *VideoHandler {
	if deps.MetadataTimeout <= 0 {
		deps.MetadataTimeout = defaultMetadataTimeout
	}

	return &VideoHandler{
		extractor:       deps.Extractor,
		downloads:       deps.Downloads,
		jobs:            deps.Jobs,
		artifacts:       deps.Artifacts,
		images:          deps.Images,
		streams:         deps.Streams,
		telemetry:       deps.Telemetry,
		metadataTimeout: deps.MetadataTimeout,
	}
}

// Routes returns the API routes, relative to the API prefix.
func (h *VideoHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/video-info", h.HandleVideoInfo)
	r.Post("/download", h.HandleDownload)
	r.Get("/progress/{download_id}", h.HandleProgress)
	r.Get("/download-file/{download_id}", h.HandleDownloadFile)
	r.Get("/proxy-image", h.HandleProxyImage)
	r.Get("/ws/progress/{download_id}", h.HandleProgressStream)
	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", h.telemetry.Handler())

	return r
}

type videoInfoRequest struct {
	URL string `json:"url"`
}

type downloadRequest struct {
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
}

type downloadResponse struct {
	DownloadID string `json:"download_id"`
}

type progressResponse struct {
	Status   job.Status `json:"status"`
	Progress string     `json:"progress,omitempty"`
	Error    string     `json:"error,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Jobs   int    `json:"jobs"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		return &ValidationError{Reason: "invalid request body: " + err.Error()}
	}

	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}

	return nil
}

// HandleVideoInfo returns title, thumbnail, duration and the usable formats of a URL.
func (h *VideoHandler) HandleVideoInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req videoInfoRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(ctx, w, err)

		return
	}

	if err := required("url", req.URL); err != nil {
		writeError(ctx, w, err)

		return
	}

	infoCtx, cancel := context.WithTimeout(ctx, h.metadataTimeout)
	defer cancel()

	info, err := h.extractor.Info(infoCtx, req.URL)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, info)
}

// HandleDownload registers a download job and returns its id immediately.
func (h *VideoHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(ctx, w, err)

		return
	}

	if err := errors.Join(required("url", req.URL), required("format_id", req.FormatID)); err != nil {
		writeError(ctx, w, err)

		return
	}

	id, err := h.downloads.Submit(ctx, req.URL, req.FormatID)
	if err != nil {
		writeError(ctx, w, fmt.Errorf("failed to submit download: %w", err))

		return
	}

	writeJSON(ctx, w, http.StatusOK, downloadResponse{DownloadID: id})
}

// HandleProgress reports the status of a job.
func (h *VideoHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "download_id")

	j, err := h.jobs.Get(id)
	if err != nil {
		writeError(ctx, w, &NotFoundError{Resource: "Download ID", ID: id})

		return
	}

	resp := progressResponse{Status: j.Status}
	if j.Status == job.StatusError {
		resp.Error = j.Error
	} else {
		resp.Progress = j.Progress
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleDownloadFile streams the artifact of a job and deletes it once the
// whole file went out. The job itself stays until its expiry.
func (h *VideoHandler) HandleDownloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "download_id")
	notFound := &NotFoundError{Resource: "File", ID: id}

	// only well-formed ids ever reach the filesystem
	if _, err := uuid.Parse(id); err != nil {
		writeError(ctx, w, notFound)

		return
	}

	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	f, err := os.Open(h.artifacts.ArtifactPath(id))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.WarnContext(ctx, "failed to open artifact", "err", err)
		}

		writeError(ctx, w, notFound)

		return
	}

	complete := h.serveFile(ctx, w, f, id)

	if err := f.Close(); err != nil {
		logger.DebugContext(ctx, "failed to close artifact", "err", err)
	}

	if complete {
		h.artifacts.Release(context.WithoutCancel(ctx), id)
	}
}

func (h *VideoHandler) serveFile(ctx context.Context, w http.ResponseWriter, f *os.File, id string) bool {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(ctx, w, &NotFoundError{Resource: "File", ID: id})

		return false
	}

	size := info.Size()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="download_%s.mp4"`, id))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)

	logger.InfoContext(ctx, "serving artifact", "size", humanize.Bytes(uint64(size)))

	pr := progress.NewReader(f, size, servedProgressEvery, func(read, total int64) {
		logger.DebugContext(ctx, "serving progress",
			"sent", humanize.Bytes(uint64(read)),
			"total", humanize.Bytes(uint64(total)),
		)
	})

	if _, err := io.Copy(w, pr); err != nil {
		logger.WarnContext(ctx, "artifact stream interrupted", "sent", humanize.Bytes(uint64(pr.BytesRead())), "err", err)

		return false
	}

	return pr.BytesRead() == size
}

// HandleProxyImage relays an image from a third-party host.
func (h *VideoHandler) HandleProxyImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(ctx, w, &ValidationError{Reason: "URL is required"})

		return
	}

	img, err := h.images.Fetch(ctx, raw)
	if err != nil {
		writeError(ctx, w, err)

		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Body)))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(img.Body); err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "failed to write proxied image", "err", err)
	}
}

// HandleProgressStream upgrades to a websocket that pushes job snapshots.
func (h *VideoHandler) HandleProgressStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "download_id")

	if _, err := h.jobs.Get(id); err != nil {
		writeError(ctx, w, &NotFoundError{Resource: "Download ID", ID: id})

		return
	}

	if err := h.streams.ServeWS(w, r, id); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "progress stream not established", "download_id", id, "err", err)
	}
}

// HandleHealth reports liveness and the number of tracked jobs.
func (h *VideoHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, healthResponse{Status: "ok", Jobs: h.jobs.Len()})
}
