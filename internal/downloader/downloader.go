// Package downloader runs download jobs in the background: one supervised
// goroutine per job, bounded by a semaphore, with a single fallback retry.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/italolelis/video_downloader/internal/extractor"
	"github.com/italolelis/video_downloader/internal/job"
	"github.com/italolelis/video_downloader/internal/logctx"
	"github.com/italolelis/video_downloader/internal/retention"
	"github.com/italolelis/video_downloader/internal/telemetry"
)

const (
	DefaultFallbackFormat = "best"

	finishedBuffer = 64
)

var ErrInvalidRequest = errors.New("url and format_id are required")

// Retention is the part of the retention manager the downloader drives.
type Retention interface {
	ArtifactPath(id string) string
	ScheduleExpiry(ctx context.Context, id string)
	Remove(ctx context.Context, id, trigger string) bool
}

type Options struct {
	MaxParallel    int
	FallbackFormat string
}

// plan holds both attempts of a job, fixed at submission time.
type plan struct {
	primary  extractor.Attempt
	fallback extractor.Attempt
}

type Downloader struct {
	baseCtx        context.Context
	registry       *job.Registry
	extractor      extractor.Extractor
	retention      Retention
	telemetry      *telemetry.Telemetry
	fallbackFormat string
	sem            *semaphore.Weighted
	wg             sync.WaitGroup
	newID          func() string

	// OnJobFinished receives the terminal snapshot of every job. Sends never
	// block; snapshots are dropped when nobody keeps up.
	OnJobFinished chan job.Job
}

// NewDownloader creates a Downloader. Jobs run under baseCtx, not under the
// context of the request that submitted them; cancelling baseCtx aborts
// in-flight extractor calls.
func NewDownloader(
	baseCtx context.Context,
	registry *job.Registry,
	ext extractor.Extractor,
	ret Retention,
	tel *telemetry.Telemetry,
	opts Options,
) *Downloader {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}

	if opts.FallbackFormat == "" {
		opts.FallbackFormat = DefaultFallbackFormat
	}

	return &Downloader{
		baseCtx:        baseCtx,
		registry:       registry,
		extractor:      ext,
		retention:      ret,
		telemetry:      tel,
		fallbackFormat: opts.FallbackFormat,
		sem:            semaphore.NewWeighted(int64(opts.MaxParallel)),
		newID:          uuid.NewString,
		OnJobFinished:  make(chan job.Job, finishedBuffer),
	}
}

// Submit registers a new job and starts it in the background. It returns
// as soon as the job is visible as downloading.
func (d *Downloader) Submit(ctx context.Context, url, formatID string) (string, error) {
	if url == "" || formatID == "" {
		return "", ErrInvalidRequest
	}

	id := d.newID()

	if _, err := d.registry.Create(id); err != nil {
		return "", fmt.Errorf("failed to register job: %w", err)
	}

	primary := extractor.Attempt{
		URL:    url,
		Format: formatID,
		Output: d.retention.ArtifactPath(id),
	}
	p := plan{primary: primary, fallback: primary.WithFormat(d.fallbackFormat)}

	jobCtx := logctx.WithLogger(d.baseCtx, logctx.LoggerFromContext(ctx))
	jobCtx = logctx.WithRequestID(jobCtx, logctx.RequestID(ctx))
	jobCtx = logctx.WithJobID(jobCtx, id)

	logctx.LoggerFromContext(ctx).InfoContext(jobCtx, "download submitted", "url", url, "format_id", formatID)

	d.wg.Add(1)

	go d.supervise(jobCtx, id, p)

	return id, nil
}

// Wait blocks until every job goroutine has returned or ctx is done.
func (d *Downloader) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for downloads: %w", ctx.Err())
	}
}

// Close closes OnJobFinished. Call it only after Wait returned nil.
func (d *Downloader) Close() {
	close(d.OnJobFinished)
}

func (d *Downloader) run(ctx context.Context, id string, p plan) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("download not started: %w", err)
	}
	defer d.sem.Release(1)

	logger.InfoContext(ctx, "download started", "format_id", p.primary.Format)

	return d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		return d.download(ctx, id, p)
	})
}

func (d *Downloader) download(ctx context.Context, id string, p plan) error {
	logger := logctx.LoggerFromContext(ctx)

	onProgress := func(progress string) {
		if _, err := d.registry.Update(id, job.SetProgress(progress)); err != nil &&
			!errors.Is(err, job.ErrNotFound) && !errors.Is(err, job.ErrTerminal) {
			logger.DebugContext(ctx, "failed to record progress", "err", err)
		}
	}

	err := d.extractor.Download(ctx, p.primary, onProgress)
	d.telemetry.RecordDownloadAttempt(ctx, "primary", statusOf(err))

	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return err
	}

	logger.WarnContext(ctx, "requested format failed, retrying with fallback",
		"format_id", p.primary.Format,
		"fallback_format", p.fallback.Format,
		"err", err,
	)

	d.retention.Remove(ctx, id, retention.TriggerPartial)

	err = d.extractor.Download(ctx, p.fallback, onProgress)
	d.telemetry.RecordDownloadAttempt(ctx, "fallback", statusOf(err))

	return err
}

func (d *Downloader) finish(ctx context.Context, id string, runErr error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		snapshot job.Job
		err      error
	)

	if runErr != nil {
		d.retention.Remove(ctx, id, retention.TriggerFailed)

		snapshot, err = d.registry.Update(id, job.Fail(runErr.Error()))
	} else {
		snapshot, err = d.registry.Update(id, job.Complete())
	}

	d.retention.ScheduleExpiry(ctx, id)

	if err != nil {
		logger.WarnContext(ctx, "failed to record terminal state", "err", err)

		return
	}

	if runErr != nil {
		logger.ErrorContext(ctx, "download failed", "err", runErr)
	} else {
		logger.InfoContext(ctx, "download completed", "size", humanize.Bytes(d.artifactSize(id)))
	}

	select {
	case d.OnJobFinished <- snapshot:
	default:
		logger.DebugContext(ctx, "job finished event dropped")
	}
}

func (d *Downloader) artifactSize(id string) uint64 {
	info, err := os.Stat(d.retention.ArtifactPath(id))
	if err != nil {
		return 0
	}

	return uint64(info.Size())
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
