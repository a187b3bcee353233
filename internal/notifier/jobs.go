package notifier

import (
	"context"

	"github.com/italolelis/video_downloader/internal/job"
	"github.com/italolelis/video_downloader/internal/logctx"
	"github.com/italolelis/video_downloader/internal/telemetry"
)

// JobMessage renders the notification text for a finished job.
func JobMessage(j job.Job) string {
	if j.Status == job.StatusError {
		return "❌ Download failed (" + j.ID + "): " + j.Error
	}

	return "✅ Download finished: " + j.ID
}

// ForwardJobs sends a notification for every snapshot received on events
// until the channel is closed. Delivery failures are logged and skipped.
func ForwardJobs(ctx context.Context, events <-chan job.Job, n Notifier, tel *telemetry.Telemetry) {
	logger := logctx.LoggerFromContext(ctx)

	for j := range events {
		jobCtx := logctx.WithJobID(ctx, j.ID)

		if err := n.Notify(jobCtx, JobMessage(j)); err != nil {
			logger.ErrorContext(jobCtx, "failed to send notification", "status", j.Status, "err", err)
			tel.RecordNotification(jobCtx, "error")

			continue
		}

		tel.RecordNotification(jobCtx, "success")
	}
}
