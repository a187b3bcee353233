package extractor

import (
	"context"

	"github.com/italolelis/video_downloader/internal/telemetry"
)

// Instrumented wraps an Extractor with telemetry.
type Instrumented struct {
	next      Extractor
	telemetry *telemetry.Telemetry
}

// NewInstrumented creates a new instrumented extractor.
func NewInstrumented(next Extractor, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{next: next, telemetry: tel}
}

// Info fetches metadata with telemetry.
func (e *Instrumented) Info(ctx context.Context, url string) (*VideoInfo, error) {
	var info *VideoInfo

	err := e.telemetry.InstrumentExtractorOperation(ctx, "info", func(ctx context.Context) error {
		var err error
		info, err = e.next.Info(ctx, url)

		return err
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

// Download runs a download attempt with telemetry.
func (e *Instrumented) Download(ctx context.Context, attempt Attempt, onProgress func(string)) error {
	return e.telemetry.InstrumentExtractorOperation(ctx, "download", func(ctx context.Context) error {
		return e.next.Download(ctx, attempt, onProgress)
	})
}
