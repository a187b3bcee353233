package downloader

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/italolelis/video_downloader/internal/logctx"
)

// supervise owns the goroutine of one job. Whatever happens inside, panics
// included, the job ends in a terminal state and its expiry is scheduled.
func (d *Downloader) supervise(ctx context.Context, id string, p plan) {
	defer d.wg.Done()

	var err error

	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)

			err = fmt.Errorf("internal error: %v", r)
		}

		d.finish(ctx, id, err)
	}()

	err = d.run(ctx, id, p)
}
