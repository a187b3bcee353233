package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/italolelis/video_downloader/internal/logctx"
)

// Browser-like headers sent with every extraction request. Several hosts
// refuse the tool's default headers.
var defaultHeaders = []string{
	"Accept:text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language:en-us,en;q=0.5",
	"Sec-Fetch-Mode:navigate",
}

// Options configures the yt-dlp adapter.
type Options struct {
	CookieFile       string
	UserAgent        string
	ForceIPv4        bool
	ProgressInterval time.Duration
}

// YTDLP implements Extractor on top of the yt-dlp binary.
type YTDLP struct {
	opts Options
}

// NewYTDLP creates a yt-dlp backed extractor.
func NewYTDLP(opts Options) *YTDLP {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 500 * time.Millisecond
	}

	return &YTDLP{opts: opts}
}

// Install downloads a yt-dlp binary into the tool's cache when none is found
// on PATH.
func Install(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	resolved, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to install yt-dlp: %w", err)
	}

	logger.InfoContext(ctx, "yt-dlp available", "path", resolved.Executable, "version", resolved.Version)

	return nil
}

func (y *YTDLP) command(ctx context.Context) *ytdlp.Command {
	cmd := ytdlp.New().NoWarnings().NoPlaylist()

	if y.opts.ForceIPv4 {
		cmd = cmd.ForceIPv4()
	}

	if y.opts.UserAgent != "" {
		cmd = cmd.AddHeaders("User-Agent:" + y.opts.UserAgent)
	}

	for _, h := range defaultHeaders {
		cmd = cmd.AddHeaders(h)
	}

	if y.opts.CookieFile != "" {
		if _, err := os.Stat(y.opts.CookieFile); err == nil {
			cmd = cmd.Cookies(y.opts.CookieFile)
		} else {
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "cookie file not readable, continuing without it",
				"cookie_file", y.opts.CookieFile, "err", err)
		}
	}

	return cmd
}

// Info fetches metadata without downloading.
func (y *YTDLP) Info(ctx context.Context, url string) (*VideoInfo, error) {
	result, err := y.command(ctx).SkipDownload().DumpSingleJSON().Run(ctx, url)
	if err != nil {
		return nil, &ExtractionError{Operation: "info", URL: url, Stderr: stderrOf(result), Err: err}
	}

	info, err := ParseInfo([]byte(result.Stdout))
	if err != nil {
		return nil, &ExtractionError{Operation: "info", URL: url, Err: err}
	}

	return info, nil
}

// Download runs one attempt, writing the artifact to attempt.Output.
func (y *YTDLP) Download(ctx context.Context, attempt Attempt, onProgress func(string)) error {
	if attempt.Format == "" {
		return &ExtractionError{Operation: "download", URL: attempt.URL, Err: errors.New("format is required")}
	}

	cmd := y.command(ctx).
		Format(attempt.Format).
		Output(attempt.Output).
		ForceOverwrites().
		NoPart()

	if onProgress != nil {
		cmd.ProgressFunc(y.opts.ProgressInterval, func(update ytdlp.ProgressUpdate) {
			if p, ok := PercentString(update.DownloadedBytes, update.TotalBytes); ok {
				onProgress(p)
			}
		})
	}

	result, err := cmd.Run(ctx, attempt.URL)
	if err != nil {
		return &ExtractionError{Operation: "download", URL: attempt.URL, Stderr: stderrOf(result), Err: err}
	}

	return nil
}

func stderrOf(result *ytdlp.Result) string {
	if result == nil {
		return ""
	}

	return result.Stderr
}
