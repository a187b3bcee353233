// Package imageproxy relays thumbnails from third-party hosts so browsers do
// not hit cross-origin restrictions.
package imageproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/video_downloader/internal/logctx"
	"github.com/italolelis/video_downloader/internal/telemetry"
)

const DefaultContentType = "image/jpeg"

var ErrInvalidURL = errors.New("url must be an absolute http or https URL")

// UpstreamFetchError is returned when the upstream image cannot be relayed.
type UpstreamFetchError struct {
	URL        string
	StatusCode int    // upstream status, 0 when no response was received
	Reason     string // human-readable cause
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	return "Failed to fetch image: " + e.Reason
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// Image is a relayed upstream body.
type Image struct {
	Body        []byte
	ContentType string
}

type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	telemetry *telemetry.Telemetry
}

// NewFetcher creates a Fetcher. Bodies larger than maxBytes are rejected.
func NewFetcher(timeout time.Duration, maxBytes int64, userAgent string, tel *telemetry.Telemetry) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBytes:  maxBytes,
		userAgent: userAgent,
		telemetry: tel,
	}
}

// ValidateURL checks that raw is something the proxy is willing to fetch.
func ValidateURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("url is required: %w", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}

	return u, nil
}

// Fetch downloads the image at raw.
func (f *Fetcher) Fetch(ctx context.Context, raw string) (*Image, error) {
	logger := logctx.LoggerFromContext(ctx)

	u, err := ValidateURL(raw)
	if err != nil {
		return nil, err
	}

	img, err := f.fetch(ctx, u)
	if err != nil {
		logger.WarnContext(ctx, "image proxy fetch failed", "url", raw, "err", err)
		f.telemetry.RecordProxyFetch(ctx, "error", 0)

		return nil, err
	}

	logger.DebugContext(ctx, "image proxied", "url", raw, "size", humanize.Bytes(uint64(len(img.Body))))
	f.telemetry.RecordProxyFetch(ctx, "success", int64(len(img.Body)))

	return img, nil
}

func (f *Fetcher) fetch(ctx context.Context, u *url.URL) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &UpstreamFetchError{URL: u.String(), Reason: err.Error(), Err: err}
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UpstreamFetchError{URL: u.String(), Reason: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamFetchError{
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("upstream returned %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &UpstreamFetchError{URL: u.String(), StatusCode: resp.StatusCode, Reason: err.Error(), Err: err}
	}

	if int64(len(body)) > f.maxBytes {
		return nil, &UpstreamFetchError{
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Reason:     "image larger than " + humanize.Bytes(uint64(f.maxBytes)),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}

	return &Image{Body: body, ContentType: contentType}, nil
}
