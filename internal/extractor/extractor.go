// Package extractor wraps the external video extraction tool (yt-dlp). The
// rest of the service only sees the Extractor interface.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Extractor fetches metadata for a URL and downloads one format of it to disk.
type Extractor interface {
	Info(ctx context.Context, url string) (*VideoInfo, error)
	// Download blocks until the attempt finishes. onProgress receives display
	// strings such as "45.3%" and may be called from another goroutine.
	Download(ctx context.Context, attempt Attempt, onProgress func(string)) error
}

// Attempt is one immutable download configuration.
type Attempt struct {
	URL    string
	Format string
	Output string
}

// WithFormat returns a copy of a with its format replaced.
func (a Attempt) WithFormat(format string) Attempt {
	a.Format = format

	return a
}

type FormatType string

const (
	FormatVideo FormatType = "Video"
	FormatAudio FormatType = "Audio"
)

// Format is a downloadable variant as presented to clients.
type Format struct {
	FormatID string     `json:"format_id"`
	Quality  string     `json:"quality"`
	Type     FormatType `json:"type"`
	Size     int64      `json:"size"`
}

// VideoInfo is the client-facing metadata summary.
type VideoInfo struct {
	Title     string   `json:"title"`
	Thumbnail string   `json:"thumbnail"`
	Duration  string   `json:"duration"`
	Formats   []Format `json:"formats"`
}

type rawFormat struct {
	FormatID   string   `json:"format_id"`
	FormatNote string   `json:"format_note"`
	Ext        string   `json:"ext"`
	VCodec     *string  `json:"vcodec"`
	ACodec     *string  `json:"acodec"`
	Filesize   *float64 `json:"filesize"`
}

type rawInfo struct {
	Title          string      `json:"title"`
	Thumbnail      string      `json:"thumbnail"`
	DurationString string      `json:"duration_string"`
	Formats        []rawFormat `json:"formats"`
}

// ParseInfo decodes the single-JSON dump of the extraction tool into a
// VideoInfo, dropping formats that carry neither a video nor an audio codec.
func ParseInfo(data []byte) (*VideoInfo, error) {
	var raw rawInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode extractor output: %w", err)
	}

	info := &VideoInfo{
		Title:     raw.Title,
		Thumbnail: raw.Thumbnail,
		Duration:  raw.DurationString,
		Formats:   make([]Format, 0, len(raw.Formats)),
	}

	for _, f := range raw.Formats {
		if format, ok := f.toFormat(); ok {
			info.Formats = append(info.Formats, format)
		}
	}

	return info, nil
}

func (f rawFormat) toFormat() (Format, bool) {
	video := codecUsable(f.VCodec)
	audio := codecUsable(f.ACodec)

	if !video && !audio {
		return Format{}, false
	}

	out := Format{
		FormatID: f.FormatID,
		Quality:  f.FormatNote,
		Type:     FormatAudio,
	}

	if out.Quality == "" {
		out.Quality = f.Ext
	}

	if video {
		out.Type = FormatVideo
	}

	if f.Filesize != nil && *f.Filesize > 0 {
		out.Size = int64(*f.Filesize)
	}

	return out, true
}

func codecUsable(codec *string) bool {
	return codec != nil && *codec != "" && *codec != "none"
}

// PercentString renders download progress the way clients display it. ok is
// false while the total size is still unknown.
func PercentString(downloaded, total int) (string, bool) {
	if total <= 0 {
		return "", false
	}

	pct := float64(downloaded) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}

	return fmt.Sprintf("%.1f%%", pct), true
}
