package extractor

import (
	"fmt"
	"strings"
)

// ExtractionError is returned when the extraction tool fails: unsupported or
// unavailable URL, unknown format id, network failure, non-zero exit.
type ExtractionError struct {
	Operation string // "info" or "download"
	URL       string
	Stderr    string // trailing stderr of the tool, if any
	Err       error
}

func (e *ExtractionError) Error() string {
	if msg := lastLine(e.Stderr); msg != "" {
		return msg
	}

	if e.Err != nil {
		return fmt.Sprintf("%s failed for %s: %v", e.Operation, e.URL, e.Err)
	}

	return fmt.Sprintf("%s failed for %s", e.Operation, e.URL)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// lastLine returns the last non-blank line of s, which is where yt-dlp puts
// its "ERROR: ..." summary.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}

	return ""
}
