// Package retention owns the on-disk lifetime of downloaded artifacts.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/video_downloader/internal/logctx"
	"github.com/italolelis/video_downloader/internal/telemetry"
)

const (
	artifactPrefix  = "temp_"
	artifactExt     = ".mp4"
	artifactPattern = artifactPrefix + "*" + artifactExt
)

// Deletion triggers, also used as the metric label.
const (
	TriggerExpiry   = "expiry"
	TriggerServed   = "served"
	TriggerFailed   = "failed"
	TriggerPartial  = "partial"
	TriggerSweep    = "sweep"
	TriggerShutdown = "shutdown"
)

// Registry is the subset of the job registry the manager needs.
type Registry interface {
	Delete(id string)
}

// Manager deletes artifacts after a retention window or once they are served.
type Manager struct {
	dir       string
	retention time.Duration
	registry  Registry
	telemetry *telemetry.Telemetry

	mu     sync.Mutex
	timers map[string]*pending
	closed bool
}

// pending is one scheduled expiry. Its identity tells a firing timer
// whether it is still the current schedule for its id.
type pending struct {
	timer *time.Timer
}

// New creates a Manager for artifacts stored in dir.
func New(dir string, retention time.Duration, registry Registry, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		dir:       dir,
		retention: retention,
		registry:  registry,
		telemetry: tel,
		timers:    make(map[string]*pending),
	}
}

// ArtifactName returns the file name of the artifact for a job id.
func ArtifactName(id string) string {
	return artifactPrefix + id + artifactExt
}

// ArtifactPath returns where the artifact for id lives. Callers must
// validate id before using the path.
func (m *Manager) ArtifactPath(id string) string {
	return filepath.Join(m.dir, ArtifactName(id))
}

// ScheduleExpiry arranges for the artifact and the registry entry of id to
// be removed once the retention window elapses. Rescheduling an id resets
// its timer.
func (m *Manager) ScheduleExpiry(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if prev, ok := m.timers[id]; ok {
		prev.timer.Stop()
	}

	p := &pending{}
	p.timer = time.AfterFunc(m.retention, func() {
		m.expire(ctx, id, p)
	})
	m.timers[id] = p

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "artifact expiry scheduled", "after", m.retention)
}

func (m *Manager) expire(ctx context.Context, id string, p *pending) {
	m.mu.Lock()
	if m.timers[id] != p {
		// rescheduled or closed while this one was firing
		m.mu.Unlock()

		return
	}

	delete(m.timers, id)
	m.mu.Unlock()

	m.Remove(ctx, id, TriggerExpiry)
	m.registry.Delete(id)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "job expired")
}

// Release deletes the artifact after it was streamed to a client. The
// registry entry stays until its expiry fires.
func (m *Manager) Release(ctx context.Context, id string) {
	m.Remove(ctx, id, TriggerServed)
}

// Remove deletes the artifact of id. A missing file is not an error.
func (m *Manager) Remove(ctx context.Context, id, trigger string) bool {
	return m.removeFile(ctx, m.ArtifactPath(id), trigger)
}

func (m *Manager) removeFile(ctx context.Context, path, trigger string) bool {
	logger := logctx.LoggerFromContext(ctx).With("file", path, "trigger", trigger)

	var size uint64
	if info, err := os.Stat(path); err == nil {
		size = uint64(info.Size())
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.DebugContext(ctx, "artifact already gone")
			m.telemetry.RecordArtifactDeletion(ctx, trigger, "absent")

			return false
		}

		logger.WarnContext(ctx, "failed to delete artifact", "err", err)
		m.telemetry.RecordArtifactDeletion(ctx, trigger, "error")

		return false
	}

	logger.InfoContext(ctx, "artifact deleted", "size", humanize.Bytes(size))
	m.telemetry.RecordArtifactDeletion(ctx, trigger, "success")

	return true
}

// Sweep deletes artifacts left in the download directory by a previous
// process whose timers were lost. Only files older than the retention window
// are removed. It returns the number of files deleted.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read download dir %s: %w", m.dir, err)
	}

	cutoff := time.Now().Add(-m.retention)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if ok, _ := filepath.Match(artifactPattern, entry.Name()); !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			logger.WarnContext(ctx, "failed to stat artifact", "file", entry.Name(), "err", err)

			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if m.removeFile(ctx, filepath.Join(m.dir, entry.Name()), TriggerSweep) {
			removed++
		}
	}

	logger.InfoContext(ctx, "artifact sweep finished", "removed", removed)

	return removed, nil
}

// Pending returns the number of scheduled expiries.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.timers)
}

// Close stops all pending timers and deletes their artifacts. Later calls
// to ScheduleExpiry are ignored.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	timers := m.timers
	m.timers = make(map[string]*pending)
	m.mu.Unlock()

	for id, p := range timers {
		if !p.timer.Stop() || ctx.Err() != nil {
			continue
		}

		m.Remove(logctx.WithJobID(ctx, id), id, TriggerShutdown)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retention shutdown interrupted: %w", err)
	}

	return nil
}
