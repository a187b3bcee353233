package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu      sync.Mutex
	deleted []string
}

func (r *fakeRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleted = append(r.deleted, id)
}

func (r *fakeRegistry) Deleted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.deleted...)
}

func writeArtifact(t *testing.T, m *Manager, id string) string {
	t.Helper()

	path := m.ArtifactPath(id)
	require.NoError(t, os.WriteFile(path, []byte("video bytes"), 0o600))

	return path
}

func TestArtifactPath(t *testing.T) {
	m := New("/srv/downloads", time.Minute, &fakeRegistry{}, nil)

	assert.Equal(t, "temp_abc.mp4", ArtifactName("abc"))
	assert.Equal(t, filepath.Join("/srv/downloads", "temp_abc.mp4"), m.ArtifactPath("abc"))
}

func TestScheduleExpiry_DeletesFileAndEntry(t *testing.T) {
	reg := &fakeRegistry{}
	m := New(t.TempDir(), 20*time.Millisecond, reg, nil)
	path := writeArtifact(t, m, "job-1")

	m.ScheduleExpiry(context.Background(), "job-1")
	assert.Equal(t, 1, m.Pending())

	require.Eventually(t, func() bool {
		return len(reg.Deleted()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"job-1"}, reg.Deleted())
	assert.NoFileExists(t, path)
	assert.Equal(t, 0, m.Pending())
}

func TestScheduleExpiry_ToleratesMissingFile(t *testing.T) {
	reg := &fakeRegistry{}
	m := New(t.TempDir(), 10*time.Millisecond, reg, nil)

	m.ScheduleExpiry(context.Background(), "never-written")

	require.Eventually(t, func() bool {
		return len(reg.Deleted()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleExpiry_RescheduleResetsTimer(t *testing.T) {
	reg := &fakeRegistry{}
	m := New(t.TempDir(), 50*time.Millisecond, reg, nil)

	m.ScheduleExpiry(context.Background(), "job-1")
	m.ScheduleExpiry(context.Background(), "job-1")
	assert.Equal(t, 1, m.Pending())

	require.Eventually(t, func() bool {
		return len(reg.Deleted()) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, reg.Deleted(), 1)
}

func TestScheduleExpiry_TinyWindowAlwaysExpires(t *testing.T) {
	reg := &fakeRegistry{}
	m := New(t.TempDir(), time.Nanosecond, reg, nil)

	const jobs = 200

	paths := make([]string, 0, jobs)

	for i := range jobs {
		id := fmt.Sprintf("job-%d", i)
		paths = append(paths, writeArtifact(t, m, id))
		m.ScheduleExpiry(context.Background(), id)
	}

	require.Eventually(t, func() bool {
		return len(reg.Deleted()) == jobs
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Pending())

	for _, path := range paths {
		assert.NoFileExists(t, path)
	}
}

func TestRelease_KeepsRegistryEntry(t *testing.T) {
	reg := &fakeRegistry{}
	m := New(t.TempDir(), time.Hour, reg, nil)
	path := writeArtifact(t, m, "job-1")

	m.Release(context.Background(), "job-1")

	assert.NoFileExists(t, path)
	assert.Empty(t, reg.Deleted())

	// second release of the same artifact is a no-op
	assert.NotPanics(t, func() { m.Release(context.Background(), "job-1") })
}

func TestRemove_ReportsWhetherDeleted(t *testing.T) {
	m := New(t.TempDir(), time.Hour, &fakeRegistry{}, nil)
	writeArtifact(t, m, "job-1")

	assert.True(t, m.Remove(context.Background(), "job-1", TriggerFailed))
	assert.False(t, m.Remove(context.Background(), "job-1", TriggerFailed))
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, time.Hour, &fakeRegistry{}, nil)

	old := time.Now().Add(-2 * time.Hour)

	stale := writeArtifact(t, m, "stale")
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := writeArtifact(t, m, "fresh")

	unrelated := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o600))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "temp_dir.mp4"), 0o700))

	removed, err := m.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated)
	assert.DirExists(t, filepath.Join(dir, "temp_dir.mp4"))
}

func TestSweep_MissingDir(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "missing"), time.Hour, &fakeRegistry{}, nil)

	_, err := m.Sweep(context.Background())
	require.Error(t, err)
}

func TestClose_DeletesPendingArtifacts(t *testing.T) {
	reg := &fakeRegistry{}
	m := New(t.TempDir(), time.Hour, reg, nil)
	path := writeArtifact(t, m, "job-1")

	m.ScheduleExpiry(context.Background(), "job-1")
	require.NoError(t, m.Close(context.Background()))

	assert.NoFileExists(t, path)
	assert.Equal(t, 0, m.Pending())

	m.ScheduleExpiry(context.Background(), "job-2")
	assert.Equal(t, 0, m.Pending(), "scheduling after close is ignored")
}

func TestClose_CanceledContext(t *testing.T) {
	m := New(t.TempDir(), time.Hour, &fakeRegistry{}, nil)
	path := writeArtifact(t, m, "job-1")

	m.ScheduleExpiry(context.Background(), "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, m.Close(ctx), context.Canceled)
	assert.FileExists(t, path)
	assert.Equal(t, 0, m.Pending())
}
