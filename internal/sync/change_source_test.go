package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSource(t *testing.T, debounce time.Duration) (*ChangeSource, string) {
	t.Helper()
	dir := t.TempDir()

	// tmpdir may live behind a symlink (e.g. /var -> /private/var on macOS)
	dir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	cs := NewChangeSource(dir, debounce)
	require.NoError(t, cs.Start())
	t.Cleanup(cs.Stop)
	return cs, dir
}

func waitEvent(t *testing.T, events <-chan ChangeEvent, timeout time.Duration) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(timeout):
		t.Fatal("timeout waiting for change event")
		return ChangeEvent{}
	}
}

func TestStartFailsOnMissingRoot(t *testing.T) {
	cs := NewChangeSource(filepath.Join(t.TempDir(), "missing"), 50*time.Millisecond)
	err := cs.Start()
	assert.Error(t, err)
}

func TestSingleWriteProducesOneEvent(t *testing.T) {
	cs, dir := startSource(t, 100*time.Millisecond)

	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	ev := waitEvent(t, cs.Events(), 3*time.Second)
	assert.Equal(t, file, ev.Path)
}

func TestBurstCoalescesToOneEventPerPath(t *testing.T) {
	cs, dir := startSource(t, 150*time.Millisecond)

	file := filepath.Join(dir, "burst.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(file, []byte{byte(i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	ev := waitEvent(t, cs.Events(), 3*time.Second)
	assert.Equal(t, file, ev.Path)

	// quiet period: the burst must not produce a second event
	select {
	case extra := <-cs.Events():
		t.Fatalf("unexpected second event for %s (kind %s)", extra.Path, extra.Kind)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestRemoveProducesDeletedEvent(t *testing.T) {
	cs, dir := startSource(t, 100*time.Millisecond)

	file := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.NoError(t, os.Remove(file))

	// create+write+remove within one window collapses last-wins
	ev := waitEvent(t, cs.Events(), 3*time.Second)
	assert.Equal(t, file, ev.Path)
	assert.Equal(t, Deleted, ev.Kind)
}

func TestRecreatedPathIsNotDeleted(t *testing.T) {
	cs, dir := startSource(t, 150*time.Millisecond)

	// remove and recreate inside one window: the path exists at flush
	// time, so whatever raw order the OS delivered, this is not a delete
	file := filepath.Join(dir, "phoenix.txt")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))
	require.NoError(t, os.Remove(file))
	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))

	ev := waitEvent(t, cs.Events(), 3*time.Second)
	assert.Equal(t, file, ev.Path)
	assert.NotEqual(t, Deleted, ev.Kind)
}

func TestIgnoreOnceSuppressesEcho(t *testing.T) {
	cs, dir := startSource(t, 100*time.Millisecond)

	file := filepath.Join(dir, "echo.txt")
	cs.IgnoreOnce(file)
	require.NoError(t, os.WriteFile(file, []byte("self write"), 0o644))

	select {
	case ev := <-cs.Events():
		t.Fatalf("expected no event, got %s for %s", ev.Kind, ev.Path)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestFilterPathsDropsRawEvents(t *testing.T) {
	cs, dir := startSource(t, 100*time.Millisecond)
	cs.FilterPaths(func(path string) bool {
		return filepath.Ext(path) == ".tmp"
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.txt"), []byte("x"), 0o644))

	ev := waitEvent(t, cs.Events(), 3*time.Second)
	assert.Equal(t, filepath.Join(dir, "kept.txt"), ev.Path)
}

func TestStopDeliversPendingAtMostOnce(t *testing.T) {
	// race Stop against the debounce timer from every side of the window
	for i := 0; i < 40; i++ {
		dir, err := filepath.EvalSymlinks(t.TempDir())
		require.NoError(t, err)

		cs := NewChangeSource(dir, 20*time.Millisecond)
		require.NoError(t, cs.Start())

		file := filepath.Join(dir, "churn.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

		time.Sleep(time.Duration(i%5) * 7 * time.Millisecond)
		cs.Stop()

		count := 0
		for ev := range cs.Events() {
			if ev.Path == file {
				count++
			}
		}
		assert.LessOrEqual(t, count, 1, "iteration %d delivered %d events", i, count)
	}
}

func TestEventsOnDistinctPathsAreIndependent(t *testing.T) {
	cs, dir := startSource(t, 100*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("2"), 0o644))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, cs.Events(), 3*time.Second)
		seen[filepath.Base(ev.Path)] = true
	}
	assert.True(t, seen["one.txt"])
	assert.True(t, seen["two.txt"])
}
