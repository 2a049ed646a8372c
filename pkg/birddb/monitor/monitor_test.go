package monitor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/birddb/pkg/birddb/monitor"
)

func newMonitor(t *testing.T) (*monitor.Monitor, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")

	err := os.WriteFile(path, []byte("initial"), 0o600)
	require.NoError(t, err)

	m, err := monitor.New(path, 1, monitor.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m, path
}

func waitSignal(t *testing.T, m *monitor.Monitor) {
	t.Helper()

	select {
	case <-m.Signals():
	case <-time.After(5 * time.Second):
		t.Fatal("no signal")
	}
}

func noSignal(t *testing.T, m *monitor.Monitor) {
	t.Helper()

	select {
	case <-m.Signals():
		t.Fatal("unexpected signal")
	case <-time.After(200 * time.Millisecond):
	}
}

func appendTo(t *testing.T, path string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)

	_, err = f.WriteString("more")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func Test_Monitor_Signals_When_Main_File_Is_Written(t *testing.T) {
	t.Parallel()

	m, path := newMonitor(t)

	appendTo(t, path)
	waitSignal(t, m)
}

func Test_Monitor_Signals_When_Wal_File_Is_Created(t *testing.T) {
	t.Parallel()

	m, path := newMonitor(t)

	appendTo(t, path+"-wal")
	waitSignal(t, m)
}

func Test_Monitor_Ignores_Unrelated_Files_In_Directory(t *testing.T) {
	t.Parallel()

	m, path := newMonitor(t)

	appendTo(t, path+"-shm")
	appendTo(t, filepath.Join(filepath.Dir(path), "other.txt"))
	noSignal(t, m)
}

func Test_Monitor_Drops_Events_When_Change_Is_Expected(t *testing.T) {
	t.Parallel()

	m, path := newMonitor(t)

	m.BeginExpectedChange(7)
	require.True(t, m.ExpectingChanges())

	appendTo(t, path)
	noSignal(t, m)

	m.EndExpectedChange(7)
	require.False(t, m.ExpectingChanges())

	appendTo(t, path)
	waitSignal(t, m)
}

func Test_Monitor_Coalesces_Bursts_Into_One_Pending_Signal(t *testing.T) {
	t.Parallel()

	m, path := newMonitor(t)

	for range 20 {
		appendTo(t, path)
	}

	waitSignal(t, m)
	assert.LessOrEqual(t, len(m.Signals()), 1)
}

func Test_Reconcile_Reports_Only_Version_Changes(t *testing.T) {
	t.Parallel()

	m, _ := newMonitor(t)

	assert.False(t, m.Reconcile(1))
	assert.True(t, m.Reconcile(2))
	assert.False(t, m.Reconcile(2))
	assert.Equal(t, int64(2), m.Version())
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	m, _ := newMonitor(t)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func Test_New_Fails_When_Directory_Is_Missing(t *testing.T) {
	t.Parallel()

	_, err := monitor.New(filepath.Join(t.TempDir(), "missing", "app.db"), 0, monitor.Options{})
	require.Error(t, err)
}
