package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func countBackups(t *testing.T, backupDir string) int {
	t.Helper()
	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestFirstObservationIsSafeAndCreatesBackup(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "backups"), 5)

	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, []byte("test data"))

	safe, err := ledger.IsSafeToSync(file)
	require.NoError(t, err)
	assert.True(t, safe)
	assert.Equal(t, 1, countBackups(t, filepath.Join(dir, "backups")))
}

func TestIsSafeToSyncIdempotentOnUnmodifiedFile(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")
	ledger := NewLedger(backupDir, 5)

	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, []byte("stable content"))

	for i := 0; i < 2; i++ {
		safe, err := ledger.IsSafeToSync(file)
		require.NoError(t, err)
		assert.True(t, safe, "call %d", i)
	}
	assert.Equal(t, 1, countBackups(t, backupDir))
}

func TestModifiedFileWithVerifiedBackupIsSafe(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "backups"), 5)

	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, []byte("v1"))

	safe, err := ledger.IsSafeToSync(file)
	require.NoError(t, err)
	require.True(t, safe)

	writeFile(t, file, []byte("v2 edited"))

	safe, err = ledger.IsSafeToSync(file)
	require.NoError(t, err)
	assert.True(t, safe, "legitimate edit with intact backup")
}

func TestModifiedFileWithWipedBackupsIsUnsafe(t *testing.T) {
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")
	ledger := NewLedger(backupDir, 5)

	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, []byte("v1"))

	safe, err := ledger.IsSafeToSync(file)
	require.NoError(t, err)
	require.True(t, safe)

	// wipe the backup store, then modify the file
	require.NoError(t, os.RemoveAll(backupDir))
	writeFile(t, file, []byte("v2"))

	safe, err = ledger.IsSafeToSync(file)
	require.NoError(t, err)
	assert.False(t, safe)
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "backups"), 5)

	file := filepath.Join(dir, "test.txt")
	original := []byte("original data")
	writeFile(t, file, original)

	require.NoError(t, ledger.CreateBackup(file))

	// corrupt the file, then restore
	writeFile(t, file, []byte("CORRUPTED"))
	require.NoError(t, ledger.RestoreFromBackup(file))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestRestoreWithoutBackupFails(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "backups"), 5)

	err := ledger.RestoreFromBackup(filepath.Join(dir, "never-seen.txt"))
	assert.Error(t, err)
}

func TestVerifyFileIntegrity(t *testing.T) {
	dir := t.TempDir()
	ledger := NewLedger(filepath.Join(dir, "backups"), 5)

	file := filepath.Join(dir, "test.txt")
	writeFile(t, file, []byte("content"))

	// unknown path never verifies
	ok, err := ledger.VerifyFileIntegrity(file)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.CreateBackup(file))

	ok, err = ledger.VerifyFileIntegrity(file)
	require.NoError(t, err)
	assert.True(t, ok)

	writeFile(t, file, []byte("tampered"))
	ok, err = ledger.VerifyFileIntegrity(file)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupRotationKeepsMaxBackups(t *testing.T) {
	const maxBackups = 5
	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backups")
	ledger := NewLedger(backupDir, maxBackups)

	file := filepath.Join(dir, "test.txt")
	for i := 0; i < maxBackups+2; i++ {
		writeFile(t, file, []byte(fmt.Sprintf("data %d", i)))
		require.NoError(t, ledger.CreateBackup(file))
		// distinct mtimes so oldest-first pruning is deterministic
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, maxBackups, countBackups(t, backupDir))
}
