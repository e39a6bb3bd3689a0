// Package safety gates every local-overwriting sync operation behind a
// hash-verified backup ledger. Safety failures are surfaced, never
// auto-resolved: there is no silent overwrite path.
package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/filesynchub/filesynchub/internal/fsutil"
	"github.com/filesynchub/filesynchub/internal/syncerr"
)

// DefaultMaxBackups is the retention cap per original filename.
const DefaultMaxBackups = 5

type snapshot struct {
	hash       string
	mtime      time.Time
	size       int64
	backupPath string
}

// Ledger tracks the last observed state of every synced path and keeps
// rotating, hash-verified backups in a backup directory. The snapshot map
// is guarded by a reader/writer lock; backup writes for a path are
// serialized through the same lock.
type Ledger struct {
	mu         sync.RWMutex
	snapshots  map[string]snapshot
	backupDir  string
	maxBackups int
}

func NewLedger(backupDir string, maxBackups int) *Ledger {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &Ledger{
		snapshots:  make(map[string]snapshot),
		backupDir:  backupDir,
		maxBackups: maxBackups,
	}
}

// IsSafeToSync reports whether path may be synced without risking silent
// propagation of corrupted or unexpectedly-changed content.
//
// First observation establishes the safe baseline: a backup is created and
// the call returns true. An unmodified file returns true with no new
// backup. A modified file is safe only when the backup of its prior
// content still verifies; the new content then becomes the baseline.
func (l *Ledger) IsSafeToSync(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, syncerr.E(syncerr.KindIO, "stat", path, err)
	}
	hash, err := fsutil.FileHash(path)
	if err != nil {
		return false, syncerr.E(syncerr.KindIO, "hash", path, err)
	}

	l.mu.RLock()
	snap, known := l.snapshots[path]
	l.mu.RUnlock()

	if !known {
		if err := l.CreateBackup(path); err != nil {
			return false, err
		}
		return true, nil
	}

	if snap.hash == hash && snap.size == info.Size() && snap.mtime.Equal(info.ModTime()) {
		return true, nil
	}

	// The file drifted since last observation. It is a legitimate edit only
	// if the prior content is still recoverable from a verified backup.
	if snap.backupPath != "" {
		if ok, err := verifyBackup(snap.backupPath, snap.hash); err == nil && ok {
			if err := l.CreateBackup(path); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	return false, nil
}

// CreateBackup copies path into the backup store under a name derived from
// the filename and content hash, verifies the copy against the source
// hash, records the new baseline snapshot and prunes old backups beyond
// the retention cap, oldest by modification time first.
func (l *Ledger) CreateBackup(path string) error {
	hash, err := fsutil.FileHash(path)
	if err != nil {
		return syncerr.E(syncerr.KindIO, "hash", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return syncerr.E(syncerr.KindIO, "stat", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := fsutil.EnsureDir(l.backupDir); err != nil {
		return syncerr.E(syncerr.KindIO, "backup-dir", l.backupDir, err)
	}

	backupPath := filepath.Join(l.backupDir, fmt.Sprintf("%s_%s", filepath.Base(path), hash))
	if err := fsutil.CopyFile(path, backupPath); err != nil {
		return syncerr.E(syncerr.KindIO, "backup", path, err)
	}

	// A backup record exists only once the copy matches the source hash.
	copyHash, err := fsutil.FileHash(backupPath)
	if err != nil {
		return syncerr.E(syncerr.KindIO, "verify-backup", backupPath, err)
	}
	if copyHash != hash {
		os.Remove(backupPath)
		return syncerr.E(syncerr.KindSafety, "backup", path, syncerr.ErrIntegrity)
	}

	l.snapshots[path] = snapshot{
		hash:       hash,
		mtime:      info.ModTime(),
		size:       info.Size(),
		backupPath: backupPath,
	}

	return l.pruneBackups(filepath.Base(path))
}

// pruneBackups keeps at most maxBackups backups for filename. Caller holds mu.
func (l *Ledger) pruneBackups(filename string) error {
	entries, err := os.ReadDir(l.backupDir)
	if err != nil {
		return syncerr.E(syncerr.KindIO, "prune", l.backupDir, err)
	}

	prefix := filename + "_"
	type backup struct {
		path  string
		mtime time.Time
	}
	var backups []backup
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) <= len(prefix) || e.Name()[:len(prefix)] != prefix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:  filepath.Join(l.backupDir, e.Name()),
			mtime: info.ModTime(),
		})
	}

	// newest first
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].mtime.Equal(backups[j].mtime) {
			return backups[i].mtime.After(backups[j].mtime)
		}
		return backups[i].path > backups[j].path
	})

	for _, old := range backups[min(len(backups), l.maxBackups):] {
		if err := os.Remove(old.path); err != nil {
			return syncerr.E(syncerr.KindIO, "prune", old.path, err)
		}
	}
	return nil
}

// VerifyFileIntegrity recomputes the hash of path and compares it against
// the last recorded snapshot. Used after downloads to catch corruption.
func (l *Ledger) VerifyFileIntegrity(path string) (bool, error) {
	l.mu.RLock()
	snap, known := l.snapshots[path]
	l.mu.RUnlock()

	if !known {
		return false, nil
	}

	hash, err := fsutil.FileHash(path)
	if err != nil {
		return false, syncerr.E(syncerr.KindIO, "hash", path, err)
	}
	return hash == snap.hash, nil
}

// RestoreFromBackup copies the most recent verified backup over path.
func (l *Ledger) RestoreFromBackup(path string) error {
	l.mu.RLock()
	snap, known := l.snapshots[path]
	l.mu.RUnlock()

	if known && snap.backupPath != "" {
		if ok, err := verifyBackup(snap.backupPath, snap.hash); err == nil && ok {
			if err := fsutil.CopyFile(snap.backupPath, path); err != nil {
				return syncerr.E(syncerr.KindIO, "restore", path, err)
			}
			return nil
		}
	}

	return syncerr.E(syncerr.KindSafety, "restore", path, syncerr.ErrNoBackup)
}

// Forget drops the snapshot for path. Backup files are left in place.
func (l *Ledger) Forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.snapshots, path)
}

func verifyBackup(backupPath, expectedHash string) (bool, error) {
	hash, err := fsutil.FileHash(backupPath)
	if err != nil {
		return false, err
	}
	return hash == expectedHash, nil
}
