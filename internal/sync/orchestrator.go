package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/filesynchub/filesynchub/internal/backend"
	"github.com/filesynchub/filesynchub/internal/cache"
	"github.com/filesynchub/filesynchub/internal/config"
	"github.com/filesynchub/filesynchub/internal/fsutil"
	"github.com/filesynchub/filesynchub/internal/safety"
	"github.com/filesynchub/filesynchub/internal/syncerr"
	"github.com/filesynchub/filesynchub/internal/transfer"
)

// State is the orchestrator's lifecycle position for one folder mapping.
type State uint8

const (
	StateIdle State = iota
	StateWatching
	StateSyncing
)

var stateNames = []string{"idle", "watching", "syncing"}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Orchestrator reconciles one FolderMapping against one remote backend.
// It consumes debounced local events and polled remote items through a
// single loop, so simultaneous local+remote changes to the same path
// resolve by an explicit first-observed-wins policy. Any error returns the
// orchestrator to Watching with the error surfaced; the mapping keeps
// running.
type Orchestrator struct {
	mapping config.FolderMapping
	remote  backend.RemoteBackend
	engine  *transfer.Engine
	ledger  *safety.Ledger
	cache   *cache.ContentCache
	source  *ChangeSource
	ignore  *IgnoreList
	stats   *Stats

	mu          stdsync.RWMutex
	state       State
	syncingPath string
}

func NewOrchestrator(
	mapping config.FolderMapping,
	remote backend.RemoteBackend,
	engine *transfer.Engine,
	ledger *safety.Ledger,
	contentCache *cache.ContentCache,
	debounce time.Duration,
) *Orchestrator {
	source := NewChangeSource(mapping.LocalPath, debounce)
	ignore := NewIgnoreList()

	localRoot := mapping.LocalPath
	source.FilterPaths(func(p string) bool {
		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return true
		}
		return ignore.ShouldIgnore(filepath.ToSlash(rel))
	})

	return &Orchestrator{
		mapping: mapping,
		remote:  remote,
		engine:  engine,
		ledger:  ledger,
		cache:   contentCache,
		source:  source,
		ignore:  ignore,
		stats:   &Stats{},
	}
}

// Stats exposes the mapping's activity counters.
func (o *Orchestrator) Stats() *Stats { return o.stats }

// State reports the current lifecycle state and, while syncing, the path
// being synced.
func (o *Orchestrator) State() (State, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state, o.syncingPath
}

func (o *Orchestrator) setState(s State, path string) {
	o.mu.Lock()
	o.state = s
	o.syncingPath = path
	o.mu.Unlock()
}

// Run watches both sides of the mapping until ctx is done. Watcher setup
// failure is fatal to this mapping only. In-flight chunk transfers drain
// to completion before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.source.Start(); err != nil {
		return fmt.Errorf("mapping %s: %w", o.mapping.LocalPath, err)
	}
	defer o.source.Stop()

	o.setState(StateWatching, "")
	defer o.setState(StateIdle, "")

	remoteItems := make(chan backend.RemoteItem, eventBufferSize)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		err := o.remote.WatchRemoteChanges(ctx, o.mapping.RemotePath, remoteItems)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("remote watch stopped", "backend", o.remote.Name(), "remote", o.mapping.RemotePath, "error", err)
		}
	}()

	slog.Info("reconciliation start",
		"backend", o.remote.Name(),
		"local", o.mapping.LocalPath,
		"remote", o.mapping.RemotePath)

	for {
		select {
		case <-ctx.Done():
			<-watchDone
			slog.Info("reconciliation stop", "local", o.mapping.LocalPath, "stats", o.stats.Summary())
			return nil

		case event, ok := <-o.source.Events():
			if !ok {
				<-watchDone
				return nil
			}
			o.handle(ctx, event.Path, func() error {
				return o.handleLocalEvent(ctx, event)
			})

		case item := <-remoteItems:
			o.handle(ctx, item.Name, func() error {
				return o.handleRemoteItem(ctx, item)
			})
		}
	}
}

// handle runs one sync operation through the Watching -> Syncing ->
// Watching transition, surfacing failures without stopping the mapping.
func (o *Orchestrator) handle(ctx context.Context, path string, fn func() error) {
	o.setState(StateSyncing, path)
	defer o.setState(StateWatching, "")

	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		o.stats.Failures.Add(1)
		slog.Error("sync failed",
			"backend", o.remote.Name(),
			"local_root", o.mapping.LocalPath,
			"path", path,
			"error", err)
	}
}

// remotePathFor relocates a local path under the mapping root onto the
// remote prefix.
func (o *Orchestrator) remotePathFor(localPath string) (string, error) {
	rel, err := filepath.Rel(o.mapping.LocalPath, localPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", syncerr.E(syncerr.KindValidation, "map-path", localPath,
			fmt.Errorf("path outside watched root %s", o.mapping.LocalPath))
	}
	return path.Join(strings.TrimSuffix(o.mapping.RemotePath, "/"), filepath.ToSlash(rel)), nil
}

// localPathFor relocates a remote item name under the mapping's local root.
func (o *Orchestrator) localPathFor(name string) string {
	return filepath.Join(o.mapping.LocalPath, filepath.FromSlash(name))
}

func (o *Orchestrator) handleLocalEvent(ctx context.Context, event ChangeEvent) error {
	remotePath, err := o.remotePathFor(event.Path)
	if err != nil {
		return err
	}

	switch event.Kind {
	case Deleted:
		return o.handleLocalDelete(ctx, event.Path, remotePath)
	default:
		return o.handleLocalWrite(ctx, event.Path, remotePath)
	}
}

// handleLocalDelete removes the remote counterpart directly. No safety
// gate is needed: a backup already exists from prior observation.
func (o *Orchestrator) handleLocalDelete(ctx context.Context, localPath, remotePath string) error {
	if err := o.remote.Delete(ctx, remotePath); err != nil {
		return fmt.Errorf("delete %s: %w", remotePath, err)
	}

	if err := o.cache.RemoveEntry(localPath); err != nil {
		slog.Warn("cache entry removal failed", "path", localPath, "error", err)
	}
	o.engine.Forget(localPath)
	o.ledger.Forget(localPath)

	o.stats.Deletes.Add(1)
	slog.Info("sync", "op", "delete-remote", "backend", o.remote.Name(), "path", remotePath)
	return nil
}

func (o *Orchestrator) handleLocalWrite(ctx context.Context, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			// raced with a deletion; the Deleted event follows
			return nil
		}
		return syncerr.E(syncerr.KindIO, "stat", localPath, err)
	}

	if info.IsDir() {
		if _, err := o.remote.CreateDirectory(ctx, remotePath); err != nil {
			return fmt.Errorf("create directory %s: %w", remotePath, err)
		}
		o.stats.DirCreates.Add(1)
		slog.Info("sync", "op", "mkdir-remote", "backend", o.remote.Name(), "path", remotePath)
		return nil
	}

	// A cache hit is only authoritative after re-hashing current bytes.
	hash, err := fsutil.FileHash(localPath)
	if err != nil {
		return syncerr.E(syncerr.KindIO, "hash", localPath, err)
	}
	if entry, err := o.cache.GetEntry(localPath); err == nil && entry != nil &&
		entry.Hash == hash && entry.Size == info.Size() {
		o.stats.Skipped.Add(1)
		slog.Debug("sync skip", "reason", "unchanged content", "path", localPath)
		return nil
	}

	safe, err := o.ledger.IsSafeToSync(localPath)
	if err != nil {
		return err
	}
	if !safe {
		o.stats.SafetyBlocks.Add(1)
		return syncerr.E(syncerr.KindSafety, "upload", localPath, syncerr.ErrNotSafe)
	}

	// re-chunk current content rather than trust stale metadata
	o.engine.Forget(localPath)
	err = o.engine.UploadChunks(ctx, localPath, func(ctx context.Context, data []byte, offset int64) error {
		return o.remote.UploadChunk(ctx, remotePath, data, offset)
	})
	if err != nil {
		// a partial upload may have reached the remote; the next event or
		// poll re-verifies, never this call
		return syncerr.E(syncerr.KindNetwork, "upload", localPath, err)
	}

	// a shrunken file must not keep its old tail bytes on the remote
	if err := o.remote.FinalizeUpload(ctx, remotePath, info.Size()); err != nil {
		return syncerr.E(syncerr.KindNetwork, "upload", localPath, err)
	}

	now := time.Now()
	if err := o.cache.SetEntry(&cache.Entry{
		Path:     localPath,
		Hash:     hash,
		Size:     info.Size(),
		MTime:    info.ModTime(),
		LastSync: now,
	}); err != nil {
		slog.Warn("cache entry update failed", "path", localPath, "error", err)
	}

	o.stats.Uploads.Add(1)
	o.stats.BytesUploaded.Add(info.Size())
	slog.Info("sync", "op", "upload", "backend", o.remote.Name(), "path", remotePath, "size", info.Size())
	return nil
}

func (o *Orchestrator) handleRemoteItem(ctx context.Context, item backend.RemoteItem) error {
	if o.ignore.ShouldIgnore(item.Name) {
		return nil
	}

	localPath := o.localPathFor(item.Name)

	if item.IsFolder {
		if err := fsutil.EnsureDir(localPath); err != nil {
			return syncerr.E(syncerr.KindIO, "mkdir", localPath, err)
		}
		return nil
	}

	// Download only if the remote is strictly newer or sizes differ; a tie
	// on both means already synced.
	if info, err := os.Stat(localPath); err == nil {
		if !item.Modified.After(info.ModTime()) && item.Size == info.Size() {
			o.stats.Skipped.Add(1)
			return nil
		}
	}

	remotePath := path.Join(strings.TrimSuffix(o.mapping.RemotePath, "/"), item.Name)

	// suppress the echo of our own write
	o.source.IgnoreOnce(localPath)

	err := o.engine.DownloadChunks(ctx, localPath, item.Size, func(ctx context.Context, offset, length int64) ([]byte, error) {
		return o.remote.DownloadChunk(ctx, remotePath, offset, length)
	})
	if err != nil {
		return syncerr.E(syncerr.KindNetwork, "download", localPath, err)
	}

	// The materialized file becomes the new baseline; verification then
	// catches corruption between write and verify.
	if err := o.ledger.CreateBackup(localPath); err != nil {
		return err
	}
	ok, err := o.ledger.VerifyFileIntegrity(localPath)
	if err != nil {
		return err
	}
	if !ok {
		if restoreErr := o.ledger.RestoreFromBackup(localPath); restoreErr != nil {
			slog.Error("restore after integrity failure", "path", localPath, "error", restoreErr)
		}
		return syncerr.E(syncerr.KindSafety, "verify", localPath, syncerr.ErrIntegrity)
	}

	hash, err := fsutil.FileHash(localPath)
	if err != nil {
		return syncerr.E(syncerr.KindIO, "hash", localPath, err)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return syncerr.E(syncerr.KindIO, "stat", localPath, err)
	}
	if err := o.cache.SetEntry(&cache.Entry{
		Path:     localPath,
		Hash:     hash,
		Size:     info.Size(),
		MTime:    info.ModTime(),
		LastSync: time.Now(),
	}); err != nil {
		slog.Warn("cache entry update failed", "path", localPath, "error", err)
	}

	o.stats.Downloads.Add(1)
	o.stats.BytesDownloaded.Add(item.Size)
	slog.Info("sync", "op", "download", "backend", o.remote.Name(), "path", localPath, "size", item.Size)
	return nil
}
