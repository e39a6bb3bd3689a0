package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filesynchub/filesynchub/internal/config"
	"github.com/filesynchub/filesynchub/internal/fsutil"
	"github.com/filesynchub/filesynchub/internal/syncerr"
)

// LocalDirBackend mirrors a remote namespace onto a plain directory tree.
// It exercises the full RemoteBackend surface without any wire protocol,
// which makes it the integration-test adapter and a usable on-disk mirror.
type LocalDirBackend struct {
	name         string
	root         string
	pollInterval time.Duration
	mappings     []config.FolderMapping

	mu       sync.Mutex
	snapshot map[string]itemState
}

type itemState struct {
	size     int64
	modified time.Time
	isFolder bool
}

func NewLocalDirBackend(cfg config.BackendConfig, pollInterval time.Duration) (*LocalDirBackend, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("localdir backend %s: root is required", cfg.Name)
	}
	if err := fsutil.EnsureDir(cfg.Root); err != nil {
		return nil, fmt.Errorf("localdir backend %s: %w", cfg.Name, err)
	}
	return &LocalDirBackend{
		name:         cfg.Name,
		root:         cfg.Root,
		pollInterval: pollInterval,
		mappings:     cfg.Mappings,
		snapshot:     make(map[string]itemState),
	}, nil
}

func (b *LocalDirBackend) Name() string { return b.name }

func (b *LocalDirBackend) Mappings() []config.FolderMapping { return b.mappings }

// abs maps a slash-separated remote path into the backing directory.
func (b *LocalDirBackend) abs(remotePath string) string {
	rel := strings.TrimPrefix(path.Clean("/"+remotePath), "/")
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

func (b *LocalDirBackend) itemAt(absPath, name string) (*RemoteItem, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &RemoteItem{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(absPath)).String(),
		Name:     name,
		Size:     info.Size(),
		Modified: info.ModTime(),
		IsFolder: info.IsDir(),
	}, nil
}

func (b *LocalDirBackend) ListFiles(ctx context.Context, remotePath string) ([]RemoteItem, error) {
	base := b.abs(remotePath)
	var items []RemoteItem

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == base {
				return filepath.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == base {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		item, err := b.itemAt(p, filepath.ToSlash(rel))
		if err != nil || item == nil {
			return err
		}
		items = append(items, *item)
		return nil
	})
	if err != nil {
		return nil, syncerr.E(syncerr.KindNetwork, "list", remotePath, err)
	}
	return items, nil
}

func (b *LocalDirBackend) UploadFile(ctx context.Context, localPath, remotePath string) (*RemoteItem, error) {
	dst := b.abs(remotePath)
	if err := fsutil.CopyFile(localPath, dst); err != nil {
		return nil, syncerr.E(syncerr.KindNetwork, "upload", remotePath, err)
	}
	return b.itemAt(dst, path.Base(remotePath))
}

func (b *LocalDirBackend) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	if err := fsutil.CopyFile(b.abs(remotePath), localPath); err != nil {
		return syncerr.E(syncerr.KindNetwork, "download", remotePath, err)
	}
	return nil
}

func (b *LocalDirBackend) CreateDirectory(ctx context.Context, remotePath string) (*RemoteItem, error) {
	dst := b.abs(remotePath)
	if err := fsutil.EnsureDir(dst); err != nil {
		return nil, syncerr.E(syncerr.KindNetwork, "mkdir", remotePath, err)
	}
	return b.itemAt(dst, path.Base(remotePath))
}

func (b *LocalDirBackend) Delete(ctx context.Context, remotePath string) error {
	if err := os.RemoveAll(b.abs(remotePath)); err != nil {
		return syncerr.E(syncerr.KindNetwork, "delete", remotePath, err)
	}
	return nil
}

func (b *LocalDirBackend) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := os.Stat(b.abs(remotePath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, syncerr.E(syncerr.KindNetwork, "stat", remotePath, err)
	}
	return true, nil
}

func (b *LocalDirBackend) GetItem(ctx context.Context, remotePath string) (*RemoteItem, error) {
	return b.itemAt(b.abs(remotePath), path.Base(remotePath))
}

func (b *LocalDirBackend) UploadChunk(ctx context.Context, remotePath string, data []byte, offset int64) error {
	dst := b.abs(remotePath)
	if err := fsutil.EnsureParent(dst); err != nil {
		return syncerr.E(syncerr.KindNetwork, "upload-chunk", remotePath, err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return syncerr.E(syncerr.KindNetwork, "upload-chunk", remotePath, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return syncerr.E(syncerr.KindNetwork, "upload-chunk", remotePath, err)
	}
	return nil
}

// FinalizeUpload truncates (or creates) the remote file at exactly size
// bytes, discarding stale tail bytes left over when the source shrank.
func (b *LocalDirBackend) FinalizeUpload(ctx context.Context, remotePath string, size int64) error {
	dst := b.abs(remotePath)
	if err := fsutil.EnsureParent(dst); err != nil {
		return syncerr.E(syncerr.KindNetwork, "finalize-upload", remotePath, err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return syncerr.E(syncerr.KindNetwork, "finalize-upload", remotePath, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return syncerr.E(syncerr.KindNetwork, "finalize-upload", remotePath, err)
	}
	return nil
}

func (b *LocalDirBackend) DownloadChunk(ctx context.Context, remotePath string, offset, length int64) ([]byte, error) {
	f, err := os.Open(b.abs(remotePath))
	if err != nil {
		return nil, syncerr.E(syncerr.KindNetwork, "download-chunk", remotePath, err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, syncerr.E(syncerr.KindNetwork, "download-chunk", remotePath, err)
	}
	return buf, nil
}

// WatchRemoteChanges polls the prefix at the configured interval and emits
// items that are new or whose size/mtime changed since the last poll. The
// first poll reports everything already on the remote: a consumer that has
// a local counterpart suppresses the redundant download itself, while a
// remote-only file must be surfaced or it would never sync down.
func (b *LocalDirBackend) WatchRemoteChanges(ctx context.Context, remotePath string, sink chan<- RemoteItem) error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	b.poll(ctx, remotePath, sink)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.poll(ctx, remotePath, sink)
		}
	}
}

func (b *LocalDirBackend) poll(ctx context.Context, remotePath string, sink chan<- RemoteItem) {
	items, err := b.ListFiles(ctx, remotePath)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, item := range items {
		prev, seen := b.snapshot[item.Name]
		changed := !seen || prev.size != item.Size || !prev.modified.Equal(item.Modified)
		b.snapshot[item.Name] = itemState{size: item.Size, modified: item.Modified, isFolder: item.IsFolder}
		if changed && sink != nil {
			select {
			case sink <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}
