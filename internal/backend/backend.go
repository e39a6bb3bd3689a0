// Package backend defines the capability contract the sync core consumes.
// Cloud-specific adapters (and the localdir adapter used for tests and
// on-disk mirrors) implement RemoteBackend; the orchestrator depends only
// on this interface.
package backend

import (
	"context"
	"time"

	"github.com/filesynchub/filesynchub/internal/config"
)

// RemoteItem is a snapshot row from a remote listing. Name is the
// slash-separated path relative to the listed or watched remote prefix.
type RemoteItem struct {
	ID       string
	Name     string
	Size     int64
	Modified time.Time
	IsFolder bool
}

// RemoteBackend is the full capability surface of one cloud namespace.
// Timeouts and rate-limit handling on individual calls are the adapter's
// responsibility; the core only governs polling cadence.
type RemoteBackend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	ListFiles(ctx context.Context, remotePath string) ([]RemoteItem, error)
	UploadFile(ctx context.Context, localPath, remotePath string) (*RemoteItem, error)
	DownloadFile(ctx context.Context, remotePath, localPath string) error
	CreateDirectory(ctx context.Context, remotePath string) (*RemoteItem, error)
	Delete(ctx context.Context, remotePath string) error
	Exists(ctx context.Context, remotePath string) (bool, error)

	// GetItem returns nil, nil when the item does not exist.
	GetItem(ctx context.Context, remotePath string) (*RemoteItem, error)

	// UploadChunk writes data at the given byte offset of the remote file,
	// creating it if necessary. A chunked upload is complete only after
	// FinalizeUpload truncates the remote file to size: without it, a file
	// that shrank locally would keep its old tail bytes on the remote.
	// DownloadChunk reads length bytes at offset.
	UploadChunk(ctx context.Context, remotePath string, data []byte, offset int64) error
	FinalizeUpload(ctx context.Context, remotePath string, size int64) error
	DownloadChunk(ctx context.Context, remotePath string, offset, length int64) ([]byte, error)

	// WatchRemoteChanges polls the remote prefix and sends new or modified
	// items to sink until ctx is done. It never closes sink.
	WatchRemoteChanges(ctx context.Context, remotePath string, sink chan<- RemoteItem) error

	// Mappings returns the folder mappings configured for this backend.
	Mappings() []config.FolderMapping
}
