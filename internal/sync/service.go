package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/filesynchub/filesynchub/internal/backend"
	"github.com/filesynchub/filesynchub/internal/cache"
	"github.com/filesynchub/filesynchub/internal/config"
	"github.com/filesynchub/filesynchub/internal/fsutil"
	"github.com/filesynchub/filesynchub/internal/safety"
	"github.com/filesynchub/filesynchub/internal/transfer"
)

var ErrAlreadyRunning = errors.New("data directory is locked by another instance")

// Service runs one orchestrator per folder mapping per backend. The
// content cache, safety ledger and transfer engine are shared: the
// transfer semaphore is the only throttle across all mappings, and
// reconciliation of independent mappings runs fully concurrently.
type Service struct {
	cfg           *config.Config
	lock          *flock.Flock
	cache         *cache.ContentCache
	ledger        *safety.Ledger
	engine        *transfer.Engine
	orchestrators []*Orchestrator
}

func NewService(cfg *config.Config, backends ...backend.RemoteBackend) (*Service, error) {
	if err := fsutil.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, "filesynchub.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	contentCache, err := cache.New(filepath.Join(cfg.DataDir, "cache.db"), cfg.MemoryCacheSize)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	ledger := safety.NewLedger(filepath.Join(cfg.DataDir, "backups"), cfg.MaxBackups)
	engine := transfer.NewEngine(contentCache, cfg.ChunkSize, cfg.MaxConcurrent)

	s := &Service{
		cfg:    cfg,
		lock:   lock,
		cache:  contentCache,
		ledger: ledger,
		engine: engine,
	}

	for _, b := range backends {
		for _, mapping := range b.Mappings() {
			s.orchestrators = append(s.orchestrators,
				NewOrchestrator(mapping, b, engine, ledger, contentCache, cfg.Debounce))
		}
	}

	return s, nil
}

// Orchestrators exposes the per-mapping orchestrators, for status reporting.
func (s *Service) Orchestrators() []*Orchestrator { return s.orchestrators }

// Run blocks until ctx is done. A failed mapping does not stop the others;
// its error is logged and surfaced when Run returns.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("service start", "mappings", len(s.orchestrators))

	// plain group, not WithContext: one failing mapping must not cancel the rest
	var eg errgroup.Group

	for _, o := range s.orchestrators {
		o := o
		eg.Go(func() error {
			return o.Run(ctx)
		})
	}

	eg.Go(func() error {
		s.cleanupLoop(ctx)
		return nil
	})

	err := eg.Wait()

	if closeErr := s.Close(); closeErr != nil {
		slog.Warn("service close", "error", closeErr)
	}
	slog.Info("service stopped")
	return err
}

// cleanupLoop evicts stale cache entries on the configured TTL cadence.
func (s *Service) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.cache.Cleanup(s.cfg.CacheTTL)
			if err != nil {
				slog.Warn("cache cleanup failed", "error", err)
			} else if removed > 0 {
				slog.Info("cache cleanup", "removed", removed)
			}
		}
	}
}

func (s *Service) Close() error {
	var errs []error
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
