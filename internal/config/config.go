package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/filesynchub/filesynchub/internal/fsutil"
)

const (
	DefaultChunkSize       = 1024 * 1024 // 1MiB
	DefaultMaxConcurrent   = 3
	DefaultDebounce        = 2 * time.Second
	DefaultPollInterval    = 30 * time.Second
	DefaultMaxBackups      = 5
	DefaultCacheTTL        = time.Hour
	DefaultMemoryCacheSize = 100 * 1024 * 1024 // 100MB
)

// FolderMapping associates a local directory root with a remote namespace prefix.
type FolderMapping struct {
	LocalPath  string `mapstructure:"local_path" yaml:"local_path"`
	RemotePath string `mapstructure:"remote_path" yaml:"remote_path"`
}

// BackendConfig describes one remote backend and its folder mappings.
type BackendConfig struct {
	Name     string          `mapstructure:"name" yaml:"name"`
	Type     string          `mapstructure:"type" yaml:"type"`
	Enabled  bool            `mapstructure:"enabled" yaml:"enabled"`
	Root     string          `mapstructure:"root" yaml:"root"` // localdir backends: the backing directory
	Mappings []FolderMapping `mapstructure:"mappings" yaml:"mappings"`
}

type Config struct {
	DataDir         string          `mapstructure:"data_dir" yaml:"data_dir"`
	Backends        []BackendConfig `mapstructure:"backends" yaml:"backends"`
	ChunkSize       int64           `mapstructure:"chunk_size" yaml:"chunk_size"`
	MaxConcurrent   int64           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	Debounce        time.Duration   `mapstructure:"debounce" yaml:"debounce"`
	PollInterval    time.Duration   `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxBackups      int             `mapstructure:"max_backups" yaml:"max_backups"`
	CacheTTL        time.Duration   `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	MemoryCacheSize int64           `mapstructure:"memory_cache_size" yaml:"memory_cache_size"`
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = DefaultMaxBackups
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MemoryCacheSize <= 0 {
		c.MemoryCacheSize = DefaultMemoryCacheSize
	}
}

// Validate checks mapping invariants: every local path must be an absolute
// existing directory, unique among a backend's active mappings.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend name is required")
		}
		if !b.Enabled {
			continue
		}
		seen := make(map[string]struct{}, len(b.Mappings))
		for _, m := range b.Mappings {
			if !filepath.IsAbs(m.LocalPath) {
				return fmt.Errorf("backend %s: local_path %q is not absolute", b.Name, m.LocalPath)
			}
			if !fsutil.DirExists(m.LocalPath) {
				return fmt.Errorf("backend %s: local_path %q is not a directory", b.Name, m.LocalPath)
			}
			clean := filepath.Clean(m.LocalPath)
			if _, dup := seen[clean]; dup {
				return fmt.Errorf("backend %s: duplicate local_path %q", b.Name, clean)
			}
			seen[clean] = struct{}{}
			if m.RemotePath == "" {
				return fmt.Errorf("backend %s: remote_path is required for %q", b.Name, m.LocalPath)
			}
		}
	}
	return nil
}
