package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	local := t.TempDir()
	return &Config{
		DataDir: t.TempDir(),
		Backends: []BackendConfig{{
			Name:    "primary",
			Type:    "localdir",
			Enabled: true,
			Root:    t.TempDir(),
			Mappings: []FolderMapping{
				{LocalPath: local, RemotePath: "/remote/docs"},
			},
		}},
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.EqualValues(t, 1024*1024, cfg.ChunkSize)
	assert.EqualValues(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxBackups)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.EqualValues(t, 100*1024*1024, cfg.MemoryCacheSize)
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsRelativeLocalPath(t *testing.T) {
	cfg := validConfig(t)
	cfg.Backends[0].Mappings[0].LocalPath = "relative/dir"
	assert.ErrorContains(t, cfg.Validate(), "not absolute")
}

func TestValidateRejectsMissingLocalDir(t *testing.T) {
	cfg := validConfig(t)
	cfg.Backends[0].Mappings[0].LocalPath = filepath.Join(t.TempDir(), "missing")
	assert.ErrorContains(t, cfg.Validate(), "not a directory")
}

func TestValidateRejectsDuplicateMapping(t *testing.T) {
	cfg := validConfig(t)
	cfg.Backends[0].Mappings = append(cfg.Backends[0].Mappings, cfg.Backends[0].Mappings[0])
	assert.ErrorContains(t, cfg.Validate(), "duplicate local_path")
}

func TestValidateSkipsDisabledBackends(t *testing.T) {
	cfg := validConfig(t)
	cfg.Backends[0].Enabled = false
	cfg.Backends[0].Mappings[0].LocalPath = "not/abs"
	require.NoError(t, cfg.Validate())
}
