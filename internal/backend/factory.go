package backend

import (
	"fmt"
	"time"

	"github.com/filesynchub/filesynchub/internal/config"
)

// FromConfig builds the adapter for one configured backend. Cloud adapters
// register here as they are written; localdir is the built-in one.
func FromConfig(cfg config.BackendConfig, pollInterval time.Duration) (RemoteBackend, error) {
	switch cfg.Type {
	case "localdir":
		return NewLocalDirBackend(cfg, pollInterval)
	default:
		return nil, fmt.Errorf("unknown backend type %q for backend %s", cfg.Type, cfg.Name)
	}
}
