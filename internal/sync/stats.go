package sync

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Stats counts per-mapping sync activity. All counters are atomic so the
// orchestrator and its transfer goroutines can bump them concurrently.
type Stats struct {
	Uploads         atomic.Int64
	Downloads       atomic.Int64
	Deletes         atomic.Int64
	DirCreates      atomic.Int64
	Skipped         atomic.Int64
	SafetyBlocks    atomic.Int64
	Failures        atomic.Int64
	BytesUploaded   atomic.Int64
	BytesDownloaded atomic.Int64
}

func (s *Stats) Summary() string {
	return fmt.Sprintf("up=%d (%s) down=%d (%s) deletes=%d skipped=%d safety-blocked=%d failures=%d",
		s.Uploads.Load(), humanize.Bytes(uint64(s.BytesUploaded.Load())),
		s.Downloads.Load(), humanize.Bytes(uint64(s.BytesDownloaded.Load())),
		s.Deletes.Load(), s.Skipped.Load(), s.SafetyBlocks.Load(), s.Failures.Load())
}
