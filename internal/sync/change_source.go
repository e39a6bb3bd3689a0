package sync

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/filesynchub/filesynchub/internal/fsutil"
	"github.com/filesynchub/filesynchub/internal/syncerr"
)

const (
	// DefaultDebounce is the quiet period after which a burst of raw
	// filesystem events on one path collapses into a single change event.
	DefaultDebounce = 2 * time.Second

	defaultIgnoreOnceTimeout = time.Second
	eventBufferSize          = 64
)

// ChangeKind is the variant of a local change event.
type ChangeKind uint8

const (
	Created ChangeKind = iota
	Modified
	Deleted
)

var changeKindNames = []string{"created", "modified", "deleted"}

func (k ChangeKind) String() string {
	if int(k) >= len(changeKindNames) {
		return "unknown"
	}
	return changeKindNames[k]
}

// ChangeEvent is an ephemeral local filesystem change, produced by a
// ChangeSource and consumed once by the orchestrator.
type ChangeEvent struct {
	Kind ChangeKind
	Path string
}

// FilterCallback returns true if the raw event for path should be dropped
// before debouncing.
type FilterCallback func(path string) bool

// ChangeSource monitors a directory subtree recursively and coalesces
// bursts of raw events into at most one event per path per debounce
// window. The final kind is decided at flush time by statting the path,
// not by the last raw event: the OS does not deliver raw events of a
// burst in order. Ordering is preserved only for repeated events on the
// same path within one window; there is no cross-path ordering guarantee.
type ChangeSource struct {
	root     string
	debounce time.Duration

	events    chan ChangeEvent
	rawEvents chan notify.EventInfo
	done      chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]ChangeEvent
	timers  map[string]*time.Timer
	closed  bool

	ignoreMu sync.Mutex
	ignore   map[string]time.Time

	filterMu sync.RWMutex
	filter   FilterCallback
}

func NewChangeSource(root string, debounce time.Duration) *ChangeSource {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &ChangeSource{
		root:     root,
		debounce: debounce,
		done:     make(chan struct{}),
		pending:  make(map[string]ChangeEvent),
		timers:   make(map[string]*time.Timer),
		ignore:   make(map[string]time.Time),
	}
}

// FilterPaths installs a callback that drops raw events before debouncing.
func (cs *ChangeSource) FilterPaths(cb FilterCallback) {
	cs.filterMu.Lock()
	defer cs.filterMu.Unlock()
	cs.filter = cb
}

// Start begins monitoring. Setup failure (missing or unreadable root) is
// fatal to this source; transient OS-level watch errors afterwards are
// logged and do not terminate the watch.
func (cs *ChangeSource) Start() error {
	if !fsutil.DirExists(cs.root) {
		return syncerr.E(syncerr.KindValidation, "watch", cs.root, fmt.Errorf("watch root is not a directory"))
	}

	slog.Info("change source start", "dir", cs.root, "debounce", cs.debounce)

	cs.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	cs.events = make(chan ChangeEvent, eventBufferSize)

	recursivePath := cs.root + "/..."
	if err := notify.Watch(recursivePath, cs.rawEvents, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return syncerr.E(syncerr.KindIO, "watch", cs.root, err)
	}

	cs.wg.Add(1)
	go cs.filterEvents()

	return nil
}

// Stop cancels monitoring, releases OS watch handles and flushes any
// pending debounced events before closing the event channel.
func (cs *ChangeSource) Stop() {
	close(cs.done)
	if cs.rawEvents != nil {
		notify.Stop(cs.rawEvents)
	}
	cs.wg.Wait()
	slog.Info("change source stopped", "dir", cs.root)
}

// Events returns the debounced event stream. It is closed by Stop.
func (cs *ChangeSource) Events() <-chan ChangeEvent {
	return cs.events
}

// IgnoreOnce suppresses the next debounced event for path. Used to avoid
// echoing the orchestrator's own writes back as local changes.
func (cs *ChangeSource) IgnoreOnce(path string) {
	cs.ignoreMu.Lock()
	defer cs.ignoreMu.Unlock()
	cs.ignore[path] = time.Now().Add(cs.debounce + defaultIgnoreOnceTimeout)
}

func (cs *ChangeSource) isTemporarilyIgnored(path string) bool {
	cs.ignoreMu.Lock()
	defer cs.ignoreMu.Unlock()

	expiry, exists := cs.ignore[path]
	if !exists {
		return false
	}
	delete(cs.ignore, path)
	return time.Now().Before(expiry)
}

func (cs *ChangeSource) filterEvents() {
	defer func() {
		// Flush pending events so nothing observed is silently lost.
		// Closing under the same lock the senders hold rules out both a
		// send on the closed channel and a duplicate delivery from a
		// debounce timer racing this flush.
		cs.mu.Lock()
		for path, timer := range cs.timers {
			timer.Stop()
			delete(cs.timers, path)
			if event, ok := cs.pending[path]; ok {
				delete(cs.pending, path)
				cs.deliverLocked(event)
			}
		}
		cs.closed = true
		close(cs.events)
		cs.mu.Unlock()

		cs.wg.Done()
	}()

	for {
		select {
		case <-cs.done:
			return
		case event, ok := <-cs.rawEvents:
			if !ok {
				return
			}

			cs.filterMu.RLock()
			filter := cs.filter
			cs.filterMu.RUnlock()
			if filter != nil && filter(event.Path()) {
				continue
			}

			cs.debounceEvent(event)
		}
	}
}

func kindOf(event notify.Event) ChangeKind {
	switch {
	case event&notify.Create != 0:
		return Created
	case event&(notify.Remove|notify.Rename) != 0:
		return Deleted
	default:
		return Modified
	}
}

// resolveKind decides the final kind by statting the path. The raw kinds
// of a burst arrive in no particular order, so the last one seen is only
// a hint: a missing path is a deletion whatever the raw events said, and
// a present path is never one.
func resolveKind(path string, raw ChangeKind) ChangeKind {
	if _, err := os.Stat(path); err != nil {
		return Deleted
	}
	if raw == Created {
		return Created
	}
	return Modified
}

// debounceEvent resets the per-path timer, keeping the last raw kind as a
// hint for resolveKind.
func (cs *ChangeSource) debounceEvent(event notify.EventInfo) {
	path := event.Path()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if timer, ok := cs.timers[path]; ok {
		timer.Stop()
		delete(cs.timers, path)
	}

	cs.pending[path] = ChangeEvent{Kind: kindOf(event.Event()), Path: path}

	cs.timers[path] = time.AfterFunc(cs.debounce, func() {
		cs.flushEvent(path)
	})
}

func (cs *ChangeSource) flushEvent(path string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	event, ok := cs.pending[path]
	if !ok || cs.closed {
		return
	}
	delete(cs.pending, path)
	delete(cs.timers, path)
	cs.deliverLocked(event)
}

// deliverLocked resolves the final kind and sends the event. Caller holds
// mu; the send never blocks, so holding the lock across it is safe.
func (cs *ChangeSource) deliverLocked(event ChangeEvent) {
	if cs.isTemporarilyIgnored(event.Path) {
		return
	}

	event.Kind = resolveKind(event.Path, event.Kind)

	select {
	case cs.events <- event:
		slog.Debug("change source", "kind", event.Kind, "path", event.Path)
	default:
		slog.Warn("change source dropped", "reason", "channel full", "path", event.Path)
	}
}
