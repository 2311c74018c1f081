package persist

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tabtreehq/tabtree/internal/logging"
	"github.com/tabtreehq/tabtree/internal/statedb"
)

var watcherLog = logging.ForComponent(logging.CompPersist)

// Watcher monitors the SQLite database for external changes by polling the
// metadata.last_modified timestamp. Polling (rather than fsnotify on the db
// file) works reliably on all filesystems, including 9p/NFS/WSL.
type Watcher struct {
	db        *statedb.StateDB
	changeCh  chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	lastModified int64
	modMu        sync.RWMutex

	// Tracks when this process saved, to ignore self-triggered changes.
	lastSaveTime time.Time
	saveMu       sync.RWMutex
}

// ignoreWindow is the time window after NotifySave during which changes are
// ignored. Must be > pollInterval so the first poll after a self-save
// always falls within the window.
const ignoreWindow = 3 * time.Second

// pollInterval is how often we check for external changes.
const pollInterval = 2 * time.Second

// NewWatcher creates a watcher that polls the SQLite metadata for changes.
func NewWatcher(db *statedb.StateDB) *Watcher {
	lastMod, _ := db.LastModified()
	return &Watcher{
		db:           db,
		lastModified: lastMod,
		changeCh:     make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}
}

// Start begins polling for changes (non-blocking).
func (w *Watcher) Start() {
	go w.pollLoop()
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.checkAndNotify()
		}
	}
}

func (w *Watcher) checkAndNotify() {
	ts, err := w.db.LastModified()
	if err != nil {
		watcherLog.Debug("watcher_poll_failed", slog.String("error", err.Error()))
		return
	}

	w.modMu.Lock()
	changed := ts > w.lastModified
	if changed {
		w.lastModified = ts
	}
	w.modMu.Unlock()

	if !changed {
		return
	}

	w.saveMu.RLock()
	lastSave := w.lastSaveTime
	w.saveMu.RUnlock()

	if time.Since(lastSave) < ignoreWindow {
		watcherLog.Debug("watcher_ignoring_own_save")
		return
	}

	watcherLog.Debug("watcher_db_changed", slog.Int64("timestamp", ts))

	// Non-blocking send (drop if channel full)
	select {
	case w.changeCh <- struct{}{}:
	default:
	}
}

// Changes returns the channel signalling external database changes.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changeCh
}

// NotifySave must be called right before this process writes to storage so
// the watcher can ignore the resulting change.
func (w *Watcher) NotifySave() {
	w.saveMu.Lock()
	w.lastSaveTime = time.Now()
	w.saveMu.Unlock()
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)
	})
	return nil
}
