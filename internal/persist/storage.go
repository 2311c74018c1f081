package persist

import (
	"github.com/tabtreehq/tabtree/internal/hostapi"
	"github.com/tabtreehq/tabtree/internal/statedb"
)

// SQLiteKV adapts the SQLite state database plus its change watcher to the
// host storage contract (hostapi.KV). Writes mark the watcher so the
// process does not reload its own saves.
type SQLiteKV struct {
	db      *statedb.StateDB
	watcher *Watcher
}

var _ hostapi.KV = (*SQLiteKV)(nil)

// NewSQLiteKV wraps an open state database and starts the change watcher.
func NewSQLiteKV(db *statedb.StateDB) *SQLiteKV {
	w := NewWatcher(db)
	w.Start()
	return &SQLiteKV{db: db, watcher: w}
}

func (s *SQLiteKV) Get(keys []string) (map[string][]byte, error) {
	return s.db.Get(keys)
}

func (s *SQLiteKV) Set(entries map[string][]byte) error {
	s.watcher.NotifySave()
	return s.db.Set(entries)
}

func (s *SQLiteKV) Remove(keys []string) error {
	s.watcher.NotifySave()
	return s.db.Remove(keys)
}

func (s *SQLiteKV) Clear() error {
	s.watcher.NotifySave()
	return s.db.Clear()
}

func (s *SQLiteKV) Changes() <-chan struct{} {
	return s.watcher.Changes()
}

// Close stops the watcher. The caller owns closing the database itself.
func (s *SQLiteKV) Close() error {
	return s.watcher.Close()
}
