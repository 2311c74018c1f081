// Package persist owns durable storage of the forest: debounced
// write-coalescing flushes, retry with backoff, and the cold-start
// reconciliation of persisted state against the host's live-tab list.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/hostapi"
	"github.com/tabtreehq/tabtree/internal/logging"
)

var persistLog = logging.ForComponent(logging.CompPersist)

// snapshotKey is the storage key holding the serialized forest.
const snapshotKey = "forest"

// ErrWriteFailed wraps storage write errors. The in-memory forest stays
// authoritative until a retry succeeds.
var ErrWriteFailed = errors.New("persist: storage write failed")

// SnapshotFunc returns an atomic snapshot of the forest. The engine
// provides one that serializes snapshot-taking onto its command queue, so
// a flush never observes a partially-mutated forest.
type SnapshotFunc func(ctx context.Context) (*forest.Snapshot, error)

// Adapter debounces mutation notifications into coalesced storage writes.
type Adapter struct {
	kv         hostapi.KV
	snapshotFn SnapshotFunc
	debounce   time.Duration
	maxBackoff time.Duration

	// limiter paces write attempts so retry storms and mutation bursts
	// cannot hammer storage.
	limiter *rate.Limiter

	notifyCh chan uint64
	flushCh  chan chan error

	lastFlushed uint64
}

// NewAdapter creates an adapter. debounce is the write-coalescing window;
// maxBackoff caps the delay between failed-write retries.
func NewAdapter(kv hostapi.KV, snapshotFn SnapshotFunc, debounce, maxBackoff time.Duration) *Adapter {
	if debounce <= 0 {
		debounce = 400 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Adapter{
		kv:         kv,
		snapshotFn: snapshotFn,
		debounce:   debounce,
		maxBackoff: maxBackoff,
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		notifyCh:   make(chan uint64, 64),
		flushCh:    make(chan chan error),
	}
}

// SetDebounce updates the coalescing window (config live-reload). Takes
// effect from the next burst.
func (a *Adapter) SetDebounce(d time.Duration) {
	if d > 0 {
		a.debounce = d
	}
}

// NotifyMutation records that the forest reached the given revision.
// Non-blocking; bursts are coalesced by the run loop.
func (a *Adapter) NotifyMutation(revision uint64) {
	select {
	case a.notifyCh <- revision:
	default:
		// Channel full: the run loop is already aware of pending work and
		// always flushes the latest snapshot, so dropping is harmless.
	}
}

// Flush forces an immediate write of the current forest and waits for it.
func (a *Adapter) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.flushCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the adapter's event loop: it debounces mutation notifications,
// writes coalesced snapshots, retries failed writes with exponential
// backoff, and re-asserts the in-memory forest when another writer touches
// storage. Blocks until ctx is cancelled. Shutdown is expected to call
// Flush before cancelling ctx so the final revision is persisted.
func (a *Adapter) Run(ctx context.Context) {
	var (
		pending  uint64
		debounce *time.Timer
		retry    *time.Timer
		backoff  time.Duration

		// reassert marks that storage content no longer matches what this
		// process last wrote; the next write clears it.
		reassert bool
	)
	debounceFired := make(chan struct{}, 1)
	retryFired := make(chan struct{}, 1)

	armDebounce := func() {
		if debounce == nil {
			debounce = time.AfterFunc(a.debounce, func() {
				select {
				case debounceFired <- struct{}{}:
				default:
				}
			})
		}
	}

	write := func() error {
		rev := pending
		if err := a.writeSnapshot(ctx); err != nil {
			if backoff == 0 {
				backoff = a.debounce
			} else {
				backoff *= 2
				if backoff > a.maxBackoff {
					backoff = a.maxBackoff
				}
			}
			persistLog.Warn("flush_failed",
				slog.Uint64("revision", rev),
				slog.Duration("retry_in", backoff),
				slog.String("error", err.Error()))
			retry = time.AfterFunc(backoff, func() {
				select {
				case retryFired <- struct{}{}:
				default:
				}
			})
			return err
		}
		backoff = 0
		if retry != nil {
			retry.Stop()
			retry = nil
		}
		a.lastFlushed = rev
		reassert = false
		persistLog.Debug("flush_ok", slog.Uint64("revision", rev))
		return nil
	}

	external := a.kv.Changes()

	for {
		select {
		case <-ctx.Done():
			// Ordered shutdown calls Flush before cancelling this context,
			// so nothing is left to write here.
			return

		case rev := <-a.notifyCh:
			if rev > pending {
				pending = rev
			}
			if pending > a.lastFlushed {
				armDebounce()
			}

		case <-debounceFired:
			debounce = nil
			if pending > a.lastFlushed || reassert {
				_ = write()
			}

		case <-retryFired:
			if pending > a.lastFlushed || reassert {
				_ = write()
			}

		case <-external:
			// Another writer touched storage. The in-memory forest stays
			// authoritative, so overwrite the external change with a fresh
			// snapshot.
			persistLog.Warn("external_state_change", slog.Uint64("revision", pending))
			reassert = true
			_ = write()

		case reply := <-a.flushCh:
			if debounce != nil {
				debounce.Stop()
				debounce = nil
			}
			if pending <= a.lastFlushed && !reassert {
				reply <- nil
				continue
			}
			reply <- write()
		}
	}
}

func (a *Adapter) writeSnapshot(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	snap, err := a.snapshotFn(ctx)
	if err != nil {
		return fmt.Errorf("persist: take snapshot: %w", err)
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persist: marshal snapshot: %w", err)
	}

	if err := a.kv.Set(map[string][]byte{snapshotKey: payload}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}
