// Package engine funnels every mutation source (host lifecycle events,
// drag commits, view switches, snapshot requests) through one serialized
// command queue, so no two mutations are ever in flight against the store
// concurrently.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tabtreehq/tabtree/internal/config"
	"github.com/tabtreehq/tabtree/internal/drag"
	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/hostapi"
	"github.com/tabtreehq/tabtree/internal/logging"
	"github.com/tabtreehq/tabtree/internal/reconcile"
)

var engineLog = logging.ForComponent(logging.CompEngine)

// expireTick is how often the reconciler's pending-replay buffer is swept.
const expireTick = time.Second

// Engine owns the store and executes all mutations on a single goroutine.
// External callers interact through Do/Snapshot (synchronous, serialized)
// and the read-only Changes stream.
type Engine struct {
	store *forest.Store
	rec   *reconcile.Reconciler
	drag  *drag.Engine

	cmdCh    chan func()
	changeCh chan forest.Change

	// onMutation is invoked on the queue goroutine after every commit;
	// wired to the persistence adapter's NotifyMutation.
	onMutation func(revision uint64)
}

// New creates an engine over the given components. onMutation may be nil.
func New(store *forest.Store, rec *reconcile.Reconciler, dragEng *drag.Engine, onMutation func(uint64)) *Engine {
	e := &Engine{
		store:      store,
		rec:        rec,
		drag:       dragEng,
		cmdCh:      make(chan func(), 256),
		changeCh:   make(chan forest.Change, 256),
		onMutation: onMutation,
	}
	store.Subscribe(e.publish)
	return e
}

// publish runs on the queue goroutine after each committed mutation.
func (e *Engine) publish(c forest.Change) {
	if e.onMutation != nil {
		e.onMutation(c.Revision)
	}
	// Non-blocking: a slow consumer drops notifications, never blocks the
	// mutation path. Consumers resync via Snapshot.
	select {
	case e.changeCh <- c:
	default:
	}
}

// Changes returns the committed-mutation stream for downstream consumers.
func (e *Engine) Changes() <-chan forest.Change {
	return e.changeCh
}

// Store returns the owned store. Only Run's goroutine may mutate it;
// callers must go through Do.
func (e *Engine) Store() *forest.Store {
	return e.store
}

// Run consumes host events and queued commands until ctx is cancelled.
// Each source drains FIFO; when both channels are ready the next source is
// picked arbitrarily, so ordering across sources is only approximate. Every
// handler runs to completion before the next starts, which is the invariant
// the store relies on.
func (e *Engine) Run(ctx context.Context, source hostapi.EventSource) {
	ticker := time.NewTicker(expireTick)
	defer ticker.Stop()

	events := source.Events()
	for {
		select {
		case <-ctx.Done():
			engineLog.Info("engine_stopped")
			return

		case ev, ok := <-events:
			if !ok {
				engineLog.Warn("event_source_closed")
				events = nil
				continue
			}
			e.rec.Apply(ev)

		case cmd := <-e.cmdCh:
			cmd()

		case <-ticker.C:
			e.rec.Expire()
		}
	}
}

// Do executes fn on the engine goroutine and waits for it to complete.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case e.cmdCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot takes an atomic snapshot on the engine goroutine. Satisfies
// persist.SnapshotFunc.
func (e *Engine) Snapshot(ctx context.Context) (*forest.Snapshot, error) {
	var snap *forest.Snapshot
	if err := e.Do(ctx, func() {
		snap = e.store.BuildSnapshot()
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

// BeginDrag starts a drag session.
func (e *Engine) BeginDrag(ctx context.Context, id forest.NodeID) error {
	var err error
	if doErr := e.Do(ctx, func() { err = e.drag.BeginDrag(id) }); doErr != nil {
		return doErr
	}
	return err
}

// UpdateHover computes the drop intent for a hover position.
func (e *Engine) UpdateHover(ctx context.Context, pointerY float64, candidate forest.NodeID, rowTop, rowHeight float64) (drag.DropIntent, error) {
	var intent drag.DropIntent
	err := e.Do(ctx, func() {
		intent = e.drag.UpdateHover(pointerY, candidate, rowTop, rowHeight)
	})
	return intent, err
}

// CommitDrop commits the active drag.
func (e *Engine) CommitDrop(ctx context.Context) error {
	var err error
	if doErr := e.Do(ctx, func() { err = e.drag.CommitDrop() }); doErr != nil {
		return doErr
	}
	return err
}

// CancelDrag abandons the active drag.
func (e *Engine) CancelDrag(ctx context.Context) error {
	return e.Do(ctx, func() { e.drag.CancelDrag() })
}

// SetActiveView switches the rendered view for a window.
func (e *Engine) SetActiveView(ctx context.Context, windowID hostapi.WindowID, index int) error {
	var err error
	if doErr := e.Do(ctx, func() { err = e.store.SetActiveView(windowID, index) }); doErr != nil {
		return doErr
	}
	return err
}

// CreateView adds a view to a window.
func (e *Engine) CreateView(ctx context.Context, windowID hostapi.WindowID, id, color string) error {
	var err error
	if doErr := e.Do(ctx, func() { _, err = e.store.CreateView(windowID, id, color) }); doErr != nil {
		return doErr
	}
	return err
}

// ApplyConfig pushes reloaded settings into the running components.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	return e.Do(ctx, func() {
		e.rec.SetPolicy(cfg.Reconciler.OpenerPolicy)
		e.rec.SetExpiry(time.Duration(cfg.Reconciler.PendingExpiryMS) * time.Millisecond)
		e.drag.SetBandFraction(cfg.Drag.BandFraction)
		e.drag.SetDwell(time.Duration(cfg.Drag.AutoExpandDwellMS) * time.Millisecond)
		engineLog.Info("config_applied",
			slog.String("opener_policy", cfg.Reconciler.OpenerPolicy),
			slog.Float64("band_fraction", cfg.Drag.BandFraction))
	})
}
