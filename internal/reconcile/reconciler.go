// Package reconcile turns the host's at-least-once, possibly reordered tab
// lifecycle notifications into consistent forest mutations.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/tabtreehq/tabtree/internal/config"
	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/hostapi"
	"github.com/tabtreehq/tabtree/internal/logging"
)

var recLog = logging.ForComponent(logging.CompReconcile)

// TabState is the per-tab lifecycle state.
type TabState int

const (
	StateAbsent TabState = iota
	StatePending
	StateLive
	StateClosed
)

func (s TabState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// maxQueuedPerTab bounds the replay buffer for a single tab id.
const maxQueuedPerTab = 32

type queuedEvent struct {
	ev       hostapi.TabEvent
	deadline time.Time
}

// Reconciler applies host tab events to the store. Events referencing tabs
// that do not exist yet are held in a bounded replay buffer keyed by tab id
// and replayed once the tab's creation is observed; entries that outlive
// the expiry are dropped and logged as reconciliation anomalies.
//
// Reconciler is not safe for concurrent use; it runs on the engine's
// serialized command queue.
type Reconciler struct {
	store  *forest.Store
	policy string
	expiry time.Duration

	states  map[hostapi.TabID]TabState
	pending map[hostapi.TabID][]queuedEvent

	// closedAt records when a tab entered StateClosed so the entry can be
	// pruned once the replay window has passed; without pruning, states
	// grows without bound over a long session.
	closedAt map[hostapi.TabID]time.Time

	// anomalies counts events dropped after the bounded wait.
	anomalies uint64

	now func() time.Time
}

// New creates a reconciler over the store with the given opener placement
// policy and pending-event expiry.
func New(store *forest.Store, policy string, expiry time.Duration) *Reconciler {
	if expiry <= 0 {
		expiry = 2 * time.Second
	}
	return &Reconciler{
		store:    store,
		policy:   policy,
		expiry:   expiry,
		states:   make(map[hostapi.TabID]TabState),
		pending:  make(map[hostapi.TabID][]queuedEvent),
		closedAt: make(map[hostapi.TabID]time.Time),
		now:      time.Now,
	}
}

// SetPolicy updates the opener placement policy (config live-reload).
func (r *Reconciler) SetPolicy(policy string) {
	r.policy = policy
}

// SetExpiry updates the pending-event expiry (config live-reload).
func (r *Reconciler) SetExpiry(expiry time.Duration) {
	if expiry > 0 {
		r.expiry = expiry
	}
}

// Anomalies returns the number of events dropped after the bounded wait.
func (r *Reconciler) Anomalies() uint64 {
	return r.anomalies
}

// StateOf returns the lifecycle state tracked for a tab id.
func (r *Reconciler) StateOf(tabID hostapi.TabID) TabState {
	return r.states[tabID]
}

// Apply processes one host event. Duplicate notifications for an
// already-applied transition are no-ops.
func (r *Reconciler) Apply(ev hostapi.TabEvent) {
	if ev.Kind == hostapi.EventCreated {
		r.applyCreated(ev)
		r.replay(ev.TabID)
		return
	}

	// Every other event needs a pending or live node for its tab.
	if r.store.NodeByTab(ev.TabID) == nil {
		if r.states[ev.TabID] == StateClosed {
			// Trailing duplicates after removal are no-ops, not anomalies.
			recLog.Debug("event_after_close",
				slog.Int("tab_id", int(ev.TabID)),
				slog.String("kind", string(ev.Kind)))
			return
		}
		r.enqueue(ev)
		return
	}
	r.applyToExisting(ev)
}

func (r *Reconciler) applyCreated(ev hostapi.TabEvent) {
	switch r.states[ev.TabID] {
	case StatePending, StateLive:
		// Duplicate delivery; the node already exists.
		recLog.Debug("duplicate_created", slog.Int("tab_id", int(ev.TabID)))
		return
	}

	parentID, index := r.placement(ev)
	viewID := r.store.ResolveViewForNewNode(ev.WindowID)
	n := r.store.CreateNode(ev.TabID, ev.WindowID, parentID, viewID, index)
	r.states[ev.TabID] = StatePending
	delete(r.closedAt, ev.TabID)

	// URL/title may already be known at creation; apply without waiting for
	// the first update so early activation/drag events have full metadata.
	if ev.URL != "" || ev.Title != "" || ev.FaviconURL != "" {
		r.store.UpdateMeta(ev.TabID, ev.URL, ev.Title, ev.FaviconURL)
		r.states[ev.TabID] = StateLive
	}
	recLog.Debug("tab_created",
		slog.Int("tab_id", int(ev.TabID)),
		slog.String("node_id", string(n.ID)),
		slog.String("state", r.states[ev.TabID].String()))
}

// placement resolves the opener policy into a parent id and sibling index
// for a newly created tab. Without an opener the node lands at the end of
// the active view's roots.
func (r *Reconciler) placement(ev hostapi.TabEvent) (forest.NodeID, int) {
	if ev.OpenerID == 0 {
		return "", -1
	}
	opener := r.store.NodeByTab(ev.OpenerID)
	if opener == nil || opener.WindowID != ev.WindowID || opener.Pinned {
		return "", -1
	}

	switch r.policy {
	case config.OpenerPolicyNextSibling:
		return opener.ParentID, r.siblingIndex(opener) + 1
	case config.OpenerPolicyLastSibling:
		return opener.ParentID, -1
	case config.OpenerPolicyEnd:
		return "", -1
	default: // config.OpenerPolicyChild
		return opener.ID, 0
	}
}

// siblingIndex returns the node's position among its current siblings.
func (r *Reconciler) siblingIndex(n *forest.Node) int {
	var siblings []forest.NodeID
	if n.ParentID != "" {
		if p := r.store.NodeByID(n.ParentID); p != nil {
			siblings = p.Children
		}
	} else if w := r.store.Window(n.WindowID); w != nil {
		if v := w.ViewByID(n.ViewID); v != nil {
			siblings = v.RootNodes
		}
	}
	for i, id := range siblings {
		if id == n.ID {
			return i
		}
	}
	return len(siblings)
}

func (r *Reconciler) applyToExisting(ev hostapi.TabEvent) {
	switch ev.Kind {
	case hostapi.EventUpdated:
		if r.states[ev.TabID] == StateClosed {
			recLog.Debug("update_after_close", slog.Int("tab_id", int(ev.TabID)))
			return
		}
		r.store.UpdateMeta(ev.TabID, ev.URL, ev.Title, ev.FaviconURL)
		r.states[ev.TabID] = StateLive

	case hostapi.EventRemoved:
		if r.states[ev.TabID] == StateClosed {
			recLog.Debug("duplicate_removed", slog.Int("tab_id", int(ev.TabID)))
			return
		}
		r.store.RemoveNode(ev.TabID)
		r.states[ev.TabID] = StateClosed
		r.closedAt[ev.TabID] = r.now()
		delete(r.pending, ev.TabID)

	case hostapi.EventActivated:
		r.store.Activate(ev.TabID)

	case hostapi.EventMoved:
		n := r.store.NodeByTab(ev.TabID)
		// Host tab-strip moves only reorder root-level nodes; moves of
		// nested nodes are tree-internal and owned by the drag engine.
		if n != nil && n.ParentID == "" && !n.Pinned {
			r.store.MoveWithinSiblings(n.ID, ev.Index)
		}

	case hostapi.EventAttached:
		n := r.store.NodeByTab(ev.TabID)
		if n != nil {
			r.store.MoveToWindowRoot(n.ID, ev.WindowID)
		}

	case hostapi.EventDetached:
		// The matching attach carries the actual move.
		recLog.Debug("tab_detached",
			slog.Int("tab_id", int(ev.TabID)),
			slog.Int("from_window", int(ev.FromWindowID)))

	case hostapi.EventPinned:
		r.store.Pin(ev.TabID)

	case hostapi.EventUnpinned:
		r.store.Unpin(ev.TabID)

	default:
		recLog.Warn("unknown_event_kind", slog.String("kind", string(ev.Kind)))
	}
}

// enqueue holds an out-of-order event until its tab exists or the bounded
// wait expires.
func (r *Reconciler) enqueue(ev hostapi.TabEvent) {
	q := r.pending[ev.TabID]
	if len(q) >= maxQueuedPerTab {
		r.anomalies++
		recLog.Warn("reconciliation_anomaly",
			slog.Int("tab_id", int(ev.TabID)),
			slog.String("kind", string(ev.Kind)),
			slog.String("reason", "replay_buffer_full"))
		return
	}
	r.pending[ev.TabID] = append(q, queuedEvent{
		ev:       ev,
		deadline: r.now().Add(r.expiry),
	})
}

// replay drains queued events for a tab that now exists, FIFO by arrival.
func (r *Reconciler) replay(tabID hostapi.TabID) {
	q := r.pending[tabID]
	if len(q) == 0 {
		return
	}
	delete(r.pending, tabID)
	for _, qe := range q {
		if r.store.NodeByTab(tabID) == nil {
			// A replayed removal closed the tab; drop the rest.
			r.dropAnomaly(qe.ev, "target_closed_during_replay")
			continue
		}
		r.applyToExisting(qe.ev)
	}
}

// Expire drops queued events whose bounded wait has elapsed and prunes
// closed-tab entries past the replay window. Called periodically from the
// engine tick.
func (r *Reconciler) Expire() {
	now := r.now()

	// After the replay window, a trailing duplicate for a closed tab would
	// have expired out of the queue anyway, so the entry buys nothing.
	for tabID, closed := range r.closedAt {
		if now.Sub(closed) >= r.expiry {
			delete(r.closedAt, tabID)
			delete(r.states, tabID)
		}
	}

	for tabID, q := range r.pending {
		kept := q[:0]
		for _, qe := range q {
			if now.After(qe.deadline) {
				r.dropAnomaly(qe.ev, "expired")
				continue
			}
			kept = append(kept, qe)
		}
		if len(kept) == 0 {
			delete(r.pending, tabID)
		} else {
			r.pending[tabID] = kept
		}
	}
}

func (r *Reconciler) dropAnomaly(ev hostapi.TabEvent, reason string) {
	r.anomalies++
	recLog.Warn("reconciliation_anomaly",
		slog.Int("tab_id", int(ev.TabID)),
		slog.String("kind", string(ev.Kind)),
		slog.String("reason", reason))
}
