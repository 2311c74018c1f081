// Package drag converts continuous pointer positions into discrete drop
// intents and commits the resulting tree restructuring.
package drag

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/logging"
)

var dragLog = logging.ForComponent(logging.CompDrag)

// IntentKind classifies a drop intent.
type IntentKind int

const (
	IntentNone IntentKind = iota
	IntentBefore
	IntentAfter
	IntentInto
)

func (k IntentKind) String() string {
	switch k {
	case IntentBefore:
		return "before"
	case IntentAfter:
		return "after"
	case IntentInto:
		return "into"
	default:
		return "none"
	}
}

// DropIntent is the discrete decision derived from a continuous drag
// position: insert before/after a sibling reference, or append as the last
// child of a target node.
type DropIntent struct {
	Kind   IntentKind
	Target forest.NodeID
}

// ErrNoDrag reports a commit or hover without an active drag session.
var ErrNoDrag = fmt.Errorf("drag: no active drag")

// Engine computes drop intents from hover geometry and commits drops
// through the store. One drag session is active at a time; sessions are
// cancellable only before CommitDrop.
//
// Engine is not safe for concurrent use; it runs on the engine's
// serialized command queue.
type Engine struct {
	store *forest.Store

	// bandFraction is the share of row height forming the top and bottom
	// bands; the remainder is the middle (into) band.
	bandFraction float64
	dwell        time.Duration

	dragging forest.NodeID
	intent   DropIntent

	// Hover dwell tracking for auto-expand.
	hoverNode  forest.NodeID
	hoverSince time.Time

	now func() time.Time
}

// New creates a drag engine. bandFraction and dwell come from config and
// may be adjusted later via SetBandFraction/SetDwell.
func New(store *forest.Store, bandFraction float64, dwell time.Duration) *Engine {
	if bandFraction <= 0 || bandFraction >= 0.5 {
		bandFraction = 0.15
	}
	if dwell <= 0 {
		dwell = 500 * time.Millisecond
	}
	return &Engine{
		store:        store,
		bandFraction: bandFraction,
		dwell:        dwell,
		now:          time.Now,
	}
}

// SetBandFraction updates the band geometry (config live-reload).
func (e *Engine) SetBandFraction(f float64) {
	if f > 0 && f < 0.5 {
		e.bandFraction = f
	}
}

// SetDwell updates the auto-expand dwell threshold (config live-reload).
func (e *Engine) SetDwell(d time.Duration) {
	if d > 0 {
		e.dwell = d
	}
}

// Dragging returns the node id of the active drag, or "".
func (e *Engine) Dragging() forest.NodeID {
	return e.dragging
}

// BeginDrag starts a drag session for a tree node.
func (e *Engine) BeginDrag(id forest.NodeID) error {
	n := e.store.NodeByID(id)
	if n == nil {
		return &forest.ErrNodeNotFound{NodeID: id}
	}
	if n.Pinned {
		return fmt.Errorf("drag: pinned node %s has no tree position", id)
	}
	e.dragging = id
	e.intent = DropIntent{}
	e.hoverNode = ""
	dragLog.Debug("drag_begin", slog.String("node_id", string(id)))
	return nil
}

// UpdateHover computes the drop intent for a pointer hovering a visible
// row. pointerY is the absolute pointer position; rowTop/rowHeight describe
// the candidate's bounding box. Sustained hover past the dwell threshold
// auto-expands a collapsed candidate so children become targetable without
// a second gesture.
//
// Pinned entries sit outside the tree and never serve as references, so
// hovering one yields no intent in any band. Hovering inside the dragged
// subtree still yields the band intent; the commit rejects it with a
// CycleError so the caller gets the signal to drive its rejection feedback.
func (e *Engine) UpdateHover(pointerY float64, candidate forest.NodeID, rowTop, rowHeight float64) DropIntent {
	if e.dragging == "" {
		return DropIntent{}
	}
	n := e.store.NodeByID(candidate)
	if n == nil || rowHeight <= 0 || n.Pinned {
		e.intent = DropIntent{}
		e.hoverNode = ""
		return e.intent
	}

	if candidate == e.dragging || e.store.IsDescendant(candidate, e.dragging) {
		e.hoverNode = ""
	} else {
		e.trackDwell(n)
	}

	frac := (pointerY - rowTop) / rowHeight
	switch {
	case frac < e.bandFraction:
		e.intent = DropIntent{Kind: IntentBefore, Target: candidate}
	case frac > 1-e.bandFraction:
		e.intent = DropIntent{Kind: IntentAfter, Target: candidate}
	default:
		e.intent = DropIntent{Kind: IntentInto, Target: candidate}
	}
	return e.intent
}

// UpdateGapHover computes the drop intent for a pointer hovering the gap
// between two visible rows. The intent ties to the nearer row and is always
// Before/After; a gap never creates a new parent relationship.
func (e *Engine) UpdateGapHover(above, below forest.NodeID, pointerY, gapTop, gapHeight float64) DropIntent {
	if e.dragging == "" {
		return DropIntent{}
	}
	e.hoverNode = ""

	a := e.gapRef(above)
	b := e.gapRef(below)
	nearerAbove := gapHeight <= 0 || (pointerY-gapTop) < gapHeight/2
	switch {
	case nearerAbove && a != nil:
		e.intent = DropIntent{Kind: IntentAfter, Target: a.ID}
	case b != nil:
		e.intent = DropIntent{Kind: IntentBefore, Target: b.ID}
	case a != nil:
		e.intent = DropIntent{Kind: IntentAfter, Target: a.ID}
	default:
		e.intent = DropIntent{}
	}
	return e.intent
}

// gapRef resolves a gap neighbor to a usable sibling reference. Pinned
// entries are skipped; they appear in no sibling list.
func (e *Engine) gapRef(id forest.NodeID) *forest.Node {
	if id == "" {
		return nil
	}
	n := e.store.NodeByID(id)
	if n == nil || n.Pinned {
		return nil
	}
	return n
}

// trackDwell auto-expands a collapsed candidate after sustained hover.
func (e *Engine) trackDwell(n *forest.Node) {
	if e.hoverNode != n.ID {
		e.hoverNode = n.ID
		e.hoverSince = e.now()
		return
	}
	if len(n.Children) == 0 || n.Expanded {
		return
	}
	if e.now().Sub(e.hoverSince) >= e.dwell {
		dragLog.Debug("auto_expand", slog.String("node_id", string(n.ID)))
		e.store.SetExpanded(n.ID, true)
	}
}

// CommitDrop applies the current intent and ends the drag session. A drop
// that would make the dragged node its own ancestor returns a CycleError
// and mutates nothing. An empty intent ends the session without mutation.
func (e *Engine) CommitDrop() error {
	if e.dragging == "" {
		return ErrNoDrag
	}
	dragged := e.dragging
	intent := e.intent
	e.dragging = ""
	e.intent = DropIntent{}
	e.hoverNode = ""

	if intent.Kind == IntentNone {
		dragLog.Debug("drop_no_intent", slog.String("node_id", string(dragged)))
		return nil
	}

	var err error
	switch intent.Kind {
	case IntentInto:
		// Drop on a node always means append as last child, wherever within
		// the row the drop landed.
		err = e.store.Reparent(dragged, intent.Target, -1)

	case IntentBefore, IntentAfter:
		ref := e.store.NodeByID(intent.Target)
		if ref == nil {
			err = &forest.ErrNodeNotFound{NodeID: intent.Target}
			break
		}
		if ref.ID == dragged {
			return nil
		}
		index := e.insertionIndex(dragged, ref, intent.Kind == IntentAfter)
		err = e.store.Reparent(dragged, ref.ParentID, index)
	}

	if err != nil {
		dragLog.Debug("drop_rejected",
			slog.String("node_id", string(dragged)),
			slog.String("intent", intent.Kind.String()),
			slog.String("error", err.Error()))
		return err
	}
	dragLog.Debug("drop_committed",
		slog.String("node_id", string(dragged)),
		slog.String("intent", intent.Kind.String()),
		slog.String("target", string(intent.Target)))
	return nil
}

// insertionIndex computes where the dragged node lands in the reference's
// sibling list, accounting for the dragged node vacating a slot when it
// already shares that list.
func (e *Engine) insertionIndex(dragged forest.NodeID, ref *forest.Node, after bool) int {
	siblings := e.siblingsOf(ref)
	idx := 0
	for _, id := range siblings {
		if id == ref.ID {
			break
		}
		if id == dragged {
			continue // vacated by the detach that precedes insertion
		}
		idx++
	}
	if after {
		idx++
	}
	return idx
}

func (e *Engine) siblingsOf(n *forest.Node) []forest.NodeID {
	if n.ParentID != "" {
		if p := e.store.NodeByID(n.ParentID); p != nil {
			return p.Children
		}
		return nil
	}
	w := e.store.Window(n.WindowID)
	if w == nil {
		return nil
	}
	if v := w.ViewByID(n.ViewID); v != nil {
		return v.RootNodes
	}
	return nil
}

// CancelDrag abandons the drag session without mutating the forest.
func (e *Engine) CancelDrag() {
	if e.dragging == "" {
		return
	}
	dragLog.Debug("drag_cancelled", slog.String("node_id", string(e.dragging)))
	e.dragging = ""
	e.intent = DropIntent{}
	e.hoverNode = ""
}
