package forest

import (
	"github.com/google/uuid"

	"github.com/tabtreehq/tabtree/internal/hostapi"
)

// NodeID is a stable, process-generated node identifier. Unlike
// hostapi.TabID it is never reused: closing a tab and opening a new one
// with a recycled tab id yields a fresh NodeID.
type NodeID string

// NewNodeID allocates a fresh node id.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// DefaultViewID identifies the view that always exists in every window.
const DefaultViewID = "default"

// Node is the atomic unit of the tree, one per live host tab.
type Node struct {
	ID       NodeID
	TabID    hostapi.TabID
	WindowID hostapi.WindowID

	// ParentID is empty for root-level nodes. Children is the authoritative
	// sibling order; it always equals the set of nodes whose ParentID is ID.
	ParentID NodeID
	Children []NodeID

	// ViewID is assigned at creation from the window's active view and is
	// never changed by structural moves.
	ViewID string

	Expanded   bool
	Pinned     bool
	URL        string
	Title      string
	FaviconURL string
}

// View is a named, colored partition of root-level nodes within a window.
type View struct {
	ID        string
	Color     string
	RootNodes []NodeID
}

// WindowState tracks per-window view partitioning, the pinned list and the
// highlight state.
type WindowState struct {
	WindowID        hostapi.WindowID
	Views           []*View
	ActiveViewIndex int

	// Pinned is an ordered list disjoint from the tree-forming roots.
	Pinned []NodeID

	// At most one of activeNode/activePinned is set.
	activeNode   NodeID
	activePinned NodeID
}

// ViewByID returns the view with the given id, or nil.
func (w *WindowState) ViewByID(id string) *View {
	for _, v := range w.Views {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// ActiveView returns the currently active view.
func (w *WindowState) ActiveView() *View {
	if w.ActiveViewIndex < 0 || w.ActiveViewIndex >= len(w.Views) {
		return w.Views[0]
	}
	return w.Views[w.ActiveViewIndex]
}
