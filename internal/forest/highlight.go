package forest

import (
	"github.com/tabtreehq/tabtree/internal/hostapi"
)

// ActiveRef identifies the single highlighted entry for a window. At most
// one of Node/Pinned is set; both empty means nothing is highlighted.
type ActiveRef struct {
	Node   NodeID
	Pinned NodeID
}

// IsZero reports whether nothing is highlighted.
func (r ActiveRef) IsZero() bool {
	return r.Node == "" && r.Pinned == ""
}

// ActiveNodeFor returns the highlight state for a window. Exactly one of
// {tree node, pinned entry} is ever set after any activation sequence.
func (s *Store) ActiveNodeFor(windowID hostapi.WindowID) ActiveRef {
	w := s.windows[windowID]
	if w == nil {
		return ActiveRef{}
	}
	return ActiveRef{Node: w.activeNode, Pinned: w.activePinned}
}

// Activate marks the node for a tab as the window's highlighted entry.
// Activating a pinned node clears tree-node activation and vice versa,
// atomically with respect to the single host activation event.
func (s *Store) Activate(tabID hostapi.TabID) {
	n := s.NodeByTab(tabID)
	if n == nil {
		return
	}
	w := s.EnsureWindow(n.WindowID)
	if n.Pinned {
		w.activeNode = ""
		w.activePinned = n.ID
	} else {
		w.activePinned = ""
		w.activeNode = n.ID
	}
	s.commit(ChangeActivated, n.ID, n.WindowID)
}

// Pin moves a node out of the tree into the window's pinned list. Its
// children are promoted to its former parent. If the node was the active
// tree node, the active pinned entry becomes it.
func (s *Store) Pin(tabID hostapi.TabID) {
	n := s.NodeByTab(tabID)
	if n == nil || n.Pinned {
		return
	}
	w := s.EnsureWindow(n.WindowID)

	s.detach(n)
	for _, childID := range n.Children {
		child := s.nodes[childID]
		if child == nil {
			continue
		}
		child.ParentID = n.ParentID
		siblings := s.siblingList(child)
		*siblings = append(*siblings, childID)
	}
	n.Children = nil
	n.ParentID = ""
	n.Pinned = true
	w.Pinned = append(w.Pinned, n.ID)

	if w.activeNode == n.ID {
		w.activeNode = ""
		w.activePinned = n.ID
	}
	s.commit(ChangePinned, n.ID, n.WindowID)
}

// Unpin moves a pinned node back into the tree as a root at the end of its
// assigned view. If it was the active pinned entry, the active tree node
// becomes it.
func (s *Store) Unpin(tabID hostapi.TabID) {
	n := s.NodeByTab(tabID)
	if n == nil || !n.Pinned {
		return
	}
	w := s.EnsureWindow(n.WindowID)

	w.Pinned = removeID(w.Pinned, n.ID)
	n.Pinned = false
	view := s.viewOf(n)
	view.RootNodes = append(view.RootNodes, n.ID)

	if w.activePinned == n.ID {
		w.activePinned = ""
		w.activeNode = n.ID
	}
	s.commit(ChangeUnpinned, n.ID, n.WindowID)
}
