package forest

import (
	"fmt"
	"log/slog"

	"github.com/tabtreehq/tabtree/internal/hostapi"
	"github.com/tabtreehq/tabtree/internal/logging"
)

var storeLog = logging.ForComponent(logging.CompStore)

// ChangeKind classifies a committed mutation for subscribers.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeRemoved    ChangeKind = "removed"
	ChangeReparented ChangeKind = "reparented"
	ChangeReordered  ChangeKind = "reordered"
	ChangeUpdated    ChangeKind = "updated"
	ChangePinned     ChangeKind = "pinned"
	ChangeUnpinned   ChangeKind = "unpinned"
	ChangeActivated  ChangeKind = "activated"
	ChangeExpanded   ChangeKind = "expanded"
	ChangeViews      ChangeKind = "views"
	ChangeWindow     ChangeKind = "window"
)

// Change describes a single committed mutation. It is emitted after the
// mutation has fully completed; subscribers never observe partial state.
type Change struct {
	Revision uint64
	Kind     ChangeKind
	NodeID   NodeID
	WindowID hostapi.WindowID
}

// Store is the canonical owner of the tab forest: node identity, parent and
// sibling order, per-window views, pinned lists, highlight state and the
// favicon cache.
//
// Store is not safe for concurrent use. It is owned by the engine's
// serialized command queue; external consumers only receive read-only
// snapshots and Change notifications.
type Store struct {
	nodes    map[NodeID]*Node
	tabs     map[hostapi.TabID]NodeID
	windows  map[hostapi.WindowID]*WindowState
	favicons map[string]string

	revision  uint64
	listeners []func(Change)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		nodes:    make(map[NodeID]*Node),
		tabs:     make(map[hostapi.TabID]NodeID),
		windows:  make(map[hostapi.WindowID]*WindowState),
		favicons: make(map[string]string),
	}
}

// Subscribe registers a listener invoked synchronously after every
// committed mutation.
func (s *Store) Subscribe(fn func(Change)) {
	s.listeners = append(s.listeners, fn)
}

// Revision returns the monotonic mutation counter.
func (s *Store) Revision() uint64 {
	return s.revision
}

func (s *Store) commit(kind ChangeKind, nodeID NodeID, windowID hostapi.WindowID) {
	s.revision++
	c := Change{Revision: s.revision, Kind: kind, NodeID: nodeID, WindowID: windowID}
	for _, fn := range s.listeners {
		fn(c)
	}
}

// NodeByID returns the node with the given id, or nil.
func (s *Store) NodeByID(id NodeID) *Node {
	return s.nodes[id]
}

// NodeByTab returns the live node for a tab id, or nil.
func (s *Store) NodeByTab(tabID hostapi.TabID) *Node {
	id, ok := s.tabs[tabID]
	if !ok {
		return nil
	}
	return s.nodes[id]
}

// Window returns the state for a window, or nil if never observed.
func (s *Store) Window(windowID hostapi.WindowID) *WindowState {
	return s.windows[windowID]
}

// Windows returns all known window ids.
func (s *Store) Windows() []hostapi.WindowID {
	ids := make([]hostapi.WindowID, 0, len(s.windows))
	for id := range s.windows {
		ids = append(ids, id)
	}
	return ids
}

// EnsureWindow returns the state for a window, creating it (with the
// default view) on first observation.
func (s *Store) EnsureWindow(windowID hostapi.WindowID) *WindowState {
	if w, ok := s.windows[windowID]; ok {
		return w
	}
	w := &WindowState{
		WindowID: windowID,
		Views:    []*View{{ID: DefaultViewID}},
	}
	s.windows[windowID] = w
	s.commit(ChangeWindow, "", windowID)
	return w
}

// RemoveWindow drops a window's state and every node still assigned to it.
func (s *Store) RemoveWindow(windowID hostapi.WindowID) {
	w, ok := s.windows[windowID]
	if !ok {
		return
	}
	for id, n := range s.nodes {
		if n.WindowID == windowID {
			delete(s.tabs, n.TabID)
			delete(s.nodes, id)
		}
	}
	delete(s.windows, windowID)
	storeLog.Debug("window_removed", slog.Int("window_id", int(windowID)))
	s.commit(ChangeWindow, "", w.WindowID)
}

// CreateNode allocates a node for a tab. parentID may be empty for a
// root-level node; viewID may be empty to use the window's active view.
// index gives the position among the new siblings (-1 appends). Creating a
// node for a tab that already has one returns the existing node unchanged.
func (s *Store) CreateNode(tabID hostapi.TabID, windowID hostapi.WindowID, parentID NodeID, viewID string, index int) *Node {
	if existing := s.NodeByTab(tabID); existing != nil {
		return existing
	}

	w := s.EnsureWindow(windowID)
	if viewID == "" {
		viewID = w.ActiveView().ID
	}
	if w.ViewByID(viewID) == nil {
		viewID = DefaultViewID
	}

	n := &Node{
		ID:       NewNodeID(),
		TabID:    tabID,
		WindowID: windowID,
		ViewID:   viewID,
		Expanded: true,
	}

	if parentID != "" {
		parent := s.nodes[parentID]
		if parent == nil || parent.WindowID != windowID || parent.Pinned {
			parentID = ""
		}
	}

	if parentID == "" {
		view := w.ViewByID(viewID)
		view.RootNodes = insertID(view.RootNodes, n.ID, index)
	} else {
		parent := s.nodes[parentID]
		n.ParentID = parentID
		parent.Children = insertID(parent.Children, n.ID, index)
	}

	s.nodes[n.ID] = n
	s.tabs[tabID] = n.ID
	s.commit(ChangeCreated, n.ID, windowID)
	return n
}

// RemoveNode destroys the node for a tab. Its children are promoted to its
// former parent, relative order preserved, appended after any existing
// siblings at that level. The node id is removed from every index; a later
// CreateNode for a reused tab id yields a fresh identity.
func (s *Store) RemoveNode(tabID hostapi.TabID) {
	n := s.NodeByTab(tabID)
	if n == nil {
		storeLog.Debug("remove_unknown_tab", slog.Int("tab_id", int(tabID)))
		return
	}

	w := s.windows[n.WindowID]

	if n.Pinned {
		if w != nil {
			w.Pinned = removeID(w.Pinned, n.ID)
		}
	} else {
		s.detach(n)
		// Promote children, appended in order after the existing siblings.
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
	}

	if w != nil {
		// No replacement is auto-selected for a removed active node.
		if w.activeNode == n.ID {
			w.activeNode = ""
		}
		if w.activePinned == n.ID {
			w.activePinned = ""
		}
	}

	delete(s.tabs, tabID)
	delete(s.nodes, n.ID)
	s.commit(ChangeRemoved, n.ID, n.WindowID)
}

// Reparent moves a node (with its entire subtree) under newParent at the
// given sibling index. An empty newParent moves it to the root level of its
// own view. Returns a CycleError if newParent is the node itself or any
// descendant of it; the forest is left unchanged in that case.
func (s *Store) Reparent(id NodeID, newParent NodeID, index int) error {
	n := s.nodes[id]
	if n == nil {
		return &ErrNodeNotFound{NodeID: id}
	}
	if n.Pinned {
		return fmt.Errorf("forest: node %s is pinned and has no tree position", id)
	}

	if newParent != "" {
		p := s.nodes[newParent]
		if p == nil {
			return &ErrNodeNotFound{NodeID: newParent}
		}
		if p.WindowID != n.WindowID {
			return fmt.Errorf("forest: cannot reparent %s across windows", id)
		}
		if p.Pinned {
			return fmt.Errorf("forest: pinned node %s cannot have children", newParent)
		}
		if newParent == id || s.isDescendant(newParent, id) {
			return &CycleError{NodeID: id, NewParent: newParent}
		}
	}

	s.detach(n)
	if newParent == "" {
		n.ParentID = ""
		view := s.viewOf(n)
		view.RootNodes = insertID(view.RootNodes, id, index)
	} else {
		n.ParentID = newParent
		p := s.nodes[newParent]
		p.Children = insertID(p.Children, id, index)
	}
	s.commit(ChangeReparented, id, n.WindowID)
	return nil
}

// MoveWithinSiblings reorders a node among its current siblings.
func (s *Store) MoveWithinSiblings(id NodeID, index int) {
	n := s.nodes[id]
	if n == nil || n.Pinned {
		storeLog.Debug("move_unknown_node", slog.String("node_id", string(id)))
		return
	}
	siblings := s.siblingList(n)
	*siblings = removeID(*siblings, id)
	*siblings = insertID(*siblings, id, index)
	s.commit(ChangeReordered, id, n.WindowID)
}

// MoveToWindowRoot moves a node to the root level of its assigned view in
// the given window, clearing its parent. Cross-window parent references are
// never retained, so the node's subtree is promoted to its old location
// first. Used for host attach/detach transitions.
func (s *Store) MoveToWindowRoot(id NodeID, windowID hostapi.WindowID) {
	n := s.nodes[id]
	if n == nil {
		return
	}

	w := s.EnsureWindow(windowID)

	if n.WindowID != windowID {
		// Children stay behind in the old window, promoted to the old parent.
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

		if old := s.windows[n.WindowID]; old != nil {
			if old.activeNode == id {
				old.activeNode = ""
			}
			if old.activePinned == id {
				old.activePinned = ""
			}
		}
	} else {
		s.detach(n)
	}

	n.WindowID = windowID
	n.ParentID = ""
	n.Pinned = false
	if w.ViewByID(n.ViewID) == nil {
		n.ViewID = DefaultViewID
	}
	view := w.ViewByID(n.ViewID)
	view.RootNodes = append(view.RootNodes, id)
	s.commit(ChangeReparented, id, windowID)
}

// UpdateMeta updates url/title/favicon for a tab in place. The favicon
// cache is keyed by page URL, so a favicon learned here survives the tab.
// Parent and order are never touched.
func (s *Store) UpdateMeta(tabID hostapi.TabID, url, title, faviconURL string) {
	n := s.NodeByTab(tabID)
	if n == nil {
		return
	}
	if url != "" {
		n.URL = url
	}
	if title != "" {
		n.Title = title
	}
	if faviconURL != "" {
		n.FaviconURL = faviconURL
		if n.URL != "" {
			s.favicons[n.URL] = faviconURL
		}
	} else if n.URL != "" {
		if cached, ok := s.favicons[n.URL]; ok && n.FaviconURL == "" {
			n.FaviconURL = cached
		}
	}
	s.commit(ChangeUpdated, n.ID, n.WindowID)
}

// SetExpanded records a node's expand/collapse UI state.
func (s *Store) SetExpanded(id NodeID, expanded bool) {
	n := s.nodes[id]
	if n == nil || n.Expanded == expanded {
		return
	}
	n.Expanded = expanded
	s.commit(ChangeExpanded, id, n.WindowID)
}

// FaviconFor returns the cached favicon for a page URL. Entries are never
// evicted on tab close; the same content can reappear under a new tab id.
func (s *Store) FaviconFor(url string) string {
	return s.favicons[url]
}

// SetFavicon caches a favicon under a page URL.
func (s *Store) SetFavicon(url, faviconURL string) {
	if url == "" || faviconURL == "" {
		return
	}
	s.favicons[url] = faviconURL
}

// detach removes a node from whichever ordered list currently holds it
// (parent children, view roots, or pinned list). The node keeps its own
// Children intact.
func (s *Store) detach(n *Node) {
	if n.Pinned {
		if w := s.windows[n.WindowID]; w != nil {
			w.Pinned = removeID(w.Pinned, n.ID)
		}
		return
	}
	if n.ParentID != "" {
		if p := s.nodes[n.ParentID]; p != nil {
			p.Children = removeID(p.Children, n.ID)
		}
		return
	}
	if view := s.viewOf(n); view != nil {
		view.RootNodes = removeID(view.RootNodes, n.ID)
	}
}

// siblingList returns a pointer to the ordered list that holds the node's
// siblings: its parent's Children or its view's RootNodes.
func (s *Store) siblingList(n *Node) *[]NodeID {
	if n.ParentID != "" {
		if p := s.nodes[n.ParentID]; p != nil {
			return &p.Children
		}
	}
	view := s.viewOf(n)
	return &view.RootNodes
}

// viewOf returns the node's view in its window, falling back to default.
func (s *Store) viewOf(n *Node) *View {
	w := s.EnsureWindow(n.WindowID)
	if v := w.ViewByID(n.ViewID); v != nil {
		return v
	}
	return w.ViewByID(DefaultViewID)
}

// IsDescendant reports whether candidate is in the subtree rooted at root.
func (s *Store) IsDescendant(candidate, root NodeID) bool {
	return s.isDescendant(candidate, root)
}

// isDescendant reports whether candidate is in the subtree rooted at root.
func (s *Store) isDescendant(candidate, root NodeID) bool {
	n := s.nodes[candidate]
	for n != nil && n.ParentID != "" {
		if n.ParentID == root {
			return true
		}
		n = s.nodes[n.ParentID]
	}
	return false
}

func removeID(list []NodeID, id NodeID) []NodeID {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func insertID(list []NodeID, id NodeID, index int) []NodeID {
	if index < 0 || index > len(list) {
		index = len(list)
	}
	list = append(list, "")
	copy(list[index+1:], list[index:])
	list[index] = id
	return list
}
