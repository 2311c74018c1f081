package forest

import (
	"github.com/tabtreehq/tabtree/internal/hostapi"
)

// SnapshotVersion is the persisted payload schema version. Bump when the
// snapshot shape changes and add a migration step in persist.
const SnapshotVersion = 1

// Snapshot is a read-only, deep copy of the full forest: windows, views,
// pinned lists, nodes, the tab index and the favicon cache. It is both the
// shape handed to external consumers and the persisted state payload.
type Snapshot struct {
	Version   int                      `json:"version"`
	Revision  uint64                   `json:"revision"`
	Windows   []WindowSnapshot         `json:"windows"`
	Nodes     map[NodeID]NodeSnapshot  `json:"nodes"`
	TabToNode map[hostapi.TabID]NodeID `json:"tabToNode"`
	Favicons  map[string]string        `json:"favicons"`
}

// WindowSnapshot mirrors WindowState.
type WindowSnapshot struct {
	WindowID        hostapi.WindowID `json:"windowId"`
	Views           []ViewSnapshot   `json:"views"`
	ActiveViewIndex int              `json:"activeViewIndex"`
	Pinned          []NodeID         `json:"pinned"`
	ActiveNode      NodeID           `json:"activeNode,omitempty"`
	ActivePinned    NodeID           `json:"activePinned,omitempty"`
}

// ViewSnapshot mirrors View.
type ViewSnapshot struct {
	ID        string   `json:"id"`
	Color     string   `json:"color,omitempty"`
	RootNodes []NodeID `json:"rootNodes"`
}

// NodeSnapshot mirrors Node.
type NodeSnapshot struct {
	ID         NodeID           `json:"id"`
	TabID      hostapi.TabID    `json:"tabId"`
	WindowID   hostapi.WindowID `json:"windowId"`
	ParentID   NodeID           `json:"parentId,omitempty"`
	Children   []NodeID         `json:"children"`
	ViewID     string           `json:"viewId"`
	Expanded   bool             `json:"expanded"`
	Pinned     bool             `json:"pinned,omitempty"`
	URL        string           `json:"url,omitempty"`
	Title      string           `json:"title,omitempty"`
	FaviconURL string           `json:"faviconUrl,omitempty"`
}

// BuildSnapshot captures the entire forest. The result shares no memory
// with the store and can safely cross goroutine boundaries.
func (s *Store) BuildSnapshot() *Snapshot {
	snap := &Snapshot{
		Version:   SnapshotVersion,
		Revision:  s.revision,
		Nodes:     make(map[NodeID]NodeSnapshot, len(s.nodes)),
		TabToNode: make(map[hostapi.TabID]NodeID, len(s.tabs)),
		Favicons:  make(map[string]string, len(s.favicons)),
	}

	for _, w := range s.windows {
		ws := WindowSnapshot{
			WindowID:        w.WindowID,
			ActiveViewIndex: w.ActiveViewIndex,
			Pinned:          append([]NodeID(nil), w.Pinned...),
			ActiveNode:      w.activeNode,
			ActivePinned:    w.activePinned,
		}
		for _, v := range w.Views {
			ws.Views = append(ws.Views, ViewSnapshot{
				ID:        v.ID,
				Color:     v.Color,
				RootNodes: append([]NodeID(nil), v.RootNodes...),
			})
		}
		snap.Windows = append(snap.Windows, ws)
	}

	for id, n := range s.nodes {
		snap.Nodes[id] = NodeSnapshot{
			ID:         n.ID,
			TabID:      n.TabID,
			WindowID:   n.WindowID,
			ParentID:   n.ParentID,
			Children:   append([]NodeID(nil), n.Children...),
			ViewID:     n.ViewID,
			Expanded:   n.Expanded,
			Pinned:     n.Pinned,
			URL:        n.URL,
			Title:      n.Title,
			FaviconURL: n.FaviconURL,
		}
	}

	for tabID, nodeID := range s.tabs {
		snap.TabToNode[tabID] = nodeID
	}
	for url, icon := range s.favicons {
		snap.Favicons[url] = icon
	}
	return snap
}

// Restore replaces the store's contents with a snapshot. Used only by the
// persistence adapter during cold-start reconciliation, before any other
// component touches the store.
func (s *Store) Restore(snap *Snapshot) {
	s.nodes = make(map[NodeID]*Node, len(snap.Nodes))
	s.tabs = make(map[hostapi.TabID]NodeID, len(snap.TabToNode))
	s.windows = make(map[hostapi.WindowID]*WindowState, len(snap.Windows))
	s.favicons = make(map[string]string, len(snap.Favicons))

	for id, ns := range snap.Nodes {
		s.nodes[id] = &Node{
			ID:         ns.ID,
			TabID:      ns.TabID,
			WindowID:   ns.WindowID,
			ParentID:   ns.ParentID,
			Children:   append([]NodeID(nil), ns.Children...),
			ViewID:     ns.ViewID,
			Expanded:   ns.Expanded,
			Pinned:     ns.Pinned,
			URL:        ns.URL,
			Title:      ns.Title,
			FaviconURL: ns.FaviconURL,
		}
	}
	for tabID, nodeID := range snap.TabToNode {
		s.tabs[tabID] = nodeID
	}
	for _, ws := range snap.Windows {
		w := &WindowState{
			WindowID:        ws.WindowID,
			ActiveViewIndex: ws.ActiveViewIndex,
			Pinned:          append([]NodeID(nil), ws.Pinned...),
			activeNode:      ws.ActiveNode,
			activePinned:    ws.ActivePinned,
		}
		for _, vs := range ws.Views {
			w.Views = append(w.Views, &View{
				ID:        vs.ID,
				Color:     vs.Color,
				RootNodes: append([]NodeID(nil), vs.RootNodes...),
			})
		}
		if w.ViewByID(DefaultViewID) == nil {
			w.Views = append([]*View{{ID: DefaultViewID}}, w.Views...)
		}
		s.windows[ws.WindowID] = w
	}
	for url, icon := range snap.Favicons {
		s.favicons[url] = icon
	}
	if snap.Revision > s.revision {
		s.revision = snap.Revision
	}
	s.commit(ChangeWindow, "", 0)
}
