package forest

import (
	"fmt"
	"log/slog"

	"github.com/tabtreehq/tabtree/internal/hostapi"
	"github.com/tabtreehq/tabtree/internal/logging"
)

var viewsLog = logging.ForComponent(logging.CompViews)

// CreateView appends a new view to a window. The active view index is not
// changed; the new view starts empty.
func (s *Store) CreateView(windowID hostapi.WindowID, id, color string) (*View, error) {
	w := s.EnsureWindow(windowID)
	if id == "" {
		return nil, fmt.Errorf("forest: view id must not be empty")
	}
	if w.ViewByID(id) != nil {
		return nil, fmt.Errorf("forest: view %q already exists in window %d", id, windowID)
	}
	v := &View{ID: id, Color: color}
	w.Views = append(w.Views, v)
	viewsLog.Debug("view_created",
		slog.Int("window_id", int(windowID)),
		slog.String("view_id", id))
	s.commit(ChangeViews, "", windowID)
	return v, nil
}

// RemoveView deletes a view. The default view (always index 0) cannot be
// removed; the deleted view's root nodes move to the end of the default
// view's roots and adopt its id.
func (s *Store) RemoveView(windowID hostapi.WindowID, id string) error {
	w := s.EnsureWindow(windowID)
	if id == DefaultViewID {
		return fmt.Errorf("forest: the default view cannot be removed")
	}
	v := w.ViewByID(id)
	if v == nil {
		return &ErrViewNotFound{ViewID: id}
	}

	def := w.ViewByID(DefaultViewID)
	for _, rootID := range v.RootNodes {
		if n := s.nodes[rootID]; n != nil {
			s.retagSubtreeView(n, DefaultViewID)
		}
		def.RootNodes = append(def.RootNodes, rootID)
	}

	for i, cand := range w.Views {
		if cand.ID == id {
			w.Views = append(w.Views[:i], w.Views[i+1:]...)
			break
		}
	}
	if w.ActiveViewIndex >= len(w.Views) {
		w.ActiveViewIndex = 0
	}
	s.commit(ChangeViews, "", windowID)
	return nil
}

func (s *Store) retagSubtreeView(n *Node, viewID string) {
	n.ViewID = viewID
	for _, childID := range n.Children {
		if child := s.nodes[childID]; child != nil {
			s.retagSubtreeView(child, viewID)
		}
	}
}

// SetActiveView switches which view is rendered for a window. No node is
// mutated; only the rendered subset of roots changes.
func (s *Store) SetActiveView(windowID hostapi.WindowID, index int) error {
	w := s.EnsureWindow(windowID)
	if index < 0 || index >= len(w.Views) {
		return fmt.Errorf("forest: view index %d out of range for window %d", index, windowID)
	}
	if w.ActiveViewIndex == index {
		return nil
	}
	w.ActiveViewIndex = index
	s.commit(ChangeViews, "", windowID)
	return nil
}

// ResolveViewForNewNode returns the view a newly created node lands in:
// the window's currently active view. This is the sole switch point for
// new-node view assignment; membership is never re-evaluated later.
func (s *Store) ResolveViewForNewNode(windowID hostapi.WindowID) string {
	return s.EnsureWindow(windowID).ActiveView().ID
}
