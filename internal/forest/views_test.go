package forest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateViewDoesNotSwitch(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)

	v, err := s.CreateView(1, "work", "#ff8800")
	require.NoError(t, err)
	assert.Equal(t, "work", v.ID)
	assert.Empty(t, v.RootNodes)

	w := s.Window(1)
	assert.Equal(t, 0, w.ActiveViewIndex, "creating a view leaves the active view alone")
	assert.Len(t, w.Views, 2)
}

func TestCreateViewDuplicateRejected(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)

	_, err := s.CreateView(1, "work", "")
	require.NoError(t, err)
	_, err = s.CreateView(1, "work", "")
	assert.Error(t, err)

	_, err = s.CreateView(1, "", "")
	assert.Error(t, err, "empty view id is rejected")
}

func TestNewNodeJoinsActiveViewAndStays(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)
	_, err := s.CreateView(1, "work", "")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveView(1, 1))

	n := s.CreateNode(1, 1, "", "", -1)
	assert.Equal(t, "work", n.ViewID)
	assert.Equal(t, []NodeID{n.ID}, s.Window(1).ViewByID("work").RootNodes)

	// Switching the active view never re-homes existing nodes.
	require.NoError(t, s.SetActiveView(1, 0))
	assert.Equal(t, "work", n.ViewID)
	assert.Empty(t, s.Window(1).ViewByID(DefaultViewID).RootNodes)
}

func TestSetActiveViewOutOfRange(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)

	assert.Error(t, s.SetActiveView(1, 1))
	assert.Error(t, s.SetActiveView(1, -1))
	assert.NoError(t, s.SetActiveView(1, 0))
}

func TestRemoveDefaultViewRejected(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)

	assert.Error(t, s.RemoveView(1, DefaultViewID))
}

func TestRemoveUnknownView(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)

	var notFound *ErrViewNotFound
	assert.ErrorAs(t, s.RemoveView(1, "nope"), &notFound)
}

func TestRemoveViewMovesRootsToDefault(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)
	a := s.CreateNode(1, 1, "", "", -1)

	_, err := s.CreateView(1, "work", "")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveView(1, 1))
	b := s.CreateNode(2, 1, "", "", -1)
	c := s.CreateNode(3, 1, b.ID, "", -1)

	require.NoError(t, s.RemoveView(1, "work"))

	w := s.Window(1)
	assert.Nil(t, w.ViewByID("work"))
	assert.Equal(t, []NodeID{a.ID, b.ID}, w.ViewByID(DefaultViewID).RootNodes)
	assert.Equal(t, DefaultViewID, b.ViewID)
	assert.Equal(t, DefaultViewID, c.ViewID, "the whole subtree is retagged")
	assert.Equal(t, 0, w.ActiveViewIndex)
}

func TestResolveViewForNewNode(t *testing.T) {
	s := NewStore()
	s.EnsureWindow(1)
	_, err := s.CreateView(1, "work", "")
	require.NoError(t, err)

	assert.Equal(t, DefaultViewID, s.ResolveViewForNewNode(1))
	require.NoError(t, s.SetActiveView(1, 1))
	assert.Equal(t, "work", s.ResolveViewForNewNode(1))
}
