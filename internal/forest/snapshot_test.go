package forest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	a := s.CreateNode(1, 1, "", "", -1)
	s.CreateNode(2, 1, a.ID, "", -1)
	s.CreateNode(3, 1, "", "", -1)
	_, err := s.CreateView(1, "work", "#00ff00")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveView(1, 1))
	s.CreateNode(4, 1, "", "", -1)
	s.Pin(3)
	s.UpdateMeta(1, "https://a.example", "A", "https://a.example/icon.png")
	s.Activate(1)
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := populatedStore(t)
	snap := s.BuildSnapshot()

	restored := NewStore()
	restored.Restore(snap)
	again := restored.BuildSnapshot()

	assert.Equal(t, snap.Nodes, again.Nodes)
	assert.Equal(t, snap.TabToNode, again.TabToNode)
	assert.Equal(t, snap.Favicons, again.Favicons)
	assert.Equal(t, snap.Windows, again.Windows)
	assert.GreaterOrEqual(t, again.Revision, snap.Revision)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := populatedStore(t)
	snap := s.BuildSnapshot()
	nodesBefore := len(snap.Nodes)
	rootsBefore := append([]NodeID(nil), snap.Windows[0].Views[0].RootNodes...)

	s.CreateNode(99, 1, "", "", -1)
	s.RemoveNode(1)

	assert.Len(t, snap.Nodes, nodesBefore)
	assert.Equal(t, rootsBefore, snap.Windows[0].Views[0].RootNodes)
}

func TestSnapshotCarriesHighlightAndPins(t *testing.T) {
	s := populatedStore(t)
	snap := s.BuildSnapshot()

	require.Len(t, snap.Windows, 1)
	w := snap.Windows[0]
	assert.Equal(t, s.ActiveNodeFor(1).Node, w.ActiveNode)
	assert.Len(t, w.Pinned, 1)
	assert.Equal(t, 1, w.ActiveViewIndex)
	assert.Equal(t, SnapshotVersion, snap.Version)
}

func TestRestoreEnsuresDefaultView(t *testing.T) {
	snap := &Snapshot{
		Version:  SnapshotVersion,
		Windows:  []WindowSnapshot{{WindowID: 1, Views: []ViewSnapshot{{ID: "work"}}}},
		Nodes:    map[NodeID]NodeSnapshot{},
		Favicons: map[string]string{},
	}

	s := NewStore()
	s.Restore(snap)

	w := s.Window(1)
	require.NotNil(t, w)
	require.NotNil(t, w.ViewByID(DefaultViewID))
	assert.Equal(t, DefaultViewID, w.Views[0].ID, "the default view is always present at index 0")
}

func TestRestoreKeepsHigherRevision(t *testing.T) {
	s := populatedStore(t)
	rev := s.Revision()

	s.Restore(&Snapshot{Version: SnapshotVersion, Nodes: map[NodeID]NodeSnapshot{}})

	assert.Greater(t, s.Revision(), uint64(0))
	assert.GreaterOrEqual(t, s.Revision(), rev, "restoring never rewinds the revision counter")
}
