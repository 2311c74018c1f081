package forest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivateTreeNode(t *testing.T) {
	s := NewStore()
	a := s.CreateNode(1, 1, "", "", -1)
	s.CreateNode(2, 1, "", "", -1)

	s.Activate(1)

	ref := s.ActiveNodeFor(1)
	assert.Equal(t, a.ID, ref.Node)
	assert.Empty(t, ref.Pinned)
}

func TestActivationIsExclusive(t *testing.T) {
	s := NewStore()
	s.CreateNode(1, 1, "", "", -1)
	s.CreateNode(2, 1, "", "", -1)
	s.Pin(2)
	pinned := s.NodeByTab(2)

	s.Activate(1)
	s.Activate(2)

	ref := s.ActiveNodeFor(1)
	assert.Empty(t, ref.Node, "activating a pinned entry clears the tree highlight")
	assert.Equal(t, pinned.ID, ref.Pinned)

	s.Activate(1)
	ref = s.ActiveNodeFor(1)
	assert.NotEmpty(t, ref.Node)
	assert.Empty(t, ref.Pinned)
}

func TestPinPromotesChildrenAndTransfersHighlight(t *testing.T) {
	s := NewStore()
	p := s.CreateNode(1, 1, "", "", -1)
	c1 := s.CreateNode(2, 1, p.ID, "", -1)
	c2 := s.CreateNode(3, 1, p.ID, "", -1)
	s.Activate(1)

	s.Pin(1)

	w := s.Window(1)
	assert.Equal(t, []NodeID{p.ID}, w.Pinned)
	assert.True(t, p.Pinned)
	assert.Empty(t, p.Children)
	assert.Empty(t, p.ParentID)
	assert.Equal(t, []NodeID{c1.ID, c2.ID}, defaultRoots(s, 1))

	ref := s.ActiveNodeFor(1)
	assert.Empty(t, ref.Node)
	assert.Equal(t, p.ID, ref.Pinned, "the highlight follows the node into the pinned list")
}

func TestPinIdempotent(t *testing.T) {
	s := NewStore()
	s.CreateNode(1, 1, "", "", -1)
	s.Pin(1)
	s.Pin(1)

	assert.Len(t, s.Window(1).Pinned, 1)
}

func TestUnpinAppendsToViewRoots(t *testing.T) {
	s := NewStore()
	a := s.CreateNode(1, 1, "", "", -1)
	p := s.CreateNode(2, 1, "", "", -1)
	s.Pin(2)
	s.Activate(2)

	s.Unpin(2)

	w := s.Window(1)
	assert.Empty(t, w.Pinned)
	assert.False(t, p.Pinned)
	assert.Equal(t, []NodeID{a.ID, p.ID}, defaultRoots(s, 1))

	ref := s.ActiveNodeFor(1)
	assert.Equal(t, p.ID, ref.Node, "the highlight follows the node back into the tree")
	assert.Empty(t, ref.Pinned)
}

func TestUnpinNonPinnedNoop(t *testing.T) {
	s := NewStore()
	s.CreateNode(1, 1, "", "", -1)
	before := s.Revision()

	s.Unpin(1)

	assert.Equal(t, before, s.Revision())
}

func TestRemovePinnedNode(t *testing.T) {
	s := NewStore()
	s.CreateNode(1, 1, "", "", -1)
	s.Pin(1)
	s.Activate(1)

	s.RemoveNode(1)

	w := s.Window(1)
	require.NotNil(t, w)
	assert.Empty(t, w.Pinned)
	assert.True(t, s.ActiveNodeFor(1).IsZero())
}
