package persist

import (
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/hostapi"
)

// memKV is an in-memory hostapi.KV for tests.
type memKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	sets     int
	attempts int
	failSet  bool
	changes  chan struct{}
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte), changes: make(chan struct{}, 1)}
}

func (m *memKV) Get(keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memKV) Set(entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failSet {
		return assert.AnError
	}
	for k, v := range entries {
		m.data[k] = v
	}
	m.sets++
	return nil
}

func (m *memKV) Remove(keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memKV) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

func (m *memKV) Changes() <-chan struct{} { return m.changes }

func (m *memKV) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func (m *memKV) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *memKV) setFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSet = fail
}

var _ hostapi.KV = (*memKV)(nil)

func storeSnapshot(t *testing.T, build func(s *forest.Store)) []byte {
	t.Helper()
	s := forest.NewStore()
	build(s)
	payload, err := json.Marshal(s.BuildSnapshot())
	require.NoError(t, err)
	return payload
}

func hostTab(id hostapi.TabID, index int) hostapi.Tab {
	return hostapi.Tab{ID: id, WindowID: 1, Index: index, URL: "https://t", Title: "T"}
}

func TestReconcileRestoresPersistedForest(t *testing.T) {
	kv := newMemKV()
	kv.data[snapshotKey] = storeSnapshot(t, func(s *forest.Store) {
		p := s.CreateNode(1, 1, "", "", -1)
		s.CreateNode(2, 1, p.ID, "", -1)
	})

	store := forest.NewStore()
	err := Reconcile(kv, store, []hostapi.Tab{hostTab(1, 0), hostTab(2, 1)})
	require.NoError(t, err)

	p := store.NodeByTab(1)
	c := store.NodeByTab(2)
	require.NotNil(t, p)
	require.NotNil(t, c)
	assert.Equal(t, p.ID, c.ParentID, "persisted structure survives restart")
}

func TestReconcileRoundTripIdenticalForest(t *testing.T) {
	original := forest.NewStore()
	p := original.CreateNode(1, 1, "", "", -1)
	original.CreateNode(2, 1, p.ID, "", -1)
	original.CreateNode(3, 1, "", "", -1)
	original.UpdateMeta(1, "https://t", "T", "")
	original.UpdateMeta(2, "https://t", "T", "")
	original.UpdateMeta(3, "https://t", "T", "")
	before := original.BuildSnapshot()

	payload, err := json.Marshal(before)
	require.NoError(t, err)
	kv := newMemKV()
	kv.data[snapshotKey] = payload

	store := forest.NewStore()
	require.NoError(t, Reconcile(kv, store, []hostapi.Tab{hostTab(1, 0), hostTab(2, 1), hostTab(3, 2)}))

	after := store.BuildSnapshot()
	assert.Equal(t, before.Nodes, after.Nodes, "an unchanged host list reproduces the forest exactly")
	assert.Equal(t, before.TabToNode, after.TabToNode)
	assert.Equal(t, before.Windows, after.Windows)
}

func TestReconcileDropsStaleTabs(t *testing.T) {
	kv := newMemKV()
	kv.data[snapshotKey] = storeSnapshot(t, func(s *forest.Store) {
		p := s.CreateNode(1, 1, "", "", -1)
		s.CreateNode(2, 1, p.ID, "", -1)
		s.CreateNode(3, 1, "", "", -1)
	})

	store := forest.NewStore()
	// Tab 1 vanished while the process was down.
	require.NoError(t, Reconcile(kv, store, []hostapi.Tab{hostTab(2, 0), hostTab(3, 1)}))

	assert.Nil(t, store.NodeByTab(1))
	c := store.NodeByTab(2)
	require.NotNil(t, c, "children of stale nodes are promoted, not dropped")
	assert.Empty(t, c.ParentID)
}

func TestReconcileInsertsUnknownHostTabs(t *testing.T) {
	kv := newMemKV()

	store := forest.NewStore()
	tabs := []hostapi.Tab{
		{ID: 3, WindowID: 1, Index: 2},
		{ID: 1, WindowID: 1, Index: 0},
		{ID: 2, WindowID: 1, Index: 1},
	}
	require.NoError(t, Reconcile(kv, store, tabs))

	w := store.Window(1)
	require.NotNil(t, w)
	roots := w.ViewByID(forest.DefaultViewID).RootNodes
	want := []forest.NodeID{store.NodeByTab(1).ID, store.NodeByTab(2).ID, store.NodeByTab(3).ID}
	assert.Equal(t, want, roots, "inserted in the host's tab-strip order")
}

func TestReconcileHostAuthoritativeForPinAndActive(t *testing.T) {
	kv := newMemKV()
	kv.data[snapshotKey] = storeSnapshot(t, func(s *forest.Store) {
		s.CreateNode(1, 1, "", "", -1)
		s.CreateNode(2, 1, "", "", -1)
		s.Pin(2)
	})

	store := forest.NewStore()
	tabs := []hostapi.Tab{
		{ID: 1, WindowID: 1, Index: 0, Pinned: true, URL: "https://one", Title: "One"},
		{ID: 2, WindowID: 1, Index: 1, Active: true},
	}
	require.NoError(t, Reconcile(kv, store, tabs))

	assert.True(t, store.NodeByTab(1).Pinned, "host pin state wins")
	assert.False(t, store.NodeByTab(2).Pinned, "host unpin wins")
	assert.Equal(t, "https://one", store.NodeByTab(1).URL)
	assert.Equal(t, store.NodeByTab(2).ID, store.ActiveNodeFor(1).Node)
}

func TestReconcileCorruptPayloadRebuildsFromHost(t *testing.T) {
	kv := newMemKV()
	kv.data[snapshotKey] = []byte("{not json")

	store := forest.NewStore()
	require.NoError(t, Reconcile(kv, store, []hostapi.Tab{hostTab(1, 0)}))

	assert.NotNil(t, store.NodeByTab(1), "a corrupt payload falls back to the host list")
}

func TestDecodePayloadMigratesLegacy(t *testing.T) {
	payload := storeSnapshot(t, func(s *forest.Store) {
		s.CreateNode(1, 1, "", "", -1)
	})

	// Pre-versioning payloads carry no version tag.
	var legacy map[string]any
	require.NoError(t, json.Unmarshal(payload, &legacy))
	delete(legacy, "version")
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)

	snap, err := decodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, forest.SnapshotVersion, snap.Version)
	assert.Len(t, snap.Nodes, 1)
}

func TestDecodePayloadRejectsFutureVersion(t *testing.T) {
	_, err := decodePayload([]byte(`{"version": 999}`))
	assert.Error(t, err)
}
