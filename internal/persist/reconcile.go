package persist

import (
	"fmt"
	"log/slog"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/hostapi"
)

// Reconcile loads the last persisted forest into the store and cross-checks
// it against the host's authoritative live-tab list. This is the sole truth
// recovery path after a crash or cold start: no component may treat the
// in-memory forest as authoritative until it returns.
//
// Tabs present on the host but absent from the persisted forest are
// inserted as new root nodes; persisted nodes whose tab id is no longer
// live are dropped, their children promoted. Neither case is a failure.
func Reconcile(kv hostapi.KV, store *forest.Store, hostTabs []hostapi.Tab) error {
	values, err := kv.Get([]string{snapshotKey})
	if err != nil {
		return fmt.Errorf("persist: load snapshot: %w", err)
	}

	if raw, ok := values[snapshotKey]; ok {
		snap, err := decodePayload(raw)
		if err != nil {
			// A corrupt payload is logged and discarded; the host list
			// rebuilds the forest from scratch below.
			persistLog.Warn("snapshot_decode_failed", slog.String("error", err.Error()))
		} else {
			store.Restore(snap)
		}
	}

	live := make(map[hostapi.TabID]hostapi.Tab, len(hostTabs))
	for _, t := range hostTabs {
		live[t.ID] = t
	}

	// Drop persisted nodes whose tab the host no longer recognizes.
	// Children are promoted, never deleted transitively.
	snap := store.BuildSnapshot()
	stale := 0
	for tabID := range snap.TabToNode {
		if _, ok := live[tabID]; !ok {
			store.RemoveNode(tabID)
			stale++
		}
	}
	if stale > 0 {
		persistLog.Info("stale_nodes_dropped", slog.Int("count", stale))
	}

	// Insert host tabs the persisted forest does not know, as root nodes,
	// in the host's tab-strip order.
	missing := make([]hostapi.Tab, 0)
	for _, t := range hostTabs {
		if store.NodeByTab(t.ID) == nil {
			missing = append(missing, t)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].WindowID != missing[j].WindowID {
			return missing[i].WindowID < missing[j].WindowID
		}
		return missing[i].Index < missing[j].Index
	})
	for _, t := range missing {
		store.CreateNode(t.ID, t.WindowID, "", "", -1)
	}
	if len(missing) > 0 {
		persistLog.Info("host_tabs_inserted", slog.Int("count", len(missing)))
	}

	// The host is authoritative for tab metadata, pin state and activation.
	for _, t := range hostTabs {
		store.UpdateMeta(t.ID, t.URL, t.Title, "")
		n := store.NodeByTab(t.ID)
		if n == nil {
			continue
		}
		if t.Pinned && !n.Pinned {
			store.Pin(t.ID)
		} else if !t.Pinned && n.Pinned {
			store.Unpin(t.ID)
		}
		if t.Active {
			store.Activate(t.ID)
		}
	}

	persistLog.Info("reconcile_complete",
		slog.Int("host_tabs", len(hostTabs)),
		slog.Uint64("revision", store.Revision()))
	return nil
}

// decodePayload parses a persisted snapshot, running the versioned
// migration step for older payload shapes.
func decodePayload(raw []byte) (*forest.Snapshot, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("persist: probe payload: %w", err)
	}

	switch probe.Version {
	case forest.SnapshotVersion:
		var snap forest.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("persist: unmarshal snapshot: %w", err)
		}
		return &snap, nil
	case 0:
		// Pre-versioning payloads carried the same field layout without the
		// version tag. Parse as v1 and stamp the version.
		var snap forest.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("persist: migrate legacy payload: %w", err)
		}
		snap.Version = forest.SnapshotVersion
		persistLog.Info("payload_migrated", slog.Int("from_version", 0))
		return &snap, nil
	default:
		return nil, fmt.Errorf("persist: unsupported payload version %d", probe.Version)
	}
}
