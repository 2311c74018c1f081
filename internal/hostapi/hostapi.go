// Package hostapi declares the contracts of the host browser collaborators
// the engine consumes: the tab lifecycle event source, the authoritative
// live-tab snapshot, and the durable key-value storage API. The engine never
// assumes anything about these beyond what is declared here.
package hostapi

import "context"

// TabID is a host-assigned tab identifier. The host may reuse an id after
// the tab it identified is closed.
type TabID int

// WindowID is a host-assigned window identifier.
type WindowID int

// Tab is the host's view of a single live tab.
type Tab struct {
	ID       TabID    `json:"id"`
	WindowID WindowID `json:"windowId"`
	OpenerID TabID    `json:"openerId,omitempty"` // 0 = no opener
	Index    int      `json:"index"`
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Pinned   bool     `json:"pinned"`
	Active   bool     `json:"active"`
}

// EventKind enumerates tab lifecycle notifications.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventRemoved   EventKind = "removed"
	EventUpdated   EventKind = "updated"
	EventActivated EventKind = "activated"
	EventMoved     EventKind = "moved"
	EventAttached  EventKind = "attached"
	EventDetached  EventKind = "detached"
	EventPinned    EventKind = "pinned"
	EventUnpinned  EventKind = "unpinned"
)

// TabEvent is a single lifecycle notification. Delivery is at-least-once and
// ordering across tab ids is not guaranteed.
type TabEvent struct {
	Kind     EventKind `json:"kind"`
	TabID    TabID     `json:"tabId"`
	WindowID WindowID  `json:"windowId"`

	// Created/Updated
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	FaviconURL string `json:"faviconUrl,omitempty"`
	OpenerID   TabID  `json:"openerId,omitempty"`

	// Moved
	Index int `json:"index,omitempty"`

	// Attached/Detached
	FromWindowID WindowID `json:"fromWindowId,omitempty"`
}

// EventSource delivers tab lifecycle notifications from the host.
type EventSource interface {
	// Events returns the notification stream. The channel is closed when the
	// source shuts down.
	Events() <-chan TabEvent

	// Snapshot returns the host's authoritative list of live tabs.
	Snapshot(ctx context.Context) ([]Tab, error)
}

// KV is the durable key-value storage API provided by the host platform.
type KV interface {
	Get(keys []string) (map[string][]byte, error)
	Set(entries map[string][]byte) error
	Remove(keys []string) error
	Clear() error

	// Changes delivers a signal whenever another writer modifies the store.
	Changes() <-chan struct{}
}
