package hostapi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/tabtreehq/tabtree/internal/logging"
)

var hostLog = logging.ForComponent(logging.CompEngine)

// wireMessage is one newline-delimited JSON message from the host bridge.
// The bridge sends a full "snapshot" message on connect and whenever the
// engine requests one, and an "event" message per lifecycle notification.
type wireMessage struct {
	Type  string    `json:"type"` // snapshot, event
	Tabs  []Tab     `json:"tabs,omitempty"`
	Event *TabEvent `json:"event,omitempty"`
}

// StdioSource implements EventSource over a newline-delimited JSON stream,
// the shape a native-messaging host bridge speaks. Call Run in a goroutine
// to start decoding.
type StdioSource struct {
	r io.Reader

	eventCh chan TabEvent

	mu       sync.Mutex
	lastSnap []Tab
	snapWait chan struct{} // closed once the first snapshot arrives
	snapOnce sync.Once
}

// NewStdioSource creates a source over r (typically os.Stdin).
func NewStdioSource(r io.Reader) *StdioSource {
	return &StdioSource{
		r:        r,
		eventCh:  make(chan TabEvent, 256),
		snapWait: make(chan struct{}),
	}
}

// Run decodes messages until the stream ends or ctx is cancelled, then
// closes the event channel.
func (s *StdioSource) Run(ctx context.Context) {
	defer close(s.eventCh)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			hostLog.Warn("host_message_invalid", slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case "snapshot":
			s.mu.Lock()
			s.lastSnap = msg.Tabs
			s.mu.Unlock()
			s.snapOnce.Do(func() { close(s.snapWait) })

		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case s.eventCh <- *msg.Event:
			case <-ctx.Done():
				return
			}

		default:
			hostLog.Warn("host_message_unknown_type", slog.String("type", msg.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		hostLog.Warn("host_stream_error", slog.String("error", err.Error()))
	}
}

// Events returns the lifecycle notification stream.
func (s *StdioSource) Events() <-chan TabEvent {
	return s.eventCh
}

// Snapshot returns the most recent host tab list, waiting for the bridge's
// initial snapshot message if none has arrived yet.
func (s *StdioSource) Snapshot(ctx context.Context) ([]Tab, error) {
	select {
	case <-s.snapWait:
	case <-ctx.Done():
		return nil, fmt.Errorf("hostapi: waiting for host snapshot: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tabs := make([]Tab, len(s.lastSnap))
	copy(tabs, s.lastSnap)
	return tabs, nil
}

var _ EventSource = (*StdioSource)(nil)
