// Package web exposes the engine's read-only surface to the rendering
// layer: a forest snapshot endpoint and a websocket stream of committed
// mutations.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/logging"
)

var webLog = logging.ForComponent(logging.CompWeb)

// SnapshotProvider supplies atomic forest snapshots.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (*forest.Snapshot, error)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
}

// Server wraps the HTTP server for the snapshot and notification surface.
type Server struct {
	cfg        Config
	httpServer *http.Server
	snapshots  SnapshotProvider
	baseCtx    context.Context
	cancelBase context.CancelFunc

	subscribersMu sync.Mutex
	subscribers   map[chan forest.Change]struct{}
}

// NewServer creates a server over the given snapshot provider.
func NewServer(cfg Config, snapshots SnapshotProvider) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7433"
	}

	s := &Server{
		cfg:         cfg,
		snapshots:   snapshots,
		subscribers: make(map[chan forest.Change]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := map[string]any{
			"ok":   true,
			"time": time.Now().UTC().Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, force-closing long-lived
// connections that outlive the grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}
	return err
}

// Broadcast fans a committed mutation out to every connected websocket
// client. Slow clients drop notifications rather than blocking.
func (s *Server) Broadcast(c forest.Change) {
	s.subscribersMu.Lock()
	for ch := range s.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
	s.subscribersMu.Unlock()
}

func (s *Server) subscribe() chan forest.Change {
	ch := make(chan forest.Change, 64)
	s.subscribersMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subscribersMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan forest.Change) {
	s.subscribersMu.Lock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.subscribersMu.Unlock()
}

// authorizeRequest checks the bearer token when one is configured.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Token
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
