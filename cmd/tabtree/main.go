// Command tabtree runs the tab tree synchronization engine as a daemon.
// It speaks newline-delimited JSON with a host browser bridge on stdin,
// persists the forest to a SQLite state database, and exposes a read-only
// snapshot and mutation stream to the rendering layer over HTTP/websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabtreehq/tabtree/internal/config"
	"github.com/tabtreehq/tabtree/internal/drag"
	"github.com/tabtreehq/tabtree/internal/engine"
	"github.com/tabtreehq/tabtree/internal/forest"
	"github.com/tabtreehq/tabtree/internal/hostapi"
	"github.com/tabtreehq/tabtree/internal/logging"
	"github.com/tabtreehq/tabtree/internal/persist"
	"github.com/tabtreehq/tabtree/internal/reconcile"
	"github.com/tabtreehq/tabtree/internal/statedb"
	"github.com/tabtreehq/tabtree/internal/web"
)

const Version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tabtree: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging")
		addr        = flag.String("addr", "", "web listen address (overrides config)")
		stateDir    = flag.String("state-dir", "", "state directory (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("tabtree", Version)
		return nil
	}

	cfg, cfgErr := config.Load()

	dir := cfg.Persist.StateDir
	if *stateDir != "" {
		dir = *stateDir
	}
	if dir == "" {
		var err error
		dir, err = config.Dir()
		if err != nil {
			return err
		}
	}

	logging.Init(logging.Config{
		LogDir:     dir,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		Debug:      *debug,
	})
	defer logging.Shutdown()

	log := logging.ForComponent(logging.CompEngine)
	if cfgErr != nil {
		log.Warn("config_load_failed", slog.String("error", cfgErr.Error()))
	}
	log.Info("starting", slog.String("version", Version), slog.String("state_dir", dir))

	// Durable storage.
	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	kv := persist.NewSQLiteKV(db)
	defer kv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Crash dumps on SIGUSR1.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-%d.log", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Warn("ring_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("ring_dumped", slog.String("path", dumpPath))
			}
		}
	}()

	// Host bridge on stdin.
	source := hostapi.NewStdioSource(os.Stdin)
	go source.Run(ctx)

	// Cold start: the persisted forest is only trusted after it has been
	// reconciled against the host's authoritative tab list.
	store := forest.NewStore()
	snapCtx, cancelSnap := context.WithTimeout(ctx, 30*time.Second)
	hostTabs, err := source.Snapshot(snapCtx)
	cancelSnap()
	if err != nil {
		return fmt.Errorf("host snapshot: %w", err)
	}
	if err := persist.Reconcile(kv, store, hostTabs); err != nil {
		return err
	}

	rec := reconcile.New(store, cfg.Reconciler.OpenerPolicy,
		time.Duration(cfg.Reconciler.PendingExpiryMS)*time.Millisecond)
	dragEng := drag.New(store, cfg.Drag.BandFraction,
		time.Duration(cfg.Drag.AutoExpandDwellMS)*time.Millisecond)

	var eng *engine.Engine
	adapter := persist.NewAdapter(kv,
		func(ctx context.Context) (*forest.Snapshot, error) { return eng.Snapshot(ctx) },
		time.Duration(cfg.Persist.DebounceMS)*time.Millisecond,
		time.Duration(cfg.Persist.RetryMaxBackoffMS)*time.Millisecond)
	eng = engine.New(store, rec, dragEng, adapter.NotifyMutation)

	// Reconcile's mutations predate the engine subscription; seed the
	// adapter so the cleaned-up forest is persisted even if no host event
	// ever arrives.
	adapter.NotifyMutation(store.Revision())

	listenAddr := cfg.Web.Addr
	if *addr != "" {
		listenAddr = *addr
	}
	srv := web.NewServer(web.Config{ListenAddr: listenAddr, Token: cfg.Web.AuthToken}, eng)

	cfgWatcher, watchErr := config.NewWatcher()
	if watchErr != nil {
		log.Warn("config_watcher_disabled", slog.String("error", watchErr.Error()))
	}

	// The run group lives on its own context so the shutdown flush can
	// complete while the adapter loop is still draining.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		eng.Run(gctx, source)
		return nil
	})

	g.Go(func() error {
		adapter.Run(gctx)
		return nil
	})

	// Fan committed mutations out to websocket clients.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case c, ok := <-eng.Changes():
				if !ok {
					return nil
				}
				srv.Broadcast(c)
			}
		}
	})

	if cfg.WebEnabled() {
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfgWatcher != nil {
		go cfgWatcher.Start()
		defer cfgWatcher.Stop()
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case newCfg := <-cfgWatcher.ReloadCh():
					adapter.SetDebounce(time.Duration(newCfg.Persist.DebounceMS) * time.Millisecond)
					if err := eng.ApplyConfig(gctx, newCfg); err != nil {
						return nil // context cancelled
					}
				}
			}
		})
	}

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}

	// Flush before tearing the run group down so the final revision lands.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	if err := adapter.Flush(flushCtx); err != nil {
		log.Warn("final_flush_failed", slog.String("error", err.Error()))
	}
	cancelFlush()

	cancelRun()
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
