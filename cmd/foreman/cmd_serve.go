package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"foreman/pkg/inbox"
	"foreman/pkg/pool"
	"foreman/pkg/protocol"
	"foreman/pkg/ralph"
	"foreman/pkg/server"
	"foreman/pkg/session"
	"foreman/pkg/taskstore"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the foreman engine daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default $FOREMAN_HOME/config.toml)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = paths.ConfigPath
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	for _, dir := range []string{paths.Home, paths.SpoolDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	logger := newLogger(cfg.LogLevel)

	records, err := session.OpenRecordStore(paths.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = records.Close() }()

	hub := session.NewHub()
	registry := session.NewRegistry(hub)
	bus := inbox.NewBus(registry.Publish)
	tasks := taskstore.NewRegistry()
	catalog := pool.NewCatalog()
	for id, binary := range cfg.Agents {
		catalog.Add(pool.AgentSpec{ID: id, Binary: binary, Modes: []protocol.SessionMode{protocol.ModeDefault}})
	}
	manager := pool.NewManager(registry, bus, tasks, catalog, &pool.ExecSpawner{Home: paths.Home}, records, logger)
	executor := ralph.NewExecutor(manager, registry, tasks, nil, logger)
	srv := server.New(manager, registry, tasks, bus, executor, records, hub, logger)
	srv.SetDefaultAgent(cfg.DefaultAgent)

	ln, err := listenUnix(paths.SocketPath)
	if err != nil {
		return err
	}
	logger.Info("engine listening", "socket", paths.SocketPath, "events", cfg.EventAddr)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", srv.HandleEvents)
	httpSrv := &http.Server{Addr: cfg.EventAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("event server", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watchSpool(ctx, paths.SpoolDir, time.Duration(cfg.SpoolPollSeconds)*time.Second, executor, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = srv.Close()
	manager.Shutdown()
	_ = os.Remove(paths.SocketPath)
	return nil
}

// listenUnix binds the daemon socket, clearing a stale socket file left by a
// crashed daemon. A socket that still accepts connections means another
// daemon is live.
func listenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("daemon already running on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

// watchSpool ingests PRD files dropped into the spool directory: each
// *.yaml becomes a PRD session, then moves to <name>.done (or .failed).
// fsnotify provides the fast path; a poll ticker catches anything missed.
func watchSpool(ctx context.Context, dir string, pollInterval time.Duration, executor *ralph.Executor, logger *slog.Logger) {
	scan := func() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warn("scan spool", "error", err)
			return
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			ingestPRD(filepath.Join(dir, name), executor, logger)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(dir); err != nil {
			logger.Warn("watch spool dir", "error", err)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	scan()
	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				// Writers may still be mid-copy on Create; the next poll
				// retries anything half-written.
				scan()
			}
		}
	}
}

func ingestPRD(path string, executor *ralph.Executor, logger *slog.Logger) {
	prd, err := ralph.LoadPRD(path)
	if err != nil {
		logger.Error("load spooled prd", "path", path, "error", err)
		_ = os.Rename(path, path+".failed")
		return
	}
	ps, err := executor.CreateSession(prd)
	if err != nil {
		logger.Error("start spooled prd", "path", path, "error", err)
		_ = os.Rename(path, path+".failed")
		return
	}
	logger.Info("spooled prd started", "path", path, "prd_session", ps.ID)
	_ = os.Rename(path, path+".done")
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
