package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"headlesshost.io/internal/adapter"
	"headlesshost.io/internal/config"
	plog "headlesshost.io/internal/persistence/log"
	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/sim/cellworld"
	"headlesshost.io/internal/transport"
	"headlesshost.io/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "server config yaml (optional)")
		gameAddr   = flag.String("addr", "", "participant listen address (overrides game_addr)")
		adminAddr  = flag.String("admin", "", "admin listen address (overrides admin_addr; \"off\" disables)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		worldID    = flag.String("world", "", "world id (overrides world_id)")
		snapPath   = flag.String("snapshot", "", "snapshot path or \"latest\" (overrides auto_load_save)")
		worldSize  = flag.Int("world_size", 64, "cell grid width and height for a fresh world")
		frames     = flag.Bool("engine_frames", true, "run the engine's own frame loop as a second pump source")
		logLines   = flag.Int("log_lines", 2048, "log lines kept for /admin/v1/logs")
		pprofOn    = flag.Bool("pprof", false, "serve /debug/pprof on the admin listener")
	)
	flag.Parse()

	ring := adapter.NewLogRing(*logLines)
	logger := log.New(io.MultiWriter(os.Stdout, ring), "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	for _, o := range []struct {
		dst *string
		v   string
	}{
		{&cfg.GameAddr, *gameAddr},
		{&cfg.AdminAddr, *adminAddr},
		{&cfg.DataDir, *dataDir},
		{&cfg.WorldID, *worldID},
		{&cfg.AutoLoadSave, *snapPath},
	} {
		if v := strings.TrimSpace(o.v); v != "" {
			*o.dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	worldDir := filepath.Join(cfg.DataDir, "worlds", cfg.WorldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	idx, err := openIndex(cfg, worldDir, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}
	snapMirror, err := openMirror(cfg, logger)
	if err != nil {
		logger.Fatalf("snapshot mirror: %v", err)
	}

	tickLog := plog.NewTickLogger(worldDir)
	auditLog := plog.NewAuditLogger(worldDir)
	defer tickLog.Close()
	defer auditLog.Close()

	validator, err := protocol.NewValidator()
	if err != nil {
		logger.Fatalf("schemas: %v", err)
	}
	hub := transport.NewHub(transport.Config{
		MaxConnections: cfg.MaxParticipants,
		Validator:      validator,
		Logger:         logger,
	})

	engine := cellworld.New(cellworld.Config{Width: *worldSize, Height: *worldSize})
	opts := adapter.Options{
		Config:    cfg,
		Hooks:     engine.Hooks(),
		Broadcast: cellworld.BroadcastTable(),
		Notify:    engine,
		Hub:       hub,
		Index:     idx,
		TickLog:   tickLog,
		AuditLog:  auditLog,
		Logger:    logger,
	}
	if snapMirror != nil {
		opts.Mirror = snapMirror
	}
	a, err := adapter.New(opts)
	if err != nil {
		logger.Fatalf("adapter: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.AutoStart {
		if err := a.Start(); err != nil {
			logger.Fatalf("start: %v", err)
		}
	} else {
		logger.Printf("auto_start=false; waiting for POST /admin/v1/start")
	}

	go func() {
		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("pump loop stopped: %v", err)
		}
	}()
	if *frames {
		go func() {
			_ = engine.RunFrames(ctx, time.Second/time.Duration(cfg.TickRateHz))
		}()
	}

	game := http.NewServeMux()
	game.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	game.HandleFunc("/metrics", metricsHandler(a, snapMirror))
	game.HandleFunc("/v1/ws", ws.NewServer(hub, validator, logger).Handler())

	api := &adminAPI{a: a, logs: ring, log: logger, configPath: *configPath}
	servers := []*http.Server{{Addr: cfg.GameAddr, Handler: game, ReadHeaderTimeout: 5 * time.Second}}
	switch strings.ToLower(strings.TrimSpace(cfg.AdminAddr)) {
	case "off", "disabled":
		logger.Printf("admin endpoints disabled")
	case "":
		api.register(game)
	default:
		admin := http.NewServeMux()
		api.register(admin)
		admin.HandleFunc("/metrics", metricsHandler(a, snapMirror))
		if *pprofOn {
			admin.HandleFunc("/debug/pprof/", pprof.Index)
			admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
			admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
		servers = append(servers, &http.Server{Addr: cfg.AdminAddr, Handler: admin, ReadHeaderTimeout: 5 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		logger.Printf("listening on %s", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Printf("listener: %v", err)
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if a.State() == adapter.StateRunning {
		if meta, err := a.ArchiveSnapshot("shutdown"); err != nil {
			logger.Printf("final snapshot: %v", err)
		} else {
			logger.Printf("final snapshot at tick %d archived", meta.Tick)
		}
	}
	_ = a.Close()
	if snapMirror != nil {
		snapMirror.Close()
	}
	logger.Printf("stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
