// Package helm is the main orchestrator that ties the daemon's components
// together: construct, serve, shutdown.
package helm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jfikrat/helm-browser/internal/config"
	"github.com/jfikrat/helm-browser/internal/daemon"
	"github.com/jfikrat/helm-browser/internal/eventbus"
	"github.com/jfikrat/helm-browser/internal/registry"
	"github.com/jfikrat/helm-browser/internal/router"
	"github.com/jfikrat/helm-browser/internal/server"
	"github.com/jfikrat/helm-browser/internal/store"
)

// eventRetention bounds how far back the event history is kept.
const eventRetention = 30 * 24 * time.Hour

// Daemon owns all daemon state. There are no package-level singletons:
// everything reachable from handlers hangs off this value.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *eventbus.Bus
	store    store.Store // nil when persistence is disabled
	recorder *store.Recorder
	reg      *registry.Registry
	router   *router.Router
	server   *server.Server

	ready     chan struct{}
	readyOnce sync.Once
	addr      string
}

// New constructs a daemon from configuration. The logger is re-wrapped so
// every Info-or-above record also lands on the event bus.
func New(cfg *config.Config, base *slog.Logger) (*Daemon, error) {
	bus := eventbus.New()
	logger := slog.New(eventbus.NewSlogHandler(base.Handler(), bus))

	var st store.Store
	var rec *store.Recorder
	if cfg.Server.DBPath != "" {
		sq, err := store.NewSQLite(cfg.Server.DBPath)
		if err != nil {
			bus.Close()
			return nil, fmt.Errorf("init event store: %w", err)
		}
		st = sq
		rec = store.NewRecorder(st, bus, logger)
	}

	reg := registry.New(cfg.Timeouts.Keepalive.Duration, bus, logger)
	rt := router.New(reg, bus, logger, router.Options{
		RequestTimeout:      cfg.Timeouts.Request.Duration,
		AgentConnectTimeout: cfg.Timeouts.AgentConnect.Duration,
		CloseWindowTimeout:  cfg.Timeouts.CloseWindow.Duration,
		PingInterval:        cfg.Timeouts.AgentPing.Duration,
	})
	srv := server.New(reg, rt, bus, logger)

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		store:    st,
		recorder: rec,
		reg:      reg,
		router:   rt,
		server:   srv,
		ready:    make(chan struct{}),
	}, nil
}

// Addr blocks until the listener is up (or startup failed) and returns its
// address; empty when the daemon never started listening.
func (d *Daemon) Addr() string {
	<-d.ready
	return d.addr
}

// Run serves until ctx is canceled. It claims the lock file for the lifetime
// of the listener and releases it on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.readyOnce.Do(func() { close(d.ready) })

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", d.cfg.Server.Host, d.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	if err := daemon.Acquire(port); err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := daemon.Release(); err != nil {
			d.logger.Warn("failed to remove lock file", "error", err)
		}
	}()

	d.addr = ln.Addr().String()
	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Info("helmd listening", "addr", d.addr)

	if d.store != nil {
		pruneCtx, cancelPrune := context.WithTimeout(context.Background(), 10*time.Second)
		if n, err := d.store.PruneBefore(pruneCtx, time.Now().Add(-eventRetention)); err != nil {
			d.logger.Warn("event prune failed", "error", err)
		} else if n > 0 {
			d.logger.Info("pruned old events", "count", n)
		}
		cancelPrune()
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go d.reg.RunSweeper(bgCtx)
	go d.server.RunStatusNotifier(bgCtx)
	if d.recorder != nil {
		go d.recorder.Run(bgCtx)
	}

	httpSrv := &http.Server{Handler: d.server.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.shutdown(httpSrv)
			return fmt.Errorf("serve: %w", err)
		}
	}

	d.shutdown(httpSrv)
	return ctx.Err()
}

func (d *Daemon) shutdown(httpSrv *http.Server) {
	d.logger.Info("helmd shutting down")

	// Close peers first so their read loops unwind, then stop the listener.
	d.server.CloseClients()
	d.router.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", "error", err)
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close", "error", err)
		}
	}
	d.bus.Close()
}
