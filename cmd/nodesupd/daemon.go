package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/topoface/node-supervisor/config"
	"github.com/topoface/node-supervisor/control"
	"github.com/topoface/node-supervisor/dns"
	"github.com/topoface/node-supervisor/hub"
	"github.com/topoface/node-supervisor/notify"
	"github.com/topoface/node-supervisor/process"
	"github.com/topoface/node-supervisor/socket"
	"github.com/topoface/node-supervisor/supervisor"
	"github.com/topoface/node-supervisor/watch"
)

// teardownTimeout bounds the node teardown on SIGINT/SIGTERM.
const teardownTimeout = 30 * time.Second

func run(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	trackerFile := cfg.Node.TrackerFile
	if trackerFile == "" {
		trackerFile = process.DefaultPIDTrackingPath(socket.DefaultName)
	}
	manager := process.NewManager(process.ManagerConfig{
		Signature: process.Signature{
			Name:            cfg.Node.ProcessName,
			CmdlineContains: cfg.Node.CmdlineContains,
		},
		GracefulTimeout: cfg.Node.GracefulTimeout,
		PIDTracker:      process.NewFilePIDTracker(trackerFile),
		Logger:          logger,
	})

	coordinator := dns.NewUtility(cfg.DNS.Utility)
	coordinator.InspectTimeout = cfg.DNS.InspectTimeout

	channel := control.New(control.Config{
		URL:          cfg.Control.URL,
		Subprotocol:  cfg.Control.Subprotocol,
		PollInterval: cfg.Control.PollInterval,
		DialTimeout:  cfg.Control.DialTimeout,
	}, control.WithLogger(logger))
	defer channel.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broadcaster := hub.NewBroadcaster(logger.Named("hub"))
	sink := notify.Multi{notify.NewLogSink(logger), broadcaster}

	sup, err := supervisor.New(supervisor.Config{
		Launch: process.LaunchConfig{
			Command: cfg.Node.Command,
			Args:    cfg.Node.Args,
			Env:     cfg.Node.LaunchEnv(),
			Dir:     cfg.Node.Dir,
		},
		StartupTimeout:  cfg.Node.StartupTimeout,
		ShutdownTimeout: cfg.Node.ShutdownTimeout,
	}, supervisor.Deps{
		Processes: manager,
		Spawner:   supervisor.SpawnerFrom(manager),
		DNS:       coordinator,
		Control:   channel,
		Reporter:  sink,
		Notifier:  sink,
		Logger:    logger,
		Metrics:   supervisor.NewMetrics(registry),
	})
	if err != nil {
		return errors.Wrap(err, "creating supervisor")
	}
	defer sup.Close()

	h := hub.New(hub.Config{
		SocketPath:      cfg.Daemon.Socket,
		MaxClients:      cfg.Daemon.MaxClients,
		IntentTimeout:   cfg.Daemon.IntentTimeout,
		TeardownTimeout: teardownTimeout,
		Version:         version,
		Broadcaster:     broadcaster,
		Logger:          logger,
	}, sup)
	if err := h.Start(); err != nil {
		return errors.Wrap(err, "starting daemon socket")
	}

	st := sup.SetStatus(ctx)
	logger.Infow("daemon started", "version", version, "socket", h.SocketPath(), "status", st)

	if cfg.Daemon.RefreshInterval > 0 {
		go sup.Monitor(ctx, cfg.Daemon.RefreshInterval)
	}

	watcher, err := watch.NewResolverWatcher(cfg.DNS.ResolverFile,
		func() { sup.Refresh(ctx) }, watch.WithLogger(logger))
	if err != nil {
		logger.Warnw("resolver watch disabled", "error", err)
	} else {
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	if cfg.Daemon.MetricsAddr != "" {
		srv := serveMetrics(cfg.Daemon.MetricsAddr, registry, logger)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infow("signal received, tearing down", "signal", sig.String())
		tctx, tcancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer tcancel()
		if err := h.Teardown(tctx); err != nil {
			logger.Errorw("teardown incomplete", "error", err)
		}
	case <-h.Done():
	}
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), cfg.Node.GracefulTimeout+time.Second)
	defer wcancel()
	if err := manager.Shutdown(wctx); err != nil {
		logger.Warnw("launchers still running at exit", "error", err)
	}
	logger.Infow("daemon stopped")
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Infow("serving metrics", "addr", addr)
	return srv
}
