package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/searchktools/chunk-server/config"
	"github.com/searchktools/chunk-server/core"
	"github.com/searchktools/chunk-server/core/logsink"
	"github.com/searchktools/chunk-server/core/metrics"
	"github.com/searchktools/chunk-server/core/router"
	"github.com/searchktools/chunk-server/core/static"
)

// App wires the log sink, route table, metrics and server together
type App struct {
	cfg      *config.Config
	out      io.Writer
	file     *os.File
	sink     *logsink.Sink
	log      *logsink.Logger
	routes   *router.Table
	registry *prometheus.Registry
	server   *core.Server
}

// New creates an application from cfg. Files in cfg.Static.Dir are
// registered as routes; routes added afterwards take precedence.
func New(cfg *config.Config) (*App, error) {
	level, err := logsink.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, routes: router.NewTable()}

	switch cfg.Logging.Output {
	case "", "stdout":
		a.out = os.Stdout
	case "stderr":
		a.out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		a.file = f
		a.out = f
	}

	a.sink = logsink.NewSink(a.out, cfg.Logging.QueueSize)
	a.log = logsink.NewLogger(a.sink, level)

	var m metrics.ServerMetrics
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(a.registry)
	}

	if cfg.Static.Dir != "" {
		routes, err := static.RegisterDir(a.routes, cfg.Static.Dir, cfg.Static.Index, a.log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.log.Info("Registered %d static routes from %s", len(routes), cfg.Static.Dir)
	}

	a.server = core.NewServer(cfg.ServerOptions(), a.routes, a.log, m)
	return a, nil
}

// Routes returns the route table for handler registration
func (a *App) Routes() *router.Table {
	return a.routes
}

// Server returns the underlying server
func (a *App) Server() *core.Server {
	return a.server
}

// Logger returns the application logger
func (a *App) Logger() *logsink.Logger {
	return a.log
}

// Run serves until SIGINT or SIGTERM, then stops gracefully
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is done. The server is stopped, waiting at most
// server.shutdown_timeout, and the log sink is flushed before it returns.
func (a *App) RunContext(ctx context.Context) error {
	defer a.Close()

	if err := a.server.Listen(); err != nil {
		a.server.Stop(context.Background())
		return err
	}
	for _, path := range a.routes.Paths() {
		a.log.Debug("Route %s", path)
	}

	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	metricsDone := make(chan error, 1)
	if a.registry != nil {
		ms := metrics.NewServer(a.registry, a.cfg.Server.Host, a.cfg.Metrics.Port, a.log)
		go func() { metricsDone <- ms.Start(metricsCtx) }()
	} else {
		metricsDone <- nil
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve() }()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down")
	case err := <-serveErr:
		runErr = err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(stopCtx); err != nil {
		a.log.Warn("Graceful shutdown incomplete: %v", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(a.server.StatsText()), "\n") {
		a.log.Info("%s", line)
	}
	if runErr == nil {
		if err := <-serveErr; err != nil && !errors.Is(err, core.ErrServerClosed) {
			runErr = err
		}
	}

	cancelMetrics()
	if err := <-metricsDone; err != nil {
		a.log.Error("Metrics server: %v", err)
	}

	return runErr
}

// Close flushes the log sink and closes the log file. It is called by
// RunContext; call it directly only when the app is never run.
func (a *App) Close() error {
	err := a.sink.Close()
	if a.file != nil {
		if cerr := a.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		a.file = nil
	}
	return err
}
