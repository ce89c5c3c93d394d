package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nblistener/backend/internal/config"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/metrics"
	"github.com/nblistener/backend/internal/mock"
	"github.com/nblistener/backend/internal/monitor"
	"github.com/nblistener/backend/internal/store"
	"github.com/nblistener/backend/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	configPath string
	mock       bool
	port       int
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the listener daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	cmd.Flags().BoolVar(&opts.mock, "mock", false, "Use the mock session source with demo notebooks")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Override server port")
	return cmd
}

func buildSource(cfg *config.Config) monitor.Source {
	switch cfg.Source.Kind {
	case config.SourceProcess:
		return monitor.NewProcessSource(cfg.Source.NotebookRoot, cfg.Source.BusyCPUPercent)
	case config.SourceMock:
		return mock.NewDemoSource()
	default:
		return monitor.NewJupyterSource(cfg.Source.JupyterURL, cfg.Source.JupyterToken, cfg.Listener.RefreshTimeout)
	}
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.mock {
		cfg.Source.Kind = config.SourceMock
	}
	logging.Init(cfg.Log.Level, cfg.Log.Env)
	log := logging.Component("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Store.Path).Msg("persistence disabled")
			st = nil
		}
	}

	src := buildSource(cfg)
	listener := monitor.NewListener(src,
		monitor.WithMetrics(m),
		monitor.WithPathFilter(cfg.Filter.NewPathFilter()),
		monitor.WithFailureThreshold(cfg.Listener.FailureThreshold),
	)
	tracker := monitor.NewNotebookTracker(listener)
	shell := monitor.NewShellEvents()
	active := monitor.NewActiveListener(shell, tracker, listener, cfg.Listener.RefreshTimeout)
	tracker.OnClose(active.NotebookClosed)

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	if st != nil {
		p := store.NewPersister(st, cfg.Store.SnapshotTTL)
		listener.Subscribe(p.OnChange)
		active.Subscribe(func(s monitor.ActiveState) { p.OnActive(s.Notebook) })
		go func() {
			defer close(persistDone)
			p.Run(persistCtx)
		}()
		if last, err := st.ActiveNotebook(); err == nil && last != "" {
			log.Info().Str("notebook", string(last)).Msg("last active notebook before restart")
		}
	} else {
		close(persistDone)
	}

	broadcaster := ws.NewBroadcaster(listener, cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval, cfg.Server.MaxConnections, m)
	broadcaster.AttachActive(active)

	if cfg.Source.Kind == config.SourceMock {
		for _, nb := range mock.DemoNotebooks() {
			tracker.Open("", nb)
		}
		log.Info().Int("notebooks", len(mock.DemoNotebooks())).Msg("starting in mock mode")
	}

	poller := monitor.NewPoller(listener, monitor.PollerConfig{
		Interval:    cfg.Listener.PollInterval,
		MinInterval: cfg.Listener.MinPollInterval,
		Timeout:     cfg.Listener.RefreshTimeout,
		Concurrency: cfg.Listener.RefreshConcurrency,
	}, m)

	server := ws.NewServer(ws.Deps{
		Listener:       listener,
		Tracker:        tracker,
		Shell:          shell,
		Active:         active,
		Broadcaster:    broadcaster,
		Store:          st,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		RefreshTimeout: cfg.Listener.RefreshTimeout,
	}, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	httpSrv := ws.NewHTTPServer(cfg.Addr(), server.Handler())

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	poller.Start(ctx)

	applyReload := func(next *config.Config) {
		logging.SetLevel(next.Log.Level)
		poller.SetInterval(next.Listener.PollInterval)
		listener.SetPathFilter(next.Filter.NewPathFilter())
		listener.SetFailureThreshold(next.Listener.FailureThreshold)
	}
	var watcher *config.Watcher
	if _, err := os.Stat(opts.configPath); err == nil {
		watcher, err = config.NewWatcher(opts.configPath, applyReload)
		if err == nil {
			err = watcher.Start(ctx)
		}
		if err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
			watcher = nil
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if watcher != nil {
					watcher.Reload()
				}
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("source", src.Name()).
			Bool("persistence", st != nil).
			Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	if watcher != nil {
		watcher.Stop()
	}
	poller.Stop()
	active.Close()
	broadcaster.Stop()
	listener.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}

	stopPersist()
	<-persistDone
	if st != nil {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("closing store")
		}
	}
	return runErr
}
