// Package main is the broker binary: it routes device traffic to the durable
// store and to websocket subscribers.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zam-cv/microtime/broker/hub"
	"github.com/zam-cv/microtime/broker/router"
	"github.com/zam-cv/microtime/broker/store"
	"github.com/zam-cv/microtime/config"
	"github.com/zam-cv/microtime/health"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
	"github.com/zam-cv/microtime/pkg/retry"
	"github.com/zam-cv/microtime/pkg/tlsutil"
	"github.com/zam-cv/microtime/transport/dial"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "microtime-broker"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Broker failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	if err := message.ValidateTable(); err != nil {
		return err
	}

	loader := config.NewLoader()
	for _, p := range cli.ConfigPaths {
		loader.AddLayer(p)
	}
	loader.EnableValidation((*config.Config).ValidateBroker)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	logger := cfg.Log.Logger(os.Stdout, "service", appName, "version", Version, "pid", os.Getpid())
	slog.SetDefault(logger)
	logger.Info("Starting broker", "build_time", BuildTime, "transport", cfg.Broker.Transport.Kind, "store", cfg.Broker.Store.Kind)
	logger.Debug("Effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runBroker(ctx, cfg, logger)
}

// connectRetry is the startup budget for the transport; once connected the
// client redials on its own.
func connectRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  20,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

func runBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()
	monitor := health.NewMonitor()
	bc := cfg.Broker

	listenerTLS, err := tlsutil.ServerConfig(bc.HTTP.TLS)
	if err != nil {
		return err
	}

	link, err := dial.New(bc.Transport, dial.Broker, logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	if err := retry.Do(ctx, connectRetry(), func() error { return link.Client.Connect(ctx) }); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), bc.HTTP.ShutdownTimeout)
		defer cancel()
		_ = link.Client.Close(closeCtx)
	}()

	backend, err := openStore(ctx, bc.Store, link.NATS, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	writer := store.NewWriter(backend, store.WriterConfig{
		Workers:         bc.Store.Workers,
		QueueSize:       bc.Store.QueueSize,
		WriteTimeout:    bc.Store.WriteTimeout,
		BreakerFailures: uint(bc.Store.BreakerFailures),
		BreakerDelay:    bc.Store.BreakerDelay,
	}, logger, registry)
	if err := writer.Start(ctx); err != nil {
		_ = backend.Close(ctx)
		return fmt.Errorf("start store writer: %w", err)
	}
	abort := func() {
		_ = writer.Stop(bc.Store.WriteTimeout)
		_ = backend.Close(context.Background())
	}

	fanout := hub.New(message.Drivers,
		hub.WithSubscriberBuffer(bc.Hub.SubscriberBuffer),
		hub.WithLogger(logger),
		hub.WithMetrics(core),
	)
	sessions := hub.NewServer(fanout,
		hub.WithServerLogger(logger),
		hub.WithServerMetrics(core),
		hub.WithCheckOrigin(originChecker(bc.HTTP.AllowedOrigins)),
		hub.WithFrameRate(bc.Hub.FrameRate, bc.Hub.FrameBurst),
	)

	rt, err := router.New(link.Client, writer, fanout, router.WithLogger(logger), router.WithMetrics(core))
	if err != nil {
		abort()
		return err
	}

	var rtt func() (time.Duration, error)
	if link.NATS != nil {
		rtt = link.NATS.RTT
	}
	monitor.AddCheck("transport", func() health.Status {
		return transportStatus(link.Client.IsConnected(), rtt)
	})
	monitor.AddCheck("store", func() health.Status {
		if writer.BreakerOpen() {
			return health.NewDegraded("store", "circuit open, durable writes dropped")
		}
		return health.NewHealthy("store", bc.Store.Kind)
	})
	monitor.AddCheck("sessions", func() health.Status {
		return health.NewHealthy("sessions", fmt.Sprintf("%d open", sessions.Sessions()))
	})

	mux := http.NewServeMux()
	mux.Handle(bc.HTTP.WSPath, sessions)
	mux.Handle("/healthz", monitor.Handler(appName))
	httpServer := &http.Server{
		Addr:              bc.HTTP.Addr,
		Handler:           mux,
		TLSConfig:         listenerTLS,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Port > 0 {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor.Handler(appName))
		if err := metricsServer.Start(); err != nil {
			abort()
			return err
		}
		logger.Info("Metrics server started", "address", metricsServer.Address())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error {
		logger.Info("Websocket listener started", "addr", bc.HTTP.Addr, "path", bc.HTTP.WSPath, "tls", listenerTLS != nil)
		var err error
		if listenerTLS != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(bc.HTTP.ShutdownTimeout, httpServer, sessions, metricsServer, writer, backend, logger)
	})

	err = g.Wait()
	logger.Info("Broker stopped")
	return err
}

// shutdown stops intake before draining the writer so no durable envelope is
// queued after the workers exit.
func shutdown(timeout time.Duration, srv *http.Server, sessions *hub.Server, metricsServer *metric.Server,
	writer *store.Writer, backend store.Store, logger *slog.Logger,
) error {
	logger.Info("Shutting down", "timeout", timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sessions.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Stop(ctx)
	}
	if err := writer.Stop(timeout); err != nil {
		logger.Warn("Store writer did not drain", "error", err)
	}
	return backend.Close(ctx)
}

// originChecker allows the listed origins, or any origin when the list is
// empty or contains "*". Requests without an Origin header are not browsers
// and are allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
	}
}

// transportStatus reports the broker link. rtt is nil for transports that
// cannot measure a round trip.
func transportStatus(connected bool, rtt func() (time.Duration, error)) health.Status {
	if !connected {
		return health.NewUnhealthy("transport", "disconnected")
	}
	if rtt == nil {
		return health.NewHealthy("transport", "connected")
	}
	d, err := rtt()
	if err != nil {
		return health.NewDegraded("transport", "connected, rtt failed: "+err.Error())
	}
	return health.NewHealthy("transport", "connected, rtt "+d.String())
}
