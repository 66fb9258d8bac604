// Package main is the device binary: it samples the sensors and forwards
// their readings to the broker through the store-and-forward outbox.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zam-cv/microtime/config"
	"github.com/zam-cv/microtime/device/outbox"
	"github.com/zam-cv/microtime/health"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
	"github.com/zam-cv/microtime/pkg/buffer"
	"github.com/zam-cv/microtime/transport/dial"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "microtime-device"
)

// exitFatalRestart tells the supervisor the uplink budget was spent.
const exitFatalRestart = 3

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if code := exitCode(run(os.Args[1:])); code != 0 {
		os.Exit(code)
	}
}

// exitCode logs err and maps it to the process exit status.
func exitCode(err error) int {
	var fatal outbox.FatalRestart
	switch {
	case err == nil:
		return 0
	case stderrors.As(err, &fatal):
		slog.Error("Uplink unreachable, exiting for restart",
			"attempts", fatal.Attempts, "error", fatal.LastErr, "exit_code", exitFatalRestart)
		return exitFatalRestart
	default:
		slog.Error("Device failed", "error", err, "exit_code", 1)
		return 1
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

	cfg, err := loadConfig(cli.ConfigPaths)
	if err != nil {
		return err
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
	logger := cfg.Log.Logger(os.Stdout, "service", appName, "version", Version, "pid", os.Getpid(), "device", cfg.Device.ID)
	slog.SetDefault(logger)
	logger.Info("Starting device", "build_time", BuildTime, "uplink", cfg.Device.Uplink.Kind, "sensors", len(cfg.Device.Sensors))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runDevice(ctx, cfg, logger, cli.ShutdownTimeout)
}

func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		loader.AddLayer(p)
	}
	loader.EnableValidation((*config.Config).ValidateDevice)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runDevice(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	uplink, err := dial.New(cfg.Device.Uplink, dial.Device, logger)
	if err != nil {
		return fmt.Errorf("create uplink: %w", err)
	}

	rebase, err := outbox.ParseRebasePolicy(cfg.Device.Outbox.Rebase)
	if err != nil {
		return err
	}
	mgr, err := outbox.NewManager(outbox.Config{
		Capacity:           cfg.Device.Outbox.Capacity,
		LiveQueueSize:      cfg.Device.Outbox.LiveQueueSize,
		MaxConnectAttempts: cfg.Device.Link.MaxConnectAttempts,
		RetryDelay:         cfg.Device.Link.RetryDelay,
		PublishTimeout:     cfg.Device.Link.PublishTimeout,
		Rebase:             rebase,
	}, uplink.Client, outbox.WithLogger(logger), outbox.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}

	loops, err := buildLoops(cfg.Device.Sensors, mgr, logger, registry.CoreMetrics())
	if err != nil {
		return fmt.Errorf("build sensor loops: %w", err)
	}

	capacity := cfg.Device.Outbox.Capacity
	monitor.AddCheck("uplink", func() health.Status {
		if s := mgr.State(); s != outbox.Connected {
			return health.NewDegraded("uplink", s.String())
		}
		return health.NewHealthy("uplink", "connected")
	})
	monitor.AddCheck("outbox", func() health.Status {
		return outboxStatus(mgr.Len(), capacity, mgr.Stats())
	})

	var metricsServer *metric.Server
	if cfg.Metrics.Port > 0 {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor.Handler(cfg.Device.ID))
		if err := metricsServer.Start(); err != nil {
			return err
		}
		logger.Info("Metrics server started", "address", metricsServer.Address())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsServer.Stop(shutdownCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	for _, l := range loops {
		g.Go(func() error { return l.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case f := <-mgr.Fatal():
			return f
		case <-gctx.Done():
			return nil
		}
	})

	logger.Info("Device started", "loops", len(loops))
	err = g.Wait()
	logger.Info("Device stopped", "buffered", mgr.Len())
	return err
}

// outboxStatus degrades once the outbox is nine tenths full.
func outboxStatus(n, capacity int, stats buffer.Stats) health.Status {
	msg := fmt.Sprintf("%d/%d entries, %d evicted, high water %d", n, capacity, stats.Evicted, stats.HighWater)
	if n >= capacity*9/10 {
		return health.NewDegraded("outbox", msg)
	}
	return health.NewHealthy("outbox", msg)
}
