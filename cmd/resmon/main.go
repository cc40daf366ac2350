// Package main is the entry point for the resmon sampling daemon.
// It loads configuration, wires the counter readers, the process
// enumerator and the privileged bridge into a sampler, drives it on a
// fixed interval and serves the results over HTTP on TCP and a Unix
// socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Guliveer/vitalis/resmon/internal/api"
	"github.com/Guliveer/vitalis/resmon/internal/apps"
	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/clock"
	"github.com/Guliveer/vitalis/resmon/internal/config"
	"github.com/Guliveer/vitalis/resmon/internal/counters"
	"github.com/Guliveer/vitalis/resmon/internal/history"
	"github.com/Guliveer/vitalis/resmon/internal/logging"
	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/procfs"
	"github.com/Guliveer/vitalis/resmon/internal/procs"
	"github.com/Guliveer/vitalis/resmon/internal/registry"
	"github.com/Guliveer/vitalis/resmon/internal/sampler"
	"github.com/Guliveer/vitalis/resmon/internal/scheduler"
	"github.com/Guliveer/vitalis/resmon/internal/telemetry"
	"github.com/Guliveer/vitalis/resmon/internal/units"
)

const (
	// bridgeProbeEvery is how many fast-failed requests pass between
	// reconnection probes once the helper is considered unreachable.
	bridgeProbeEvery = 10
	bridgeRetryDelay = 50 * time.Millisecond
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	flags := pflag.NewFlagSet("resmon", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to configuration file (default: search standard locations)")
	interval := flags.Duration("interval", 0, "sampling interval, overrides the config file")
	socket := flags.String("socket", "", "privileged helper socket, overrides the config file")
	listen := flags.String("listen", "", "API listen address, overrides the config file")
	apiSocket := flags.String("api-socket", "", "API Unix socket serving process actions, overrides the config file")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	writeConfig := flags.String("write-config", "", "write the effective configuration to this path and exit")
	showVersion := flags.Bool("version", false, "show version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Printf("resmon %s\n", version)
		os.Exit(0)
	}

	cli := config.CLIOverrides{
		Interval:  *interval,
		Socket:    *socket,
		Listen:    *listen,
		APISocket: *apiSocket,
		LogLevel:  *logLevel,
	}
	var (
		cfg *config.Config
		err error
	)
	if flags.Changed("config") {
		cfg, err = config.LoadLayered(cli, embeddedConfig, *configPath)
	} else {
		cfg, err = config.LoadLayered(cli, embeddedConfig)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.WriteConfig(cfg, *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", *writeConfig)
		os.Exit(0)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.File)
	defer logger.Sync()

	logger.Info("Starting resmon",
		zap.String("version", version),
		zap.Duration("interval", cfg.Sampling.Interval.Duration),
		zap.String("socket", cfg.Bridge.Socket),
		zap.String("listen", cfg.API.Listen),
		zap.String("api_socket", cfg.API.Socket))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("resmon stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("resmon stopped")
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := telemetry.New()

	helper := newBridge(cfg, metrics, logger)

	readers := counters.NewRegistry(cfg.Sampling.ReadTimeout.Duration, logger)
	readers.Register(counters.NewCPUReader())
	readers.Register(counters.NewMemoryReader())
	readers.Register(counters.NewDriveReader(counters.DefaultSysRoot, cfg.Drives.SkipVirtual))
	readers.Register(counters.NewNetworkReader(cfg.Network.SkipLoopback))
	readers.Register(counters.NewGPUReader(counters.DefaultSysRoot))
	readers.Register(counters.NewNPUReader(counters.DefaultSysRoot))
	readers.Register(counters.NewBatteryReader(counters.DefaultSysRoot))
	readers.Register(counters.NewSensorsReader())

	dirs := cfg.Processes.DesktopDirs
	if len(dirs) == 0 {
		dirs = apps.DefaultDataDirs()
	}
	catalog := apps.LoadCatalog(dirs, logger)
	logger.Info("Loaded application catalog", zap.Int("entries", catalog.Len()))

	enumerator := procs.NewEnumerator(procs.NewLocalSource(procfs.DefaultRoot), procs.Options{
		Grouper:           apps.DefaultChain(cfg.Processes.AppCgroupRoots, catalog),
		Bridge:            helper,
		SkipKernelThreads: cfg.Processes.SkipKernelThreads,
		Logger:            logger.Named("procs"),
	})

	clk := clock.Real()
	smp := sampler.New(sampler.Options{
		Counters:     readers,
		Processes:    enumerator,
		Bridge:       helper,
		Clock:        clk,
		History:      history.NewStore(cfg.Sampling.HistoryCapacity),
		Registry:     registry.New(cfg.Sampling.StaleAfter, cfg.Sampling.RemoveAfter),
		NormalizeCPU: cfg.Processes.NormalizeCPU,
		Interval:     cfg.Sampling.Interval.Duration,
		Metrics:      metrics,
		Logger:       logger.Named("sampler"),
	})

	formatter := units.New(cfg.Units.Base)
	sched := scheduler.New(smp, cfg.Sampling.Interval.Duration, clk, logger.Named("scheduler"))
	sched.OnSnapshot(logFirstSnapshot(logger, formatter))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Sampler running",
			zap.Duration("interval", cfg.Sampling.Interval.Duration),
			zap.Int("history_capacity", cfg.Sampling.HistoryCapacity))
		sched.Start(gctx)
		return nil
	})
	srv := api.New(smp, metrics, formatter, logger.Named("api"))
	if cfg.API.Listen != "" {
		g.Go(func() error {
			if err := srv.ListenAndServe(gctx, cfg.API.Listen); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}
	if cfg.API.Socket != "" {
		g.Go(func() error {
			if err := srv.ListenUnix(gctx, cfg.API.Socket); err != nil {
				return fmt.Errorf("api socket: %w", err)
			}
			return nil
		})
	} else {
		logger.Info("API socket disabled; process actions are unavailable")
	}
	if cfg.API.Listen == "" && cfg.API.Socket == "" {
		logger.Info("API disabled")
	}
	return g.Wait()
}

// newBridge connects to the helper through the retry and health layers.
// Every answered request is counted by kind and outcome.
func newBridge(cfg *config.Config, metrics *telemetry.Metrics, logger *zap.Logger) bridge.Bridge {
	log := logger.Named("bridge")
	client := bridge.NewClient(cfg.Bridge.Socket, cfg.Bridge.Timeout.Duration)
	retrying := bridge.NewRetrying(client, cfg.Bridge.ReadRetries, bridgeRetryDelay, log)
	monitored := bridge.NewMonitored(retrying, cfg.Bridge.FailureThreshold, bridgeProbeEvery, log)
	monitored.OnResult = func(kind bridge.Kind, code bridge.Code) {
		metrics.BridgeResult(string(kind), string(code))
	}
	return monitored
}

// logFirstSnapshot logs a one-line system summary after the first
// snapshot with a memory reading.
func logFirstSnapshot(logger *zap.Logger, f units.Formatter) func(*models.Snapshot) {
	done := false
	memID := models.EntityID{Kind: models.KindMemory, Key: "system"}
	return func(snap *models.Snapshot) {
		if done {
			return
		}
		mem, ok := snap.Entity(memID)
		if !ok {
			return
		}
		done = true
		logger.Info("First snapshot",
			zap.Int("entities", len(snap.Entities)),
			zap.Int("processes", len(snap.Processes)),
			zap.Int("apps", len(snap.Apps)),
			zap.String("memory_total", f.Metric("total_bytes", mem.Metrics["total_bytes"])),
			zap.String("memory_used", f.Metric("used_bytes", mem.Metrics["used_bytes"])),
			zap.Bool("privileged", snap.Capabilities.Privileged))
	}
}
