// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Galvani samples hardware energy counters, attributes the draw to the
// workloads scheduled on each socket and exports the record stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/galvani-project/galvani/internal/attribution"
	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/config"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/exporter/prometheus"
	"github.com/galvani-project/galvani/internal/exporter/qemu"
	"github.com/galvani-project/galvani/internal/exporter/stdout"
	"github.com/galvani-project/galvani/internal/logger"
	"github.com/galvani-project/galvani/internal/monitor"
	"github.com/galvani-project/galvani/internal/platform/redfish"
	"github.com/galvani-project/galvani/internal/resource"
	"github.com/galvani-project/galvani/internal/server"
	"github.com/galvani-project/galvani/internal/service"
	"github.com/galvani-project/galvani/internal/topology"
	"github.com/galvani-project/galvani/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	// parseArgsAndConfig logs its own errors before returning
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}
	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	if err := runAgent(logger, cfg); err != nil {
		logger.Error("Galvani terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func runAgent(logger *slog.Logger, cfg *config.Config) error {
	meter, err := createMeter(logger, cfg)
	if err != nil {
		return err
	}

	recordBus := bus.New(
		bus.WithLogger(logger),
		bus.WithQueueDepth(cfg.Bus.QueueDepth),
		bus.WithFailureLimit(cfg.Bus.FailureLimit),
	)

	services, err := createServices(logger, cfg, meter, recordBus)
	if err != nil {
		return err
	}

	if err := service.Init(logger, services); err != nil {
		return err
	}

	logger.Info("Starting Galvani")
	runErr := service.Run(context.Background(), logger, services)
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// The sampling loop has stopped; let queued batches reach blocking
	// subscribers before the exporters detach from their sinks.
	if err := recordBus.Close(cfg.Shutdown.Grace); err != nil {
		logger.Warn("Record bus close failed", "error", err)
	}
	shutdownPassive(logger, services)

	return runErr
}

// createMeter picks the counter source for the detected environment: the
// kernel powercap tree on hardware, the surrogate tree a hypervisor-side
// agent exports inside a guest, the synthetic meter when development mode
// asks for it.
func createMeter(logger *slog.Logger, cfg *config.Config) (device.Meter, error) {
	opts := []device.OptionFn{device.WithLogger(logger)}

	if len(cfg.Meter.Domains) > 0 {
		kinds := make([]device.DomainKind, 0, len(cfg.Meter.Domains))
		for _, name := range cfg.Meter.Domains {
			kind, err := device.ParseDomainKind(name)
			if err != nil {
				return nil, fmt.Errorf("meter domain filter: %w", err)
			}
			kinds = append(kinds, kind)
		}
		opts = append(opts, device.WithDomainKinds(kinds))
	}

	if len(cfg.Meter.WrapOverrides) > 0 {
		overrides := make(map[device.DomainKind]device.Energy, len(cfg.Meter.WrapOverrides))
		for name, modulus := range cfg.Meter.WrapOverrides {
			kind, err := device.ParseDomainKind(name)
			if err != nil {
				return nil, fmt.Errorf("wrap override: %w", err)
			}
			overrides[kind] = device.Energy(modulus)
		}
		opts = append(opts, device.WithModulusOverrides(overrides))
	}

	switch {
	case device.RaplAvailable(cfg.Host.SysFS):
		logger.Info("Sampling hardware counters through powercap", "sysfs", cfg.Host.SysFS)
		return device.NewRaplMeter(cfg.Host.SysFS, opts...)
	case device.GuestAvailable(cfg.Meter.GuestRoot):
		logger.Info("Sampling surrogate counters from the hypervisor channel", "root", cfg.Meter.GuestRoot)
		return device.NewGuestMeter(cfg.Meter.GuestRoot, opts...)
	case ptr.Deref(cfg.Dev.FakeMeter.Enabled, false):
		logger.Warn("Sampling synthetic counters from the fake meter", "sockets", cfg.Dev.FakeMeter.Sockets)
		return device.NewFakeMeter(cfg.Dev.FakeMeter.Sockets, opts...)
	}
	return nil, fmt.Errorf("no energy counters available: powercap missing under %s and no guest channel at %s",
		cfg.Host.SysFS, cfg.Meter.GuestRoot)
}

func createServices(logger *slog.Logger, cfg *config.Config, meter device.Meter, recordBus *bus.Bus) ([]service.Service, error) {
	topoOpts := []topology.ProviderOptionFn{
		topology.WithLogger(logger),
		topology.WithRefreshInterval(cfg.Topology.RefreshInterval),
		topology.WithAnnouncer(recordBus),
	}
	if scanner, err := topology.NewSysfsCoreScanner(cfg.Host.SysFS); err != nil {
		logger.Warn("Core topology unavailable, attribution will be socket-coarse", "error", err)
	} else {
		topoOpts = append(topoOpts, topology.WithCoreScanner(scanner))
	}
	topo := topology.NewProvider(meter, topoOpts...)

	// The meter initializes before the provider so missing counter access
	// fails startup rather than the first discovery pass.
	services := []service.Service{meter, topo}

	monitorOpts := []monitor.OptionFn{
		monitor.WithLogger(logger),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithFaultThreshold(cfg.Monitor.FaultThreshold),
		monitor.WithReadTimeout(cfg.Monitor.ReadTimeout),
	}
	if ceiling := powerCeiling(logger, cfg, meter); ceiling > 0 {
		monitorOpts = append(monitorOpts, monitor.WithPowerCeiling(ceiling))
	}

	if ptr.Deref(cfg.Attribution.Enabled, true) {
		informer, err := resource.NewInformer(
			resource.WithLogger(logger),
			resource.WithProcFSPath(cfg.Host.ProcFS),
		)
		if err != nil {
			return nil, fmt.Errorf("creating workload informer: %w", err)
		}
		tracker, err := attribution.NewTracker(informer, topo,
			attribution.WithLogger(logger),
			attribution.WithRefreshInterval(cfg.Attribution.RefreshInterval),
			attribution.WithAnnouncer(recordBus),
		)
		if err != nil {
			return nil, fmt.Errorf("creating attribution tracker: %w", err)
		}
		services = append(services, informer, tracker)
		monitorOpts = append(monitorOpts, monitor.WithAttributor(tracker))
	}

	pm, err := monitor.NewPowerMonitor(meter, topo, recordBus, monitorOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating power monitor: %w", err)
	}
	services = append(services, pm)

	apiServer := server.NewAPIServer(
		server.WithLogger(logger),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)
	services = append(services, apiServer)

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		promExporter, err := prometheus.NewExporter(recordBus, apiServer,
			prometheus.WithLogger(logger),
			prometheus.WithStaleness(cfg.Exporter.Prometheus.Staleness),
			prometheus.WithPolicy(busPolicy(cfg.Exporter.Prometheus.Policy)),
			prometheus.WithQueueDepth(cfg.Exporter.Prometheus.QueueDepth),
			prometheus.WithNodeName(nodeName(cfg)),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
		)
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		services = append(services, promExporter)
	}

	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		stdoutExporter, err := stdout.NewExporter(recordBus,
			stdout.WithLogger(logger),
			stdout.WithTopK(cfg.Exporter.Stdout.TopK),
			stdout.WithPolicy(busPolicy(cfg.Exporter.Stdout.Policy)),
			stdout.WithQueueDepth(cfg.Exporter.Stdout.QueueDepth),
		)
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		services = append(services, stdoutExporter)
	}

	if ptr.Deref(cfg.Exporter.Qemu.Enabled, false) {
		qemuExporter, err := qemu.NewExporter(recordBus, cfg.Exporter.Qemu.ChannelRoot,
			qemu.WithLogger(logger),
			qemu.WithStaleness(cfg.Exporter.Qemu.Staleness),
			qemu.WithQueueDepth(cfg.Exporter.Qemu.QueueDepth),
		)
		if err != nil {
			return nil, fmt.Errorf("creating qemu exporter: %w", err)
		}
		services = append(services, qemuExporter)
	}

	if ptr.Deref(cfg.Platform.Redfish.Enabled, false) {
		platformPower, err := redfish.NewService(cfg.Platform.Redfish.ConfigFile, nodeName(cfg), recordBus,
			redfish.WithLogger(logger),
			redfish.WithInterval(cfg.Platform.Redfish.Interval),
			redfish.WithStaleness(cfg.Platform.Redfish.Staleness),
			redfish.WithHTTPTimeout(cfg.Platform.Redfish.HTTPTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("creating redfish platform power source: %w", err)
		}
		services = append(services, platformPower)
	}

	if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
		services = append(services, server.NewPprof(apiServer))
	}

	services = append(services, service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM))
	return services, nil
}

// powerCeiling resolves the implausible-reading threshold from the rated
// TDP. Without a known TDP there is no ceiling; guessing one would turn
// real turbo excursions into anomalies.
func powerCeiling(logger *slog.Logger, cfg *config.Config, meter device.Meter) device.Power {
	tdp := device.Power(cfg.TDP.Watts) * device.Watt
	if tdp <= 0 {
		model, err := device.CPUModelName(cfg.Host.ProcFS)
		if err != nil {
			logger.Warn("CPU model unknown, power ceiling disabled", "error", err)
			return 0
		}
		rated, ok := device.LookupTDP(model)
		if !ok {
			logger.Info("No TDP entry for this CPU, power ceiling disabled", "model", model)
			return 0
		}
		tdp = rated
	}
	return device.SanityCeiling(tdp, socketCount(meter), cfg.TDP.Headroom)
}

func socketCount(meter device.Meter) int {
	domains, err := meter.Domains()
	if err != nil {
		return 1
	}
	sockets := map[int]bool{}
	for _, d := range domains {
		sockets[d.Socket] = true
	}
	if len(sockets) == 0 {
		return 1
	}
	return len(sockets)
}

func nodeName(cfg *config.Config) string {
	if cfg.Host.Node != "" {
		return cfg.Host.Node
	}
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}

func busPolicy(p config.Policy) bus.DeliveryPolicy {
	if p == config.PolicyBlock {
		return bus.PolicyBlock
	}
	return bus.PolicyDropNewest
}

// shutdownPassive releases services that have no run loop; the run group
// already shut the others down on the way out.
func shutdownPassive(logger *slog.Logger, services []service.Service) {
	for i := len(services) - 1; i >= 0; i-- {
		if _, ok := services[i].(service.Runner); ok {
			continue
		}
		down, ok := services[i].(service.Shutdowner)
		if !ok {
			continue
		}
		if err := down.Shutdown(); err != nil {
			logger.Warn("Service shutdown failed", "service", services[i].Name(), "error", err)
		}
	}
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("Galvani version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "galvani"
	app := kingpin.New(appName, "Host power metrology agent.")
	app.Version(version.Info().String())

	configFiles := app.Flag("config.file",
		"Path to YAML configuration file. Repeat to layer override files on top; later files win.").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if len(*configFiles) > 0 {
		logger.Info("Loading configuration files", "paths", *configFiles)
		loadedCfg, err := config.FromFiles(*configFiles...)
		if err != nil {
			logger.Error("Error loading config files", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
		logger.Info("Completed loading of configuration files", "paths", *configFiles)
	}

	// flags the user set win over file values
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}
