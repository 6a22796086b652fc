// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Policy names a delivery policy for a bus subscription.
type Policy string

const (
	PolicyDrop  Policy = "drop"
	PolicyBlock Policy = "block"
)

// The YAML configuration tree; Config is the root.
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
		Node   string `yaml:"nodeName"`
	}

	// Monitor drives the sampling loop
	Monitor struct {
		Interval time.Duration `yaml:"interval"` // Interval between counter sampling ticks

		// ReadTimeout bounds a single counter read; a reader that
		// stalls past it yields a read failure for that tick instead
		// of blocking the loop
		ReadTimeout time.Duration `yaml:"readTimeout"`

		// FaultThreshold is the consecutive read failures after which
		// a domain is disabled; 0 keeps retrying forever
		FaultThreshold int `yaml:"faultThreshold"`
	}

	Topology struct {
		RefreshInterval time.Duration `yaml:"refreshInterval"` // 0 disables periodic rediscovery
	}

	Attribution struct {
		Enabled         *bool         `yaml:"enabled"`
		RefreshInterval time.Duration `yaml:"refreshInterval"`
	}

	Bus struct {
		QueueDepth   int `yaml:"queueDepth"`   // default per-subscription queue depth
		FailureLimit int `yaml:"failureLimit"` // consecutive callback failures before removal
	}

	// Meter configuration
	Meter struct {
		// Domains restricts sampling to the listed domain kinds;
		// empty samples everything the hardware exposes
		Domains []string `yaml:"domains"`

		// WrapOverrides replaces the advertised counter range per
		// domain kind, in microjoules
		WrapOverrides map[string]uint64 `yaml:"wrapOverrides"`

		// GuestRoot is where a guest looks for the channel a
		// hypervisor-side agent exports
		GuestRoot string `yaml:"guestRoot"`
	}

	// TDP feeds the implausible-reading ceiling
	TDP struct {
		Watts    float64 `yaml:"watts"`    // rated per-socket TDP; 0 looks it up by CPU model name
		Headroom float64 `yaml:"headroom"` // ceiling multiplier absorbing turbo excursions
	}

	// exporter sections
	PrometheusExporter struct {
		Enabled         *bool         `yaml:"enabled"`
		Policy          Policy        `yaml:"policy"`
		QueueDepth      int           `yaml:"queueDepth"` // 0 uses the bus default
		Staleness       time.Duration `yaml:"staleness"`
		DebugCollectors []string      `yaml:"debugCollectors"`
	}

	StdoutExporter struct {
		Enabled    *bool  `yaml:"enabled"`
		Policy     Policy `yaml:"policy"`
		QueueDepth int    `yaml:"queueDepth"`
		TopK       int    `yaml:"topK"` // workload rows rendered; 0 hides the workload table
	}

	QemuExporter struct {
		Enabled     *bool         `yaml:"enabled"`
		ChannelRoot string        `yaml:"channelRoot"`
		QueueDepth  int           `yaml:"queueDepth"`
		Staleness   time.Duration `yaml:"staleness"` // prune VM trees unseen this long; 0 keeps them forever
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
		Qemu       QemuExporter       `yaml:"qemu"`
	}

	// Platform power sources
	Redfish struct {
		Enabled     *bool         `yaml:"enabled"`
		ConfigFile  string        `yaml:"configFile"` // BMC endpoints and credentials
		Interval    time.Duration `yaml:"interval"`
		Staleness   time.Duration `yaml:"staleness"`
		HTTPTimeout time.Duration `yaml:"httpTimeout"`
	}

	Platform struct {
		Redfish Redfish `yaml:"redfish"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// debug endpoints
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Shutdown struct {
		Grace time.Duration `yaml:"grace"` // bound on draining in-flight work at exit
	}

	// development-only settings, everything off unless enabled explicitly
	Dev struct {
		FakeMeter struct {
			Enabled *bool `yaml:"enabled"`
			Sockets int   `yaml:"sockets"`
		} `yaml:"fake-meter"`
	}

	Config struct {
		Log         Log         `yaml:"log"`
		Host        Host        `yaml:"host"`
		Monitor     Monitor     `yaml:"monitor"`
		Topology    Topology    `yaml:"topology"`
		Attribution Attribution `yaml:"attribution"`
		Bus         Bus         `yaml:"bus"`
		Meter       Meter       `yaml:"meter"`
		TDP         TDP         `yaml:"tdp"`
		Exporter    Exporter    `yaml:"exporter"`
		Platform    Platform    `yaml:"platform"`
		Web         Web         `yaml:"web"`
		Debug       Debug       `yaml:"debug"`
		Shutdown    Shutdown    `yaml:"shutdown"`
		Dev         Dev         `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation     SkipValidation = 1
	SkipPlatformValidation SkipValidation = 2
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag    = "host.sysfs"
	HostProcFSFlag   = "host.procfs"
	HostNodeNameFlag = "host.node-name"

	MonitorIntervalFlag       = "monitor.interval"
	MonitorFaultThresholdFlag = "monitor.fault-threshold"
	MonitorReadTimeout        = "monitor.read-timeout" // not a flag

	TopologyRefreshInterval    = "topology.refresh-interval"    // not a flag
	AttributionRefreshInterval = "attribution.refresh-interval" // not a flag

	// Meter knobs are not flags
	MeterDomains       = "meter.domains"
	MeterWrapOverrides = "meter.wrap-overrides"
	MeterGuestRoot     = "meter.guest-root"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	ExporterQemuEnabledFlag       = "exporter.qemu"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterQemuChannelRoot           = "exporter.qemu.channel-root"

	// Platform power
	RedfishEnabledFlag = "platform.redfish"
	RedfishConfigFlag  = "platform.redfish.config"

// dev settings stay YAML-only and never get flags
)

// validDomainKinds mirrors the readable powercap domain kinds.
var validDomainKinds = map[string]bool{
	"package": true,
	"core":    true,
	"uncore":  true,
	"dram":    true,
	"psys":    true,
}

// DefaultConfig returns the agent defaults before any file or flag applies.
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
		Monitor: Monitor{
			Interval:       5 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
			FaultThreshold: 5,
		},
		Attribution: Attribution{
			Enabled:         ptr.To(true),
			RefreshInterval: 5 * time.Second,
		},
		Bus: Bus{
			QueueDepth:   64,
			FailureLimit: 8,
		},
		Meter: Meter{
			GuestRoot: "/var/lib/galvani/guest",
		},
		TDP: TDP{
			Headroom: 1.2,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(false),
				Policy:  PolicyDrop,
				TopK:    10,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				Policy:          PolicyDrop,
				Staleness:       time.Minute,
				DebugCollectors: []string{"go"},
			},
			Qemu: QemuExporter{
				Enabled:     ptr.To(false),
				ChannelRoot: "/var/lib/galvani/qemu",
				Staleness:   5 * time.Minute,
			},
		},
		Platform: Platform{
			Redfish: Redfish{
				Enabled:     ptr.To(false),
				Interval:    10 * time.Second,
				Staleness:   500 * time.Millisecond,
				HTTPTimeout: 5 * time.Second,
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{":28282"},
		},
		Shutdown: Shutdown{
			Grace: 5 * time.Second,
		},
	}

	cfg.Dev.FakeMeter.Enabled = ptr.To(false)
	cfg.Dev.FakeMeter.Sockets = 1
	return cfg
}

// decodeStrict decodes YAML into a config, rejecting misspelled keys
// instead of silently keeping the default for the knob the author meant to
// set. An empty document decodes to nothing and is not an error.
func decodeStrict(data []byte, into *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Load reads YAML from r over the defaults, rejecting unknown keys.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads a single YAML config file.
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	var errRet error
	defer func() {
		err = file.Close()
		if err != nil && errRet == nil {
			errRet = err
		}
	}()

	cfg, errRet := Load(file)

	return cfg, errRet
}

// FromFiles loads configuration layered from one or more files. The first
// file decodes over the defaults; each later file is an override fragment
// merged on top. Validation runs once over the final result, so an
// override may complete a setting an earlier file left half-configured.
func FromFiles(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config file specified")
	}
	if len(paths) == 1 {
		return FromFile(paths[0])
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(paths[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", paths[0], err)
	}

	b := (&Builder{}).Use(cfg)
	for _, path := range paths[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		b.Merge(string(data))
	}
	cfg, err = b.Build()
	if err != nil {
		return nil, fmt.Errorf("layering config files: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags declares the config flags on app and returns an updater
// that applies only the flags the user actually set on top of a loaded
// config.
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// names of flags seen during parsing
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// reset on reparse
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()
	hostNodeName := app.Flag(HostNodeNameFlag, "Node name used for BMC lookup and exported labels; defaults to the hostname").String()

	// monitor
	monitorInterval := app.Flag(MonitorIntervalFlag,
		"Interval between counter sampling ticks").Default("5s").Duration()
	monitorFaultThreshold := app.Flag(MonitorFaultThresholdFlag,
		"Consecutive read failures before a domain is disabled; 0 to keep retrying forever").Default("5").Int()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28282").Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()
	qemuExporterEnabled := app.Flag(ExporterQemuEnabledFlag, "Enable qemu guest channel exporter").Default("false").Bool()

	// platform power
	redfishEnabled := app.Flag(RedfishEnabledFlag, "Read platform power from the BMC over Redfish").Default("false").Bool()
	redfishConfig := app.Flag(RedfishConfigFlag, "Path to the BMC endpoint and credentials file").ExistingFile()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		if flagsSet[HostNodeNameFlag] {
			cfg.Host.Node = *hostNodeName
		}

		// monitor settings
		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *monitorInterval
		}
		if flagsSet[MonitorFaultThresholdFlag] {
			cfg.Monitor.FaultThreshold = *monitorFaultThreshold
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		if flagsSet[ExporterQemuEnabledFlag] {
			cfg.Exporter.Qemu.Enabled = qemuExporterEnabled
		}

		if flagsSet[RedfishEnabledFlag] {
			cfg.Platform.Redfish.Enabled = redfishEnabled
		}

		if flagsSet[RedfishConfigFlag] {
			cfg.Platform.Redfish.ConfigFile = *redfishConfig
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Host.Node = strings.TrimSpace(c.Host.Node)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	for i := range c.Meter.Domains {
		c.Meter.Domains[i] = strings.ToLower(strings.TrimSpace(c.Meter.Domains[i]))
	}
	if len(c.Meter.WrapOverrides) > 0 {
		trimmed := make(map[string]uint64, len(c.Meter.WrapOverrides))
		for kind, modulus := range c.Meter.WrapOverrides {
			trimmed[strings.ToLower(strings.TrimSpace(kind))] = modulus
		}
		c.Meter.WrapOverrides = trimmed
	}
	c.Meter.GuestRoot = strings.TrimSpace(c.Meter.GuestRoot)

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
	c.Exporter.Qemu.ChannelRoot = strings.TrimSpace(c.Exporter.Qemu.ChannelRoot)
	c.Platform.Redfish.ConfigFile = strings.TrimSpace(c.Platform.Redfish.ConfigFile)
}

// Validate reports every invalid setting at once, skipping the listed
// groups.
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level

		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // Monitor
		if c.Monitor.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid sampling interval: %s must be positive", c.Monitor.Interval))
		}
		if c.Monitor.ReadTimeout < 0 {
			errs = append(errs, fmt.Sprintf("invalid read timeout: %s can't be negative", c.Monitor.ReadTimeout))
		}
		if c.Monitor.FaultThreshold < 0 {
			errs = append(errs, fmt.Sprintf("invalid fault threshold: %d can't be negative", c.Monitor.FaultThreshold))
		}
	}
	{ // Refresh cadences
		if c.Topology.RefreshInterval < 0 {
			errs = append(errs, fmt.Sprintf("invalid topology refresh interval: %s can't be negative", c.Topology.RefreshInterval))
		}
		if c.Attribution.RefreshInterval < 0 {
			errs = append(errs, fmt.Sprintf("invalid attribution refresh interval: %s can't be negative", c.Attribution.RefreshInterval))
		}
	}
	{ // Bus
		if c.Bus.QueueDepth < 1 {
			errs = append(errs, fmt.Sprintf("invalid bus queue depth: %d must be positive", c.Bus.QueueDepth))
		}
		if c.Bus.FailureLimit < 1 {
			errs = append(errs, fmt.Sprintf("invalid bus failure limit: %d must be positive", c.Bus.FailureLimit))
		}
	}
	{ // Meter
		for _, kind := range c.Meter.Domains {
			if !validDomainKinds[kind] {
				errs = append(errs, fmt.Sprintf("unknown meter domain kind: %s", kind))
			}
		}
		for kind, modulus := range c.Meter.WrapOverrides {
			if !validDomainKinds[kind] {
				errs = append(errs, fmt.Sprintf("unknown wrap override domain kind: %s", kind))
			}
			if modulus == 0 {
				errs = append(errs, fmt.Sprintf("invalid wrap override for %s: modulus must be positive", kind))
			}
		}
	}
	{ // TDP
		if c.TDP.Watts < 0 {
			errs = append(errs, fmt.Sprintf("invalid TDP watts: %g can't be negative", c.TDP.Watts))
		}
		if c.TDP.Headroom < 0 {
			errs = append(errs, fmt.Sprintf("invalid TDP headroom: %g can't be negative", c.TDP.Headroom))
		}
	}
	{ // Exporters
		validPolicies := map[Policy]bool{
			PolicyDrop:  true,
			PolicyBlock: true,
		}
		if !validPolicies[c.Exporter.Prometheus.Policy] {
			errs = append(errs, fmt.Sprintf("invalid prometheus exporter policy: %s", c.Exporter.Prometheus.Policy))
		}
		if !validPolicies[c.Exporter.Stdout.Policy] {
			errs = append(errs, fmt.Sprintf("invalid stdout exporter policy: %s", c.Exporter.Stdout.Policy))
		}
		if c.Exporter.Prometheus.QueueDepth < 0 {
			errs = append(errs, fmt.Sprintf("invalid prometheus exporter queue depth: %d can't be negative", c.Exporter.Prometheus.QueueDepth))
		}
		if c.Exporter.Stdout.QueueDepth < 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout exporter queue depth: %d can't be negative", c.Exporter.Stdout.QueueDepth))
		}
		if c.Exporter.Qemu.QueueDepth < 0 {
			errs = append(errs, fmt.Sprintf("invalid qemu exporter queue depth: %d can't be negative", c.Exporter.Qemu.QueueDepth))
		}
		if c.Exporter.Prometheus.Staleness < 0 {
			errs = append(errs, fmt.Sprintf("invalid prometheus exporter staleness: %s can't be negative", c.Exporter.Prometheus.Staleness))
		}
		if c.Exporter.Qemu.Staleness < 0 {
			errs = append(errs, fmt.Sprintf("invalid qemu exporter staleness: %s can't be negative", c.Exporter.Qemu.Staleness))
		}
		if ptr.Deref(c.Exporter.Qemu.Enabled, false) && c.Exporter.Qemu.ChannelRoot == "" {
			errs = append(errs, fmt.Sprintf("%s not supplied but %s set to true", ExporterQemuChannelRoot, ExporterQemuEnabledFlag))
		}
	}
	{ // Platform power
		if _, skip := validationSkipped[SkipPlatformValidation]; !skip {
			if ptr.Deref(c.Platform.Redfish.Enabled, false) {
				if c.Platform.Redfish.ConfigFile == "" {
					errs = append(errs, fmt.Sprintf("%s not supplied but %s set to true", RedfishConfigFlag, RedfishEnabledFlag))
				} else if err := canReadFile(c.Platform.Redfish.ConfigFile); err != nil {
					errs = append(errs, fmt.Sprintf("unreadable BMC config: %s", c.Platform.Redfish.ConfigFile))
				}
			}
			if c.Platform.Redfish.Interval <= 0 {
				errs = append(errs, fmt.Sprintf("invalid redfish interval: %s must be positive", c.Platform.Redfish.Interval))
			}
			if c.Platform.Redfish.Staleness < 0 {
				errs = append(errs, fmt.Sprintf("invalid redfish staleness: %s can't be negative", c.Platform.Redfish.Staleness))
			}
			if c.Platform.Redfish.HTTPTimeout <= 0 {
				errs = append(errs, fmt.Sprintf("invalid redfish HTTP timeout: %s must be positive", c.Platform.Redfish.HTTPTimeout))
			}
		}
	}
	{ // Shutdown
		if c.Shutdown.Grace <= 0 {
			errs = append(errs, fmt.Sprintf("invalid shutdown grace: %s must be positive", c.Shutdown.Grace))
		}
	}
	{ // Dev
		if ptr.Deref(c.Dev.FakeMeter.Enabled, false) && c.Dev.FakeMeter.Sockets < 1 {
			errs = append(errs, fmt.Sprintf("invalid fake meter socket count: %d", c.Dev.FakeMeter.Sockets))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	_, err = f.ReadDir(1)
	if err != nil {
		return err
	}

	return nil
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	if err != nil {
		return err
	}

	return nil
}

func validateListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	// an empty host listens on all interfaces; only the port needs checking
	if err := validatePort(port); err != nil {
		return err
	}

	return nil
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err == nil {
		return string(out)
	}
	// fallback when yaml.Marshal fails
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{HostProcFSFlag, c.Host.ProcFS},
		{HostNodeNameFlag, c.Host.Node},
		{MonitorIntervalFlag, c.Monitor.Interval.String()},
		{MonitorReadTimeout, c.Monitor.ReadTimeout.String()},
		{MonitorFaultThresholdFlag, fmt.Sprintf("%d", c.Monitor.FaultThreshold)},
		{TopologyRefreshInterval, c.Topology.RefreshInterval.String()},
		{AttributionRefreshInterval, c.Attribution.RefreshInterval.String()},
		{MeterDomains, strings.Join(c.Meter.Domains, ", ")},
		{MeterGuestRoot, c.Meter.GuestRoot},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", c.Exporter.Stdout.Enabled)},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", c.Exporter.Prometheus.Enabled)},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterQemuEnabledFlag, fmt.Sprintf("%v", c.Exporter.Qemu.Enabled)},
		{ExporterQemuChannelRoot, c.Exporter.Qemu.ChannelRoot},
		{RedfishEnabledFlag, fmt.Sprintf("%v", c.Platform.Redfish.Enabled)},
		{RedfishConfigFlag, c.Platform.Redfish.ConfigFile},
		{pprofEnabledFlag, fmt.Sprintf("%v", c.Debug.Pprof.Enabled)},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
