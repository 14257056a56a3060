package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/easzlab/natlb/pkg/backend"
)

// Balancing strategies selectable with service.mode.
const (
	ModeNAT   = "nat"
	ModeRelay = "relay"
	ModeIPVS  = "ipvs"
)

// EnvPrefix prefixes environment overrides, e.g. NATLB_SERVICE_PORT.
const EnvPrefix = "NATLB"

var validModes = map[string]bool{
	ModeNAT:   true,
	ModeRelay: true,
	ModeIPVS:  true,
}

// Config represents the top-level configuration structure.
type Config struct {
	Global      GlobalConfig      `yaml:"global"       mapstructure:"global"`
	Service     ServiceConfig     `yaml:"service"      mapstructure:"service"`
	NAT         NATConfig         `yaml:"nat"          mapstructure:"nat"`
	Relay       RelayConfig       `yaml:"relay"        mapstructure:"relay"`
	HealthCheck HealthCheckConfig `yaml:"health_check" mapstructure:"health_check"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"      mapstructure:"log_level"`
	MetricsListen string `yaml:"metrics_listen" mapstructure:"metrics_listen"`
}

// ServiceConfig defines the balanced service and its backends.
type ServiceConfig struct {
	// Address is the virtual IP. Only the ipvs mode needs it; the nat mode
	// learns the balancer address from each inbound packet.
	Address   string   `yaml:"address"   mapstructure:"address"`
	Port      int      `yaml:"port"      mapstructure:"port"`
	Mode      string   `yaml:"mode"      mapstructure:"mode"`
	Algorithm string   `yaml:"algorithm" mapstructure:"algorithm"`
	Backends  []string `yaml:"backends"  mapstructure:"backends"`
}

// NATConfig tunes the raw packet path.
type NATConfig struct {
	BufferSize      int           `yaml:"buffer_size"      mapstructure:"buffer_size"`
	RecvBuffer      int           `yaml:"recv_buffer"      mapstructure:"recv_buffer"`
	QueueSize       int           `yaml:"queue_size"       mapstructure:"queue_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     mapstructure:"idle_timeout"`
	ClosedLinger    time.Duration `yaml:"closed_linger"    mapstructure:"closed_linger"`
	SweepInterval   time.Duration `yaml:"sweep_interval"   mapstructure:"sweep_interval"`
	RSTGuard        bool          `yaml:"rst_guard"        mapstructure:"rst_guard"`
	CaptureFile     string        `yaml:"capture_file"     mapstructure:"capture_file"`
	VerifyChecksums bool          `yaml:"verify_checksums" mapstructure:"verify_checksums"`
}

// RelayConfig tunes the TCP relay strategy.
type RelayConfig struct {
	Timeout     time.Duration `yaml:"timeout"      mapstructure:"timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
}

// HealthCheckConfig defines the diagnostic backend probes.
type HealthCheckConfig struct {
	Enabled   bool          `yaml:"enabled"    mapstructure:"enabled"`
	Interval  time.Duration `yaml:"interval"   mapstructure:"interval"`
	Timeout   time.Duration `yaml:"timeout"    mapstructure:"timeout"`
	FailCount int           `yaml:"fail_count" mapstructure:"fail_count"`
	RiseCount int           `yaml:"rise_count" mapstructure:"rise_count"`
}

// ParsedBackends returns the configured backends as endpoints.
func (c *Config) ParsedBackends() ([]backend.Backend, error) {
	return backend.ParseBackends(c.Service.Backends)
}

// ServicePort returns service.port as a TCP port.
func (c *Config) ServicePort() uint16 {
	return uint16(c.Service.Port)
}

// Options selects the sources a Manager reads besides defaults and environment.
type Options struct {
	// Path of the YAML file. Empty means no file and no hot reload.
	Path string
	// Flags are bound to service.port, service.algorithm and service.mode
	// under the names port, algorithm and mode.
	Flags *pflag.FlagSet
	// Backends, when non-empty, override service.backends.
	Backends []string
}

var flagKeys = map[string]string{
	"port":      "service.port",
	"algorithm": "service.algorithm",
	"mode":      "service.mode",
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper    *viper.Viper
	options  Options
	current  *Config
	mu       sync.RWMutex
	onChange chan struct{}
	logger   *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(options Options, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	if options.Path != "" {
		viperInstance.SetConfigFile(options.Path)
	}
	setDefaults(viperInstance)

	viperInstance.SetEnvPrefix(EnvPrefix)
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperInstance.AutomaticEnv()

	if options.Flags != nil {
		for name, key := range flagKeys {
			if flag := options.Flags.Lookup(name); flag != nil {
				if err := viperInstance.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}
	if len(options.Backends) > 0 {
		viperInstance.Set("service.backends", options.Backends)
	}

	manager := &Manager{
		viper:    viperInstance,
		options:  options,
		onChange: make(chan struct{}, 1),
		logger:   logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", "info")
	v.SetDefault("global.metrics_listen", "")

	v.SetDefault("service.address", "")
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.mode", ModeNAT)
	v.SetDefault("service.algorithm", backend.SchedulerRoundRobin)
	v.SetDefault("service.backends", []string{})

	v.SetDefault("nat.buffer_size", 4096)
	v.SetDefault("nat.recv_buffer", 0)
	v.SetDefault("nat.queue_size", 1024)
	v.SetDefault("nat.idle_timeout", "5m")
	v.SetDefault("nat.closed_linger", "10s")
	v.SetDefault("nat.sweep_interval", "10s")
	v.SetDefault("nat.rst_guard", false)
	v.SetDefault("nat.capture_file", "")
	v.SetDefault("nat.verify_checksums", false)

	v.SetDefault("relay.timeout", "5s")
	v.SetDefault("relay.dial_timeout", "3s")

	v.SetDefault("health_check.enabled", false)
	v.SetDefault("health_check.interval", "5s")
	v.SetDefault("health_check.timeout", "3s")
	v.SetDefault("health_check.fail_count", 3)
	v.SetDefault("health_check.rise_count", 2)
}

// Load reads the config file (if any), unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if m.options.Path != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if _, err := zapcore.ParseLevel(cfg.Global.LogLevel); err != nil {
		return fmt.Errorf("global: invalid log_level %q: %w", cfg.Global.LogLevel, err)
	}
	if cfg.Global.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(cfg.Global.MetricsListen); err != nil {
			return fmt.Errorf("global: invalid metrics_listen %q: %w", cfg.Global.MetricsListen, err)
		}
	}

	svc := cfg.Service
	if svc.Port < 1 || svc.Port > 65535 {
		return fmt.Errorf("service: port %d out of range 1-65535", svc.Port)
	}
	if !validModes[svc.Mode] {
		return fmt.Errorf("service: unsupported mode %q (supported: nat, relay, ipvs)", svc.Mode)
	}
	if err := backend.ValidateScheduler(svc.Algorithm); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	if svc.Address != "" {
		addr, err := netip.ParseAddr(svc.Address)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("service: address %q is not an IPv4 address", svc.Address)
		}
	} else if svc.Mode == ModeIPVS {
		return fmt.Errorf("service: address is required in %s mode", ModeIPVS)
	}
	if _, err := backend.ParseBackends(svc.Backends); err != nil {
		return fmt.Errorf("service: %w", err)
	}

	nat := cfg.NAT
	if nat.BufferSize < 128 || nat.BufferSize > 65535 {
		return fmt.Errorf("nat: buffer_size %d out of range 128-65535", nat.BufferSize)
	}
	if nat.RecvBuffer < 0 {
		return fmt.Errorf("nat: recv_buffer must not be negative")
	}
	if nat.QueueSize <= 0 {
		return fmt.Errorf("nat: queue_size must be a positive integer")
	}
	if nat.IdleTimeout < 0 || nat.ClosedLinger < 0 {
		return fmt.Errorf("nat: idle_timeout and closed_linger must not be negative")
	}
	if nat.SweepInterval <= 0 {
		return fmt.Errorf("nat: sweep_interval must be positive")
	}

	if cfg.Relay.Timeout <= 0 || cfg.Relay.DialTimeout <= 0 {
		return fmt.Errorf("relay: timeout and dial_timeout must be positive")
	}

	hc := cfg.HealthCheck
	// the timeout also bounds one-off checks, so it is validated even when disabled
	if hc.Timeout <= 0 {
		return fmt.Errorf("health_check: timeout must be positive")
	}
	if hc.Enabled {
		if hc.Interval <= 0 {
			return fmt.Errorf("health_check: interval must be positive")
		}
		if hc.FailCount < 1 || hc.RiseCount < 1 {
			return fmt.Errorf("health_check: fail_count and rise_count must be at least 1")
		}
	}

	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	if m.options.Path == "" {
		return
	}

	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
