package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
)

// validConfig returns a minimal valid Config for testing.
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{LogLevel: "info"},
		Service: ServiceConfig{
			Port:      8080,
			Mode:      ModeNAT,
			Algorithm: "roundrobin",
			Backends:  []string{"10.0.0.2:9000", "10.0.0.3:9000"},
		},
		NAT: NATConfig{
			BufferSize:    4096,
			QueueSize:     1024,
			IdleTimeout:   5 * time.Minute,
			ClosedLinger:  10 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Relay: RelayConfig{Timeout: 5 * time.Second, DialTimeout: 3 * time.Second},
		HealthCheck: HealthCheckConfig{
			Interval:  5 * time.Second,
			Timeout:   3 * time.Second,
			FailCount: 3,
			RiseCount: 2,
		},
	}
}

// --- Validate function tests ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config to pass validation, got: %v", err)
	}
}

func TestValidate_LogLevelInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Global.LogLevel = "loud"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidate_MetricsListenInvalid(t *testing.T) {
	cfg := validConfig()
	cfg.Global.MetricsListen = "9108"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for metrics_listen without host:port, got nil")
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	for _, port := range []int{0, -1, 65536} {
		cfg := validConfig()
		cfg.Service.Port = port
		if err := Validate(cfg); err == nil {
			t.Errorf("expected error for port %d, got nil", port)
		}
	}
}

func TestValidate_ModeUnsupported(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Mode = "dsr"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported mode, got nil")
	}
}

func TestValidate_AlgorithmUnsupported(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Algorithm = "leastconn"
	err := Validate(cfg)
	if !errors.Is(err, backend.ErrUnsupportedScheduler) {
		t.Fatalf("expected ErrUnsupportedScheduler, got %v", err)
	}
}

func TestValidate_AlgorithmShortName(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Algorithm = "rr"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected rr to be accepted, got: %v", err)
	}
}

func TestValidate_BackendsEmpty(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Backends = nil
	err := Validate(cfg)
	if !errors.Is(err, backend.ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
}

func TestValidate_BackendInvalid(t *testing.T) {
	for _, address := range []string{"10.0.0.2", "10.0.0.2:0", "::1:9000", "[::1]:9000", "host:9000"} {
		cfg := validConfig()
		cfg.Service.Backends = []string{address}
		if err := Validate(cfg); err == nil {
			t.Errorf("expected error for backend %q, got nil", address)
		}
	}
}

func TestValidate_BackendDuplicate(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Backends = []string{"10.0.0.2:9000", "10.0.0.2:9000"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate backend, got nil")
	}
}

func TestValidate_AddressRequiredForIPVS(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Mode = ModeIPVS
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for ipvs mode without address, got nil")
	}

	cfg.Service.Address = "10.0.0.1"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected ipvs mode with address to pass, got: %v", err)
	}
}

func TestValidate_AddressNotIPv4(t *testing.T) {
	cfg := validConfig()
	cfg.Service.Address = "fd00::1"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for IPv6 service address, got nil")
	}
}

func TestValidate_NATLimits(t *testing.T) {
	cases := map[string]func(*NATConfig){
		"buffer too small": func(n *NATConfig) { n.BufferSize = 20 },
		"buffer too large": func(n *NATConfig) { n.BufferSize = 70000 },
		"negative rcvbuf":  func(n *NATConfig) { n.RecvBuffer = -1 },
		"zero queue":       func(n *NATConfig) { n.QueueSize = 0 },
		"negative idle":    func(n *NATConfig) { n.IdleTimeout = -time.Second },
		"zero sweep":       func(n *NATConfig) { n.SweepInterval = 0 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg.NAT)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

func TestValidate_RelayTimeouts(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.Timeout = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero relay timeout, got nil")
	}
}

func TestValidate_HealthCheckTimeoutAlwaysChecked(t *testing.T) {
	cfg := validConfig()
	cfg.HealthCheck.Timeout = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero health_check timeout with checks disabled, got nil")
	}
}

func TestValidate_HealthCheckOnlyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.HealthCheck.FailCount = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected disabled health check to skip validation, got: %v", err)
	}

	cfg.HealthCheck.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled health check with fail_count 0, got nil")
	}
}

// --- Manager loading tests ---

const validYAML = `
global:
  log_level: debug
  metrics_listen: 127.0.0.1:9108
service:
  port: 8081
  algorithm: rr
  backends:
    - 10.0.0.2:9000
    - 10.0.0.3:9000
nat:
  queue_size: 64
  idle_timeout: 2m
  rst_guard: true
health_check:
  enabled: true
  interval: 1s
`

func writeTestYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test yaml: %v", err)
	}
	return path
}

func TestManager_LoadValidYAML(t *testing.T) {
	path := writeTestYAML(t, validYAML)

	mgr, err := NewManager(Options{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected NewManager to succeed, got: %v", err)
	}

	cfg := mgr.GetConfig()
	if cfg == nil {
		t.Fatal("expected GetConfig to return non-nil config")
	}
	if cfg.Global.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Global.LogLevel)
	}
	if cfg.ServicePort() != 8081 {
		t.Errorf("expected port 8081, got %d", cfg.ServicePort())
	}
	if cfg.Service.Algorithm != "rr" {
		t.Errorf("expected algorithm rr, got %q", cfg.Service.Algorithm)
	}
	if len(cfg.Service.Backends) != 2 {
		t.Errorf("expected 2 backends, got %d", len(cfg.Service.Backends))
	}
	if cfg.NAT.QueueSize != 64 || cfg.NAT.IdleTimeout != 2*time.Minute || !cfg.NAT.RSTGuard {
		t.Errorf("unexpected nat section %+v", cfg.NAT)
	}
	if !cfg.HealthCheck.Enabled || cfg.HealthCheck.Interval != time.Second {
		t.Errorf("unexpected health_check section %+v", cfg.HealthCheck)
	}
}

func TestManager_Defaults(t *testing.T) {
	path := writeTestYAML(t, "service:\n  backends: [\"10.0.0.2:9000\"]\n")

	mgr, err := NewManager(Options{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := mgr.GetConfig()

	if cfg.Global.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Global.LogLevel)
	}
	if cfg.Service.Port != 8080 || cfg.Service.Mode != ModeNAT || cfg.Service.Algorithm != "roundrobin" {
		t.Errorf("unexpected service defaults %+v", cfg.Service)
	}
	if cfg.NAT.BufferSize != 4096 || cfg.NAT.QueueSize != 1024 {
		t.Errorf("unexpected nat defaults %+v", cfg.NAT)
	}
	if cfg.NAT.IdleTimeout != 5*time.Minute || cfg.NAT.ClosedLinger != 10*time.Second || cfg.NAT.SweepInterval != 10*time.Second {
		t.Errorf("unexpected nat timer defaults %+v", cfg.NAT)
	}
	if cfg.Relay.Timeout != 5*time.Second || cfg.Relay.DialTimeout != 3*time.Second {
		t.Errorf("unexpected relay defaults %+v", cfg.Relay)
	}
	if cfg.HealthCheck.Enabled {
		t.Error("expected health checks to be disabled by default")
	}
}

func TestManager_NoFileUsesBackendArguments(t *testing.T) {
	mgr, err := NewManager(Options{Backends: []string{"10.0.0.2:9000", "10.0.0.3:9000"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := mgr.GetConfig()
	if len(cfg.Service.Backends) != 2 || cfg.Service.Backends[1] != "10.0.0.3:9000" {
		t.Errorf("expected backends from arguments, got %v", cfg.Service.Backends)
	}
}

func TestManager_BackendArgumentsOverrideFile(t *testing.T) {
	path := writeTestYAML(t, validYAML)
	mgr, err := NewManager(Options{Path: path, Backends: []string{"10.0.0.7:80"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	backends := mgr.GetConfig().Service.Backends
	if len(backends) != 1 || backends[0] != "10.0.0.7:80" {
		t.Errorf("expected argument backends to win, got %v", backends)
	}
}

func TestManager_FlagsOverrideFile(t *testing.T) {
	path := writeTestYAML(t, validYAML)

	flags := pflag.NewFlagSet("natlb", pflag.ContinueOnError)
	flags.IntP("port", "p", 8080, "")
	flags.StringP("algorithm", "a", "roundrobin", "")
	flags.StringP("mode", "m", ModeNAT, "")
	if err := flags.Parse([]string{"-p", "9090", "-m", "relay"}); err != nil {
		t.Fatalf("flag parse failed: %v", err)
	}

	mgr, err := NewManager(Options{Path: path, Flags: flags}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := mgr.GetConfig()
	if cfg.Service.Port != 9090 {
		t.Errorf("expected flag port 9090, got %d", cfg.Service.Port)
	}
	if cfg.Service.Mode != ModeRelay {
		t.Errorf("expected flag mode relay, got %q", cfg.Service.Mode)
	}
	// unchanged flags do not mask the file
	if cfg.Service.Algorithm != "rr" {
		t.Errorf("expected file algorithm rr, got %q", cfg.Service.Algorithm)
	}
}

func TestManager_EnvOverride(t *testing.T) {
	t.Setenv("NATLB_SERVICE_PORT", "7070")
	t.Setenv("NATLB_NAT_QUEUE_SIZE", "16")

	path := writeTestYAML(t, validYAML)
	mgr, err := NewManager(Options{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	cfg := mgr.GetConfig()
	if cfg.Service.Port != 7070 {
		t.Errorf("expected env port 7070, got %d", cfg.Service.Port)
	}
	if cfg.NAT.QueueSize != 16 {
		t.Errorf("expected env queue size 16, got %d", cfg.NAT.QueueSize)
	}
}

func TestManager_LoadNonExistentFile(t *testing.T) {
	_, err := NewManager(Options{Path: "/nonexistent/path/config.yaml"}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for non-existent config file, got nil")
	}
}

func TestManager_LoadInvalidYAML(t *testing.T) {
	path := writeTestYAML(t, `{{{invalid yaml`)
	_, err := NewManager(Options{Path: path}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestManager_LoadValidationFailure(t *testing.T) {
	invalidCfg := `
service:
  port: 8080
  algorithm: leastconn
  backends: ["10.0.0.2:9000"]
`
	path := writeTestYAML(t, invalidCfg)
	_, err := NewManager(Options{Path: path}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error for config that fails validation, got nil")
	}
}

func TestManager_NoBackendsFails(t *testing.T) {
	_, err := NewManager(Options{}, zap.NewNop())
	if !errors.Is(err, backend.ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
}

func TestManager_OnChangeChannel(t *testing.T) {
	path := writeTestYAML(t, validYAML)
	mgr, err := NewManager(Options{Path: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ch := mgr.OnChange()
	if ch == nil {
		t.Fatal("expected OnChange to return non-nil channel")
	}
}
