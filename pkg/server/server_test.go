package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/easzlab/natlb/pkg/channel"
	"github.com/easzlab/natlb/pkg/config"
	"github.com/easzlab/natlb/pkg/lvs"
	"github.com/easzlab/natlb/pkg/packet"
	"github.com/easzlab/natlb/pkg/rstguard"
)

const baseConfig = `
global:
  log_level: debug
service:
  port: 8080
  backends: ["10.0.0.2:9000", "10.0.0.3:9000"]
`

type testEnv struct {
	srv    *Server
	path   string
	pipe   *channel.Pipe
	tables *rstguard.FakeTables
	ipvs   *lvs.FakeHandle

	channelOpts channel.Options
}

// writeYAMLFile writes YAML content to a file and returns the path.
func writeYAMLFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write YAML file: %v", err)
	}
}

// newTestEnv builds a Server whose host-facing parts are all in memory.
func newTestEnv(t *testing.T, content string) *testEnv {
	t.Helper()
	env := &testEnv{
		path:   filepath.Join(t.TempDir(), "natlb.yaml"),
		pipe:   channel.NewPipe(16),
		tables: rstguard.NewFakeTables(),
		ipvs:   lvs.NewFakeHandle(),
	}
	writeYAMLFile(t, env.path, content)

	configMgr, err := config.NewManager(config.Options{Path: env.path}, zap.NewNop())
	if err != nil {
		t.Fatalf("config.NewManager failed: %v", err)
	}

	env.srv = NewServer(configMgr, zap.NewAtomicLevelAt(zapcore.InfoLevel), zap.NewNop())
	env.srv.openChannel = func(opts channel.Options) (channel.Channel, error) {
		env.channelOpts = opts
		return env.pipe, nil
	}
	env.srv.newGuard = func(logger *zap.Logger) (*rstguard.Manager, error) {
		return rstguard.NewManagerWithTables(env.tables, logger)
	}
	env.srv.openIPVS = func() (lvs.Handle, error) {
		return env.ipvs, nil
	}
	return env
}

func (env *testEnv) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.srv.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to stop")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func synFrom(t *testing.T, client string) []byte {
	t.Helper()
	pkt, err := packet.Build(packet.Segment{
		Src: netip.MustParseAddrPort(client),
		Dst: netip.MustParseAddrPort("10.0.0.1:8080"),
		Seq: 1000,
		SYN: true,
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return pkt
}

func TestServer_NATForwardsToBackend(t *testing.T) {
	env := newTestEnv(t, baseConfig)
	cancel, done := env.start(t)

	client := netip.MustParseAddr("10.0.0.9")
	if err := env.pipe.Inject(synFrom(t, "10.0.0.9:51000"), client); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	waitFor(t, "injected packet", func() bool { return len(env.pipe.Sent()) == 1 })

	sent := env.pipe.Sent()[0]
	if sent.Dst != netip.MustParseAddr("10.0.0.2") {
		t.Errorf("expected first flow on 10.0.0.2, got %s", sent.Dst)
	}
	if env.channelOpts.Mark != 0 {
		t.Errorf("expected no channel mark without rst_guard, got %#x", env.channelOpts.Mark)
	}
	if env.srv.level.Level() != zapcore.DebugLevel {
		t.Errorf("expected log level debug from config, got %s", env.srv.level.Level())
	}

	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestServer_NATGuardAndCapture(t *testing.T) {
	capturePath := filepath.Join(t.TempDir(), "dump.pcap")
	env := newTestEnv(t, baseConfig+fmt.Sprintf(`
nat:
  rst_guard: true
  capture_file: %q
`, capturePath))
	cancel, done := env.start(t)

	if err := env.pipe.Inject(synFrom(t, "10.0.0.9:51000"), netip.MustParseAddr("10.0.0.9")); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	waitFor(t, "injected packet", func() bool { return len(env.pipe.Sent()) == 1 })

	rules := env.tables.Rules("filter", "NATLB-RST")
	if len(rules) != 1 {
		t.Fatalf("expected one RST guard rule while running, got %v", rules)
	}
	// resets the balancer forwards carry the mark and pass the guard
	if env.channelOpts.Mark != rstguard.Mark {
		t.Errorf("expected channel mark %#x, got %#x", rstguard.Mark, env.channelOpts.Mark)
	}
	if !strings.Contains(rules[0], fmt.Sprintf("! --mark %#x", rstguard.Mark)) {
		t.Errorf("expected guard rule to exclude marked packets, got %q", rules[0])
	}

	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	if exists, _ := env.tables.ChainExists("filter", "NATLB-RST"); exists {
		t.Error("expected RST guard chain to be removed on shutdown")
	}
	info, err := os.Stat(capturePath)
	if err != nil {
		t.Fatalf("expected capture file: %v", err)
	}
	// pcap file header plus the received and injected records
	if info.Size() <= 24 {
		t.Errorf("expected captured packets, file size %d", info.Size())
	}
}

func TestServer_NATWarnsWithoutGuard(t *testing.T) {
	env := newTestEnv(t, baseConfig)
	core, logs := observer.New(zapcore.WarnLevel)
	env.srv.logger = zap.New(core)
	cancel, done := env.start(t)

	if err := env.pipe.Inject(synFrom(t, "10.0.0.9:51000"), netip.MustParseAddr("10.0.0.9")); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	waitFor(t, "injected packet", func() bool { return len(env.pipe.Sent()) == 1 })
	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	if n := logs.FilterMessageSnippet("rst_guard is disabled").Len(); n != 1 {
		t.Errorf("expected one rst_guard warning, got %d", n)
	}
}

func TestServer_ChannelFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, baseConfig)
	errDenied := errors.New("operation not permitted")
	env.srv.openChannel = func(channel.Options) (channel.Channel, error) {
		return nil, errDenied
	}

	err := env.srv.Run(context.Background())
	if !errors.Is(err, errDenied) {
		t.Fatalf("expected channel error, got %v", err)
	}
}

func TestServer_ReloadReplacesBackends(t *testing.T) {
	env := newTestEnv(t, baseConfig)
	cancel, done := env.start(t)

	if err := env.pipe.Inject(synFrom(t, "10.0.0.9:51000"), netip.MustParseAddr("10.0.0.9")); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}
	waitFor(t, "first injected packet", func() bool { return len(env.pipe.Sent()) == 1 })

	reloaded := `
global:
  log_level: warn
service:
  port: 8080
  backends: ["10.0.0.4:9000"]
`
	newBackend := netip.MustParseAddr("10.0.0.4")
	port := 52000
	deadline := time.Now().Add(5 * time.Second)
	for {
		// rewriting keeps the test independent of when the watcher starts
		writeYAMLFile(t, env.path, reloaded)
		before := len(env.pipe.Sent())
		if err := env.pipe.Inject(synFrom(t, fmt.Sprintf("10.0.0.9:%d", port)), netip.MustParseAddr("10.0.0.9")); err != nil {
			t.Fatalf("Inject failed: %v", err)
		}
		port++
		waitFor(t, "injected packet", func() bool { return len(env.pipe.Sent()) > before })
		if sent := env.pipe.Sent(); sent[len(sent)-1].Dst == newBackend {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reloaded backends")
		}
		time.Sleep(50 * time.Millisecond)
	}

	waitFor(t, "log level change", func() bool { return env.srv.level.Level() == zapcore.WarnLevel })

	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestServer_IPVSMode(t *testing.T) {
	env := newTestEnv(t, `
service:
  address: 10.0.0.1
  port: 8080
  mode: ipvs
  backends: ["10.0.0.2:9000", "10.0.0.3:9000"]
`)
	cancel, done := env.start(t)

	waitFor(t, "ipvs service", func() bool {
		services, _ := env.ipvs.GetServices()
		return len(services) == 1
	})
	services, _ := env.ipvs.GetServices()
	dsts, err := env.ipvs.GetDestinations(services[0])
	if err != nil {
		t.Fatalf("GetDestinations failed: %v", err)
	}
	if len(dsts) != 2 {
		t.Errorf("expected 2 destinations, got %d", len(dsts))
	}

	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if services, _ := env.ipvs.GetServices(); len(services) != 0 {
		t.Errorf("expected ipvs service to be removed on shutdown, got %d", len(services))
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestServer_RelayMode(t *testing.T) {
	port := freePort(t)
	env := newTestEnv(t, fmt.Sprintf(`
service:
  address: 127.0.0.1
  port: %d
  mode: relay
  backends: [%q]
`, port, startEcho(t)))
	cancel, done := env.start(t)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var conn net.Conn
	waitFor(t, "relay listener", func() bool {
		var err error
		conn, err = net.Dial("tcp4", addr)
		return err == nil
	})
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("expected echoed ping, got %q", buf)
	}
	conn.Close()

	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestRestartRequired(t *testing.T) {
	prev := &config.Config{}
	prev.Service.Port = 8080
	prev.Service.Mode = config.ModeNAT
	next := *prev
	next.Service.Backends = []string{"10.0.0.4:9000"}
	if keys := restartRequired(prev, &next); len(keys) != 0 {
		t.Errorf("expected backend change to apply live, got %v", keys)
	}

	next.Service.Port = 9090
	next.NAT.QueueSize = 8
	keys := restartRequired(prev, &next)
	if len(keys) != 2 || keys[0] != "service.port" || keys[1] != "nat" {
		t.Errorf("expected service.port and nat, got %v", keys)
	}
}
