package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/channel"
	"github.com/easzlab/natlb/pkg/config"
	"github.com/easzlab/natlb/pkg/healthcheck"
	"github.com/easzlab/natlb/pkg/lvs"
	"github.com/easzlab/natlb/pkg/metrics"
	"github.com/easzlab/natlb/pkg/rstguard"
)

// strategy is one way of balancing the service: userspace NAT, a TCP relay
// or kernel IPVS.
type strategy interface {
	// run blocks until ctx is cancelled or the strategy fails.
	run(ctx context.Context) error
	// update replaces the backends used for new connections.
	update(ctx context.Context, selector backend.Selector) error
	// close releases what the strategy installed on the host.
	close()
}

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr *config.Manager
	level     zap.AtomicLevel
	metrics   *metrics.Metrics
	health    *healthcheck.Manager
	logger    *zap.Logger

	openChannel func(channel.Options) (channel.Channel, error)
	newGuard    func(*zap.Logger) (*rstguard.Manager, error)
	openIPVS    func() (lvs.Handle, error)
}

// NewServer creates a Server. level is adjusted whenever global.log_level
// changes.
func NewServer(configMgr *config.Manager, level zap.AtomicLevel, logger *zap.Logger) *Server {
	return &Server{
		configMgr: configMgr,
		level:     level,
		metrics:   metrics.New(),
		logger:    logger,
		openChannel: func(opts channel.Options) (channel.Channel, error) {
			raw, err := channel.NewRaw(opts)
			if err != nil {
				return nil, err
			}
			return raw, nil
		},
		newGuard: rstguard.NewManager,
		openIPVS: lvs.NewHandle,
	}
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Run starts the configured mode and serves until ctx is cancelled or the
// mode fails. Backend and log level changes in the config file are applied
// while running.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()
	s.setLogLevel(cfg.Global.LogLevel)

	selector, backends, err := newSelector(cfg)
	if err != nil {
		return err
	}

	strat, err := s.newStrategy(cfg, selector)
	if err != nil {
		return fmt.Errorf("failed to start %s mode: %w", cfg.Service.Mode, err)
	}
	defer strat.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metricsDone chan struct{}
	if cfg.Global.MetricsListen != "" {
		metricsDone = make(chan struct{})
		go func() {
			defer close(metricsDone)
			if err := s.metrics.Serve(runCtx, cfg.Global.MetricsListen, s.logger.Named("metrics")); err != nil {
				s.logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	s.updateHealth(runCtx, cfg, backends)
	defer s.stopHealth()

	runErr := make(chan error, 1)
	go func() {
		runErr <- strat.run(runCtx)
	}()

	s.configMgr.WatchConfig()
	s.logger.Info("server started",
		zap.String("mode", cfg.Service.Mode),
		zap.Uint16("port", cfg.ServicePort()),
		zap.Stringers("backends", backends),
	)

	for {
		select {
		case <-s.configMgr.OnChange():
			next := s.configMgr.GetConfig()
			s.apply(runCtx, strat, cfg, next)
			cfg = next

		case err := <-runErr:
			cancel()
			s.waitMetrics(metricsDone)
			if err != nil {
				return fmt.Errorf("%s mode stopped: %w", cfg.Service.Mode, err)
			}
			s.logger.Info("server stopped")
			return nil

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			cancel()
			err := <-runErr
			s.waitMetrics(metricsDone)
			if err != nil {
				return fmt.Errorf("%s mode stopped: %w", cfg.Service.Mode, err)
			}
			s.logger.Info("server stopped")
			return nil
		}
	}
}

func (s *Server) newStrategy(cfg *config.Config, selector backend.Selector) (strategy, error) {
	switch cfg.Service.Mode {
	case config.ModeNAT:
		return s.newNAT(cfg, selector)
	case config.ModeRelay:
		return s.newRelay(cfg, selector)
	case config.ModeIPVS:
		return s.newIPVS(cfg, selector)
	default:
		return nil, fmt.Errorf("unsupported mode %q", cfg.Service.Mode)
	}
}

// apply hot-reloads next. Only the log level, the backend list, the algorithm
// and health checks change at runtime; everything else needs a restart.
func (s *Server) apply(ctx context.Context, strat strategy, prev, next *config.Config) {
	s.setLogLevel(next.Global.LogLevel)

	if restart := restartRequired(prev, next); len(restart) > 0 {
		s.logger.Warn("config changes require a restart and were not applied",
			zap.Strings("keys", restart))
	}

	selector, backends, err := newSelector(next)
	if err != nil {
		s.logger.Error("failed to build selector from reloaded config", zap.Error(err))
		return
	}
	if err := strat.update(ctx, selector); err != nil {
		s.logger.Error("failed to apply reloaded backends", zap.Error(err))
		return
	}
	s.updateHealth(ctx, next, backends)
	s.logger.Info("applied reloaded config", zap.Stringers("backends", backends))
}

func restartRequired(prev, next *config.Config) []string {
	var keys []string
	if prev.Service.Mode != next.Service.Mode {
		keys = append(keys, "service.mode")
	}
	if prev.Service.Port != next.Service.Port {
		keys = append(keys, "service.port")
	}
	if prev.Service.Address != next.Service.Address {
		keys = append(keys, "service.address")
	}
	if prev.Global.MetricsListen != next.Global.MetricsListen {
		keys = append(keys, "global.metrics_listen")
	}
	if prev.NAT != next.NAT {
		keys = append(keys, "nat")
	}
	if prev.Relay != next.Relay {
		keys = append(keys, "relay")
	}
	return keys
}

func (s *Server) updateHealth(ctx context.Context, cfg *config.Config, backends []backend.Backend) {
	hc := cfg.HealthCheck
	if !hc.Enabled {
		s.stopHealth()
		return
	}
	if s.health == nil {
		s.health = healthcheck.NewManager(
			healthcheck.NewTCPChecker(hc.Timeout),
			healthcheck.Options{Interval: hc.Interval, FailCount: hc.FailCount, RiseCount: hc.RiseCount},
			s.metrics,
			s.logger.Named("healthcheck"),
		)
	}
	s.health.UpdateTargets(ctx, backends)
}

func (s *Server) stopHealth() {
	if s.health != nil {
		s.health.Stop()
		s.health = nil
	}
}

func (s *Server) setLogLevel(name string) {
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		s.logger.Warn("ignoring invalid log level", zap.String("level", name))
		return
	}
	if s.level.Level() != level {
		s.level.SetLevel(level)
		s.logger.Info("log level changed", zap.Stringer("level", level))
	}
}

func (s *Server) waitMetrics(done chan struct{}) {
	if done != nil {
		<-done
	}
}

func newSelector(cfg *config.Config) (backend.Selector, []backend.Backend, error) {
	backends, err := cfg.ParsedBackends()
	if err != nil {
		return nil, nil, err
	}
	selector, err := backend.NewSelector(cfg.Service.Algorithm, backends)
	if err != nil {
		return nil, nil, err
	}
	return selector, backends, nil
}

// logCleanup logs teardown failures; they never change Run's result.
func (s *Server) logCleanup(what string, errs ...error) {
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("failed to clean up "+what, zap.Error(err))
	}
}
