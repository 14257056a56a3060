package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/capture"
	"github.com/easzlab/natlb/pkg/channel"
	"github.com/easzlab/natlb/pkg/config"
	"github.com/easzlab/natlb/pkg/dispatch"
	"github.com/easzlab/natlb/pkg/flow"
	"github.com/easzlab/natlb/pkg/rstguard"
)

type natStrategy struct {
	server  *Server
	loop    *dispatch.Loop
	capture *capture.Writer
	guard   *rstguard.Manager
}

func (s *Server) newNAT(cfg *config.Config, selector backend.Selector) (strategy, error) {
	logger := s.logger.Named("dispatch")
	n := &natStrategy{server: s}

	engine, err := dispatch.NewEngine(dispatch.Options{
		ServicePort:     cfg.ServicePort(),
		VerifyChecksums: cfg.NAT.VerifyChecksums,
	}, flow.NewTable(flow.Options{
		IdleTimeout:  cfg.NAT.IdleTimeout,
		ClosedLinger: cfg.NAT.ClosedLinger,
	}), selector, logger, s.metrics)
	if err != nil {
		return nil, err
	}

	loopOptions := dispatch.LoopOptions{
		QueueSize:     cfg.NAT.QueueSize,
		SweepInterval: cfg.NAT.SweepInterval,
	}
	if cfg.NAT.CaptureFile != "" {
		n.capture, err = capture.Open(cfg.NAT.CaptureFile, cfg.NAT.BufferSize)
		if err != nil {
			return nil, err
		}
		loopOptions.Recorder = n.capture
		s.logger.Info("capturing packets", zap.String("file", cfg.NAT.CaptureFile))
	}

	if !cfg.NAT.RSTGuard {
		s.logger.Warn("rst_guard is disabled; the kernel will reset connections to the service port unless a firewall drops its RSTs",
			zap.Uint16("port", cfg.ServicePort()))
	} else {
		n.guard, err = s.newGuard(s.logger.Named("rstguard"))
		if err != nil {
			n.close()
			return nil, err
		}
		if err := n.guard.Reconcile([]rstguard.Rule{{Port: cfg.ServicePort()}}); err != nil {
			n.close()
			return nil, err
		}
	}

	ch, err := s.openChannel(channelOptions(cfg))
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to open packet channel: %w", err)
	}

	n.loop = dispatch.NewLoop(ch, engine, loopOptions, logger, s.metrics)
	return n, nil
}

// channelOptions marks injected packets when the guard is on, so its rules
// only match resets generated by the kernel.
func channelOptions(cfg *config.Config) channel.Options {
	opts := channel.Options{
		BufferSize: cfg.NAT.BufferSize,
		RecvBuffer: cfg.NAT.RecvBuffer,
	}
	if cfg.NAT.RSTGuard {
		opts.Mark = rstguard.Mark
	}
	return opts
}

func (n *natStrategy) run(ctx context.Context) error {
	return n.loop.Run(ctx)
}

func (n *natStrategy) update(ctx context.Context, selector backend.Selector) error {
	return n.loop.UpdateSelector(ctx, selector)
}

func (n *natStrategy) close() {
	if n.guard != nil {
		n.server.logCleanup("RST guard", n.guard.Cleanup())
	}
	if n.capture != nil {
		n.server.logCleanup("capture file", n.capture.Close())
	}
}
