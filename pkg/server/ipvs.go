package server

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/config"
	"github.com/easzlab/natlb/pkg/lvs"
	"github.com/easzlab/natlb/pkg/netinfo"
)

type ipvsStrategy struct {
	server   *Server
	balancer *lvs.Balancer
}

func (s *Server) newIPVS(cfg *config.Config, selector backend.Selector) (strategy, error) {
	addr, err := netip.ParseAddr(cfg.Service.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid service address: %w", err)
	}
	s.checkLocalAddress(addr)

	handle, err := s.openIPVS()
	if err != nil {
		return nil, fmt.Errorf("failed to create ipvs handle: %w", err)
	}
	balancer, err := lvs.NewBalancer(handle, addr, cfg.ServicePort(), s.logger.Named("lvs"))
	if err != nil {
		handle.Close()
		return nil, err
	}

	// partial failures leave the service running with the destinations that
	// could be installed
	if err := balancer.Sync(selector.Backends()); err != nil {
		s.logger.Error("initial ipvs sync failed", zap.Error(err))
	}
	return &ipvsStrategy{server: s, balancer: balancer}, nil
}

// checkLocalAddress warns when the VIP is not assigned locally; IPVS only
// sees traffic addressed to this host.
func (s *Server) checkLocalAddress(addr netip.Addr) {
	ifaces, err := netinfo.List()
	if err != nil {
		s.logger.Debug("failed to list interfaces", zap.Error(err))
		return
	}
	iface, ok := netinfo.Owner(ifaces, addr)
	if !ok {
		s.logger.Warn("service address is not assigned to any local interface",
			zap.Stringer("address", addr))
		return
	}
	s.logger.Info("service address found", zap.Stringer("address", addr), zap.String("interface", iface.Name))
}

func (i *ipvsStrategy) run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (i *ipvsStrategy) update(_ context.Context, selector backend.Selector) error {
	return i.balancer.Sync(selector.Backends())
}

func (i *ipvsStrategy) close() {
	i.server.logCleanup("ipvs service", i.balancer.Cleanup())
	i.balancer.Close()
}
