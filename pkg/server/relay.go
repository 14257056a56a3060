package server

import (
	"context"
	"net"
	"strconv"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/config"
	"github.com/easzlab/natlb/pkg/relay"
)

type relayStrategy struct {
	relay *relay.Relay
}

func (s *Server) newRelay(cfg *config.Config, selector backend.Selector) (strategy, error) {
	host := cfg.Service.Address
	if host == "" {
		host = "0.0.0.0"
	}
	r, err := relay.New(selector, relay.Options{
		Listen:      net.JoinHostPort(host, strconv.Itoa(cfg.Service.Port)),
		Timeout:     cfg.Relay.Timeout,
		DialTimeout: cfg.Relay.DialTimeout,
	}, s.logger.Named("relay"), s.metrics)
	if err != nil {
		return nil, err
	}
	return &relayStrategy{relay: r}, nil
}

func (r *relayStrategy) run(ctx context.Context) error {
	return r.relay.Run(ctx)
}

func (r *relayStrategy) update(_ context.Context, selector backend.Selector) error {
	r.relay.SetSelector(selector)
	return nil
}

func (r *relayStrategy) close() {}
