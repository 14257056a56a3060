package lvs

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
)

// Balancer keeps one IPVS service in line with the configured backends.
type Balancer struct {
	handle  Handle
	service *Service
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewBalancer creates a Balancer for the TCP service addr:port on handle.
func NewBalancer(handle Handle, addr netip.Addr, port uint16, logger *zap.Logger) (*Balancer, error) {
	svc, err := NewService(addr, port)
	if err != nil {
		return nil, err
	}
	return &Balancer{
		handle:  handle,
		service: svc,
		logger:  logger.With(zap.Stringer("service", svc)),
	}, nil
}

// Sync creates the service if it is missing and reconciles its destinations
// against backends. Destination failures do not stop the remaining changes;
// they are joined into the returned error.
func (b *Balancer) Sync(backends []backend.Backend) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureService(); err != nil {
		return err
	}

	current, err := b.handle.GetDestinations(b.service)
	if err != nil {
		return fmt.Errorf("failed to get destinations for %s: %w", b.service, err)
	}
	currentMap := make(map[netip.AddrPort]*Destination, len(current))
	for _, dst := range current {
		currentMap[destinationKey(dst)] = dst
	}
	desiredMap := make(map[netip.AddrPort]*Destination, len(backends))
	for _, be := range backends {
		dst := DestinationFromBackend(be)
		desiredMap[destinationKey(dst)] = dst
	}

	var errs []error
	for key, dst := range currentMap {
		if _, ok := desiredMap[key]; ok {
			continue
		}
		if err := b.handle.DelDestination(b.service, dst); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete destination %s: %w", key, err))
			continue
		}
		b.logger.Info("deleted IPVS destination", zap.Stringer("backend", key))
	}
	for key, dst := range desiredMap {
		if _, ok := currentMap[key]; ok {
			continue
		}
		if err := b.handle.NewDestination(b.service, dst); err != nil {
			errs = append(errs, fmt.Errorf("failed to create destination %s: %w", key, err))
			continue
		}
		b.logger.Info("created IPVS destination", zap.Stringer("backend", key))
	}
	return errors.Join(errs...)
}

func (b *Balancer) ensureService() error {
	services, err := b.handle.GetServices()
	if err != nil {
		return fmt.Errorf("failed to get ipvs services: %w", err)
	}
	for _, svc := range services {
		if serviceKey(svc) != serviceKey(b.service) {
			continue
		}
		if svc.Scheduler == b.service.Scheduler {
			return nil
		}
		// a foreign scheduler is replaced rather than edited in place
		if err := b.handle.DelService(svc); err != nil {
			return fmt.Errorf("failed to replace service %s: %w", b.service, err)
		}
		break
	}
	if err := b.handle.NewService(b.service); err != nil {
		return fmt.Errorf("failed to create service %s: %w", b.service, err)
	}
	b.logger.Info("created IPVS service", zap.String("scheduler", b.service.Scheduler))
	return nil
}

// Status returns the kernel's view of the service and its destinations.
func (b *Balancer) Status() (*Service, []*Destination, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	services, err := b.handle.GetServices()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get ipvs services: %w", err)
	}
	for _, svc := range services {
		if serviceKey(svc) != serviceKey(b.service) {
			continue
		}
		dsts, err := b.handle.GetDestinations(svc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get destinations for %s: %w", b.service, err)
		}
		return svc, dsts, nil
	}
	return nil, nil, fmt.Errorf("service %s not found", b.service)
}

// Cleanup deletes the service and, with it, all of its destinations.
func (b *Balancer) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.handle.DelService(b.service); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", b.service, err)
	}
	b.logger.Info("deleted IPVS service")
	return nil
}

// Close releases the handle.
func (b *Balancer) Close() {
	b.handle.Close()
}
