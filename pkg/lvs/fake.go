package lvs

import (
	"fmt"
	"net/netip"
	"sync"
)

// FakeHandle is an in-memory Handle for development and testing.
type FakeHandle struct {
	mu           sync.Mutex
	services     map[netip.AddrPort]*Service
	destinations map[netip.AddrPort]map[netip.AddrPort]*Destination

	// FailNewDestination, when set, is returned by NewDestination for that address.
	FailNewDestination map[netip.AddrPort]error
}

// NewFakeHandle creates an empty FakeHandle.
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		services:     make(map[netip.AddrPort]*Service),
		destinations: make(map[netip.AddrPort]map[netip.AddrPort]*Destination),
	}
}

func serviceKey(svc *Service) netip.AddrPort {
	return netip.AddrPortFrom(svc.Addr, svc.Port)
}

func destinationKey(dst *Destination) netip.AddrPort {
	return netip.AddrPortFrom(dst.Addr, dst.Port)
}

func (h *FakeHandle) Close() {}

func (h *FakeHandle) NewService(svc *Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := serviceKey(svc)
	if _, exists := h.services[key]; exists {
		return fmt.Errorf("service %s already exists", key)
	}
	clone := *svc
	h.services[key] = &clone
	h.destinations[key] = make(map[netip.AddrPort]*Destination)
	return nil
}

func (h *FakeHandle) DelService(svc *Service) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := serviceKey(svc)
	if _, exists := h.services[key]; !exists {
		return fmt.Errorf("service %s not found", key)
	}
	delete(h.services, key)
	delete(h.destinations, key)
	return nil
}

func (h *FakeHandle) GetServices() ([]*Service, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]*Service, 0, len(h.services))
	for _, svc := range h.services {
		clone := *svc
		result = append(result, &clone)
	}
	return result, nil
}

func (h *FakeHandle) NewDestination(svc *Service, dst *Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := destinationKey(dst)
	if err := h.FailNewDestination[key]; err != nil {
		return err
	}
	dsts, ok := h.destinations[serviceKey(svc)]
	if !ok {
		return fmt.Errorf("service %s not found", serviceKey(svc))
	}
	if _, exists := dsts[key]; exists {
		return fmt.Errorf("destination %s already exists in service %s", key, serviceKey(svc))
	}
	clone := *dst
	dsts[key] = &clone
	return nil
}

func (h *FakeHandle) DelDestination(svc *Service, dst *Destination) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dsts, ok := h.destinations[serviceKey(svc)]
	if !ok {
		return fmt.Errorf("service %s not found", serviceKey(svc))
	}
	key := destinationKey(dst)
	if _, exists := dsts[key]; !exists {
		return fmt.Errorf("destination %s not found in service %s", key, serviceKey(svc))
	}
	delete(dsts, key)
	return nil
}

func (h *FakeHandle) GetDestinations(svc *Service) ([]*Destination, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dsts, ok := h.destinations[serviceKey(svc)]
	if !ok {
		return nil, fmt.Errorf("service %s not found", serviceKey(svc))
	}
	result := make([]*Destination, 0, len(dsts))
	for _, dst := range dsts {
		clone := *dst
		result = append(result, &clone)
	}
	return result, nil
}
