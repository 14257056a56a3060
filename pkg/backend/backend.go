package backend

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// ErrNoBackends is returned when a selector is built from an empty backend list.
var ErrNoBackends = errors.New("at least one backend is required")

// Backend is a single real server endpoint.
type Backend struct {
	Addr netip.Addr
	Port uint16
}

// String returns the backend in host:port form.
func (b Backend) String() string {
	return netip.AddrPortFrom(b.Addr, b.Port).String()
}

// ParseBackend parses an "IPv4:port" endpoint.
func ParseBackend(address string) (Backend, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Backend{}, fmt.Errorf("invalid backend address %q: %w", address, err)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Backend{}, fmt.Errorf("invalid backend IP %q: %w", host, err)
	}
	if !addr.Is4() {
		return Backend{}, fmt.Errorf("backend %q: only IPv4 addresses are supported", address)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Backend{}, fmt.Errorf("invalid backend port %q: %w", portStr, err)
	}
	if port == 0 {
		return Backend{}, fmt.Errorf("backend %q: port must be a positive number", address)
	}

	return Backend{Addr: addr, Port: uint16(port)}, nil
}

// ParseBackends parses every address and rejects duplicates.
func ParseBackends(addresses []string) ([]Backend, error) {
	if len(addresses) == 0 {
		return nil, ErrNoBackends
	}

	seen := make(map[Backend]bool, len(addresses))
	backends := make([]Backend, 0, len(addresses))
	for i, address := range addresses {
		b, err := ParseBackend(address)
		if err != nil {
			return nil, fmt.Errorf("backend[%d]: %w", i, err)
		}
		if seen[b] {
			return nil, fmt.Errorf("backend[%d]: duplicate address %q", i, address)
		}
		seen[b] = true
		backends = append(backends, b)
	}
	return backends, nil
}
