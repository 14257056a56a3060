// Package lvs offloads the service to the kernel's IPVS table in masquerading
// mode. It is the ipvs mode of natlb: the kernel performs the same round-robin
// NAT that the userspace dispatcher does.
package lvs

import (
	"fmt"
	"net/netip"
	"syscall"

	"github.com/easzlab/natlb/pkg/backend"
)

const (
	// SchedulerRR is the IPVS scheduler name for round-robin.
	SchedulerRR = "rr"

	// ConnectionFlagMasq selects NAT forwarding for a destination.
	ConnectionFlagMasq = 0x0000

	protocolTCP = uint16(syscall.IPPROTO_TCP)
	familyIPv4  = uint16(syscall.AF_INET)
)

// Service is a TCP virtual service.
type Service struct {
	Addr      netip.Addr
	Port      uint16
	Scheduler string
	Stats     Stats
}

// Destination is a real server behind a Service.
type Destination struct {
	Addr              netip.Addr
	Port              uint16
	Weight            int
	ActiveConnections int
	Stats             Stats
}

// Stats are the kernel counters the balancer reports.
type Stats struct {
	Connections uint32
	PacketsIn   uint32
	PacketsOut  uint32
	BytesIn     uint64
	BytesOut    uint64
}

// Handle is the subset of IPVS operations the balancer needs. It is backed by
// netlink on Linux and by FakeHandle elsewhere.
type Handle interface {
	Close()
	NewService(svc *Service) error
	DelService(svc *Service) error
	GetServices() ([]*Service, error)
	NewDestination(svc *Service, dst *Destination) error
	DelDestination(svc *Service, dst *Destination) error
	GetDestinations(svc *Service) ([]*Destination, error)
}

func (s *Service) String() string {
	return netip.AddrPortFrom(s.Addr, s.Port).String()
}

func (d *Destination) String() string {
	return netip.AddrPortFrom(d.Addr, d.Port).String()
}

// NewService returns the TCP service for addr:port.
func NewService(addr netip.Addr, port uint16) (*Service, error) {
	if !addr.Is4() {
		return nil, fmt.Errorf("service address %s is not IPv4", addr)
	}
	if port == 0 {
		return nil, fmt.Errorf("service port must not be zero")
	}
	return &Service{Addr: addr, Port: port, Scheduler: SchedulerRR}, nil
}

// DestinationFromBackend maps a backend to an equally weighted destination.
func DestinationFromBackend(b backend.Backend) *Destination {
	return &Destination{Addr: b.Addr, Port: b.Port, Weight: 1}
}
