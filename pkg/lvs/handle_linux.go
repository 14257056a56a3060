//go:build linux

package lvs

import (
	"net"
	"net/netip"

	mobyipvs "github.com/moby/ipvs"
)

type netlinkHandle struct {
	handle *mobyipvs.Handle
}

// NewHandle opens an IPVS netlink handle in the current network namespace.
func NewHandle() (Handle, error) {
	handle, err := mobyipvs.New("")
	if err != nil {
		return nil, err
	}
	return &netlinkHandle{handle: handle}, nil
}

func (h *netlinkHandle) Close() {
	h.handle.Close()
}

func (h *netlinkHandle) NewService(svc *Service) error {
	return h.handle.NewService(toMobyService(svc))
}

func (h *netlinkHandle) DelService(svc *Service) error {
	return h.handle.DelService(toMobyService(svc))
}

func (h *netlinkHandle) GetServices() ([]*Service, error) {
	mobySvcs, err := h.handle.GetServices()
	if err != nil {
		return nil, err
	}
	services := make([]*Service, 0, len(mobySvcs))
	for _, ms := range mobySvcs {
		// firewall-mark and non-TCP services are not ours
		if ms.FWMark != 0 || ms.Protocol != protocolTCP {
			continue
		}
		addr, ok := netip.AddrFromSlice(ms.Address)
		if !ok {
			continue
		}
		services = append(services, &Service{
			Addr:      addr.Unmap(),
			Port:      ms.Port,
			Scheduler: ms.SchedName,
			Stats: Stats{
				Connections: ms.Stats.Connections,
				PacketsIn:   ms.Stats.PacketsIn,
				PacketsOut:  ms.Stats.PacketsOut,
				BytesIn:     ms.Stats.BytesIn,
				BytesOut:    ms.Stats.BytesOut,
			},
		})
	}
	return services, nil
}

func (h *netlinkHandle) NewDestination(svc *Service, dst *Destination) error {
	return h.handle.NewDestination(toMobyService(svc), toMobyDestination(dst))
}

func (h *netlinkHandle) DelDestination(svc *Service, dst *Destination) error {
	return h.handle.DelDestination(toMobyService(svc), toMobyDestination(dst))
}

func (h *netlinkHandle) GetDestinations(svc *Service) ([]*Destination, error) {
	mobyDsts, err := h.handle.GetDestinations(toMobyService(svc))
	if err != nil {
		return nil, err
	}
	destinations := make([]*Destination, 0, len(mobyDsts))
	for _, md := range mobyDsts {
		addr, ok := netip.AddrFromSlice(md.Address)
		if !ok {
			continue
		}
		destinations = append(destinations, &Destination{
			Addr:              addr.Unmap(),
			Port:              md.Port,
			Weight:            md.Weight,
			ActiveConnections: md.ActiveConnections,
			Stats: Stats{
				Connections: md.Stats.Connections,
				PacketsIn:   md.Stats.PacketsIn,
				PacketsOut:  md.Stats.PacketsOut,
				BytesIn:     md.Stats.BytesIn,
				BytesOut:    md.Stats.BytesOut,
			},
		})
	}
	return destinations, nil
}

func toMobyService(svc *Service) *mobyipvs.Service {
	return &mobyipvs.Service{
		Address:       net.IP(svc.Addr.AsSlice()),
		Protocol:      protocolTCP,
		Port:          svc.Port,
		SchedName:     svc.Scheduler,
		Netmask:       0xffffffff,
		AddressFamily: familyIPv4,
	}
}

func toMobyDestination(dst *Destination) *mobyipvs.Destination {
	return &mobyipvs.Destination{
		Address:         net.IP(dst.Addr.AsSlice()),
		Port:            dst.Port,
		Weight:          dst.Weight,
		ConnectionFlags: ConnectionFlagMasq,
		AddressFamily:   familyIPv4,
	}
}
