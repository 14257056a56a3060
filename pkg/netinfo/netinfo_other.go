//go:build !linux

package netinfo

import (
	"fmt"
	"net"
)

// List returns every interface with its IPv4 addresses.
func List() ([]Interface, error) {
	netIfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	ifaces := make([]Interface, 0, len(netIfaces))
	for _, ni := range netIfaces {
		addrs, err := ni.Addrs()
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", ni.Name, err)
		}
		iface := Interface{
			Name:  ni.Name,
			Index: ni.Index,
			MTU:   ni.MTU,
			Up:    ni.Flags&net.FlagUp != 0,
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if p, ok := prefixFromIPNet(ipNet); ok {
				iface.Prefixes = append(iface.Prefixes, p)
			}
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}
