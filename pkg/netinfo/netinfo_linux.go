//go:build linux

package netinfo

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// List returns every link with its IPv4 addresses, read over netlink.
func List() ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	ifaces := make([]Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", attrs.Name, err)
		}
		iface := Interface{
			Name:  attrs.Name,
			Index: attrs.Index,
			MTU:   attrs.MTU,
			Up:    attrs.Flags&net.FlagUp != 0,
		}
		for _, addr := range addrs {
			if p, ok := prefixFromIPNet(addr.IPNet); ok {
				iface.Prefixes = append(iface.Prefixes, p)
			}
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}
