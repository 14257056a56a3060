// Package netinfo enumerates local interfaces and their IPv4 addresses.
package netinfo

import (
	"net"
	"net/netip"
	"strings"
)

// Interface is a network interface and its IPv4 prefixes.
type Interface struct {
	Name     string
	Index    int
	MTU      int
	Up       bool
	Prefixes []netip.Prefix
}

func (i Interface) String() string {
	state := "down"
	if i.Up {
		state = "up"
	}
	prefixes := make([]string, len(i.Prefixes))
	for n, p := range i.Prefixes {
		prefixes[n] = p.String()
	}
	return i.Name + " " + state + " " + strings.Join(prefixes, ",")
}

// Owner returns the interface that has addr assigned.
func Owner(ifaces []Interface, addr netip.Addr) (Interface, bool) {
	addr = addr.Unmap()
	for _, iface := range ifaces {
		for _, p := range iface.Prefixes {
			if p.Addr() == addr {
				return iface, true
			}
		}
	}
	return Interface{}, false
}

// prefixFromIPNet converts an IPv4 net.IPNet, keeping the host address.
func prefixFromIPNet(ipNet *net.IPNet) (netip.Prefix, bool) {
	if ipNet == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(ipNet.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Prefix{}, false
	}
	ones, bits := ipNet.Mask.Size()
	if bits == 128 {
		ones -= 96
	}
	if ones < 0 || (bits != 32 && bits != 128) {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, ones), true
}
