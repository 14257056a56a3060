package netinfo

import (
	"net"
	"net/netip"
	"testing"
)

func TestPrefixFromIPNet(t *testing.T) {
	_, ipNet, _ := net.ParseCIDR("10.0.0.0/24")
	ipNet.IP = net.ParseIP("10.0.0.7") // 16-byte form
	p, ok := prefixFromIPNet(ipNet)
	if !ok || p.String() != "10.0.0.7/24" {
		t.Errorf("expected 10.0.0.7/24, got %s (ok=%v)", p, ok)
	}

	p, ok = prefixFromIPNet(&net.IPNet{IP: net.IPv4(192, 168, 1, 5).To4(), Mask: net.CIDRMask(16, 32)})
	if !ok || p.String() != "192.168.1.5/16" {
		t.Errorf("expected 192.168.1.5/16, got %s (ok=%v)", p, ok)
	}

	if _, ok := prefixFromIPNet(&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}); ok {
		t.Error("expected IPv6 prefix to be skipped")
	}
	if _, ok := prefixFromIPNet(nil); ok {
		t.Error("expected nil IPNet to be skipped")
	}
}

func TestOwner(t *testing.T) {
	ifaces := []Interface{
		{Name: "lo", Up: true, Prefixes: []netip.Prefix{netip.MustParsePrefix("127.0.0.1/8")}},
		{Name: "eth0", Up: true, Prefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")}},
	}

	iface, ok := Owner(ifaces, netip.MustParseAddr("10.0.0.1"))
	if !ok || iface.Name != "eth0" {
		t.Errorf("expected eth0 to own 10.0.0.1, got %q (ok=%v)", iface.Name, ok)
	}

	// only assigned addresses count, not the whole subnet
	if _, ok := Owner(ifaces, netip.MustParseAddr("10.0.0.2")); ok {
		t.Error("expected 10.0.0.2 to have no owner")
	}
}

func TestInterface_String(t *testing.T) {
	iface := Interface{
		Name:     "eth0",
		Up:       true,
		Prefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24"), netip.MustParsePrefix("10.0.1.1/24")},
	}
	if got := iface.String(); got != "eth0 up 10.0.0.1/24,10.0.1.1/24" {
		t.Errorf("unexpected string %q", got)
	}
}

func TestList_Loopback(t *testing.T) {
	ifaces, err := List()
	if err != nil {
		t.Skipf("interface enumeration unavailable: %v", err)
	}
	if _, ok := Owner(ifaces, netip.MustParseAddr("127.0.0.1")); !ok {
		t.Error("expected an interface to carry 127.0.0.1")
	}
}
