// Package packet decodes IPv4/TCP datagrams and rewrites their addressing.
package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

var (
	// ErrNotIPv4 is returned for datagrams whose version nibble is not 4.
	ErrNotIPv4 = errors.New("not an IPv4 packet")
	// ErrNotTCP is returned for IPv4 datagrams that do not carry a complete TCP segment.
	ErrNotTCP = errors.New("not a TCP segment")
	// ErrTruncated is returned when fewer bytes were read than the IPv4
	// total length announces.
	ErrTruncated = errors.New("truncated datagram")
)

// Packet is an owned, mutable IPv4+TCP datagram.
type Packet struct {
	Data []byte
	IP   layers.IPv4
	TCP  layers.TCP

	payload gopacket.Payload
}

// Version returns the IP version nibble of a raw datagram, or 0 if it is empty.
func Version(data []byte) uint8 {
	if len(data) == 0 {
		return 0
	}
	return data[0] >> 4
}

// Parse copies data and decodes it as IPv4 carrying TCP.
func Parse(data []byte) (*Packet, error) {
	if v := Version(data); v != 4 {
		return nil, fmt.Errorf("%w (version %d)", ErrNotIPv4, v)
	}
	if len(data) < ipv4.HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrNotIPv4, len(data))
	}

	p := &Packet{Data: append([]byte(nil), data...)}

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &p.IP, &p.TCP, &p.payload)
	parser.IgnoreUnsupported = true

	decoded := make([]gopacket.LayerType, 0, 3)
	if err := parser.DecodeLayers(p.Data, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTCP, err)
	}
	if int(p.IP.Length) > len(p.Data) {
		return nil, fmt.Errorf("%w: total length %d, have %d bytes", ErrTruncated, p.IP.Length, len(p.Data))
	}

	for _, layerType := range decoded {
		if layerType == layers.LayerTypeTCP {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: protocol %s", ErrNotTCP, p.IP.Protocol)
}

// Src returns the IPv4 source address.
func (p *Packet) Src() netip.Addr {
	addr, _ := netip.AddrFromSlice(p.IP.SrcIP)
	return addr.Unmap()
}

// Dst returns the IPv4 destination address.
func (p *Packet) Dst() netip.Addr {
	addr, _ := netip.AddrFromSlice(p.IP.DstIP)
	return addr.Unmap()
}

func (p *Packet) SrcPort() uint16 { return uint16(p.TCP.SrcPort) }
func (p *Packet) DstPort() uint16 { return uint16(p.TCP.DstPort) }

// String returns the packet's addressing as src:port=>dst:port.
func (p *Packet) String() string {
	return fmt.Sprintf("%s=>%s",
		netip.AddrPortFrom(p.Src(), p.SrcPort()),
		netip.AddrPortFrom(p.Dst(), p.DstPort()),
	)
}
