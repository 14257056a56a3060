package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Translation is the addressing a packet is rewritten to.
type Translation struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

func (t Translation) String() string {
	return fmt.Sprintf("%s=>%s",
		netip.AddrPortFrom(t.SrcIP, t.SrcPort),
		netip.AddrPortFrom(t.DstIP, t.DstPort),
	)
}

// Rewrite sets the IPv4 addresses and TCP ports of p and recomputes both checksums.
// The TCP checksum covers the rewritten addresses; the IPv4 header checksum is
// computed last over the finished header. p.Data holds the result.
func Rewrite(p *Packet, t Translation) error {
	if !t.SrcIP.Is4() || !t.DstIP.Is4() {
		return fmt.Errorf("%w: translation %s is not IPv4", ErrNotIPv4, t)
	}

	p.IP.SrcIP = net.IP(t.SrcIP.AsSlice())
	p.IP.DstIP = net.IP(t.DstIP.AsSlice())

	p.TCP.SrcPort = layers.TCPPort(t.SrcPort)
	p.TCP.DstPort = layers.TCPPort(t.DstPort)

	if err := p.TCP.SetNetworkLayerForChecksum(&p.IP); err != nil {
		return fmt.Errorf("failed to bind TCP checksum to IPv4 header: %w", err)
	}

	// SerializeLayers works back to front: the TCP segment (and its checksum) is
	// laid down before the IPv4 header that wraps it.
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, &p.IP, &p.TCP, gopacket.Payload(p.TCP.LayerPayload())); err != nil {
		return fmt.Errorf("failed to serialize rewritten packet %s: %w", t, err)
	}

	p.Data = buf.Bytes()
	return nil
}
