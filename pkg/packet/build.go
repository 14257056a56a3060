package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Segment describes a TCP segment to synthesize with Build.
type Segment struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Seq     uint32
	Ack     uint32
	SYN     bool
	ACK     bool
	FIN     bool
	RST     bool
	PSH     bool
	Payload []byte
}

// Build serializes seg as a complete IPv4 datagram with valid checksums.
func Build(seg Segment) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       1,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(seg.Src.Addr().AsSlice()),
		DstIP:    net.IP(seg.Dst.Addr().AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.Src.Port()),
		DstPort: layers.TCPPort(seg.Dst.Port()),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		ACK:     seg.ACK,
		FIN:     seg.FIN,
		RST:     seg.RST,
		PSH:     seg.PSH,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(seg.Payload)); err != nil {
		return nil, fmt.Errorf("failed to build segment %s=>%s: %w", seg.Src, seg.Dst, err)
	}
	return buf.Bytes(), nil
}
