package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

var (
	ErrBadIPChecksum  = errors.New("invalid IPv4 header checksum")
	ErrBadTCPChecksum = errors.New("invalid TCP checksum")
)

// VerifyChecksums validates the IPv4 header checksum and the TCP checksum
// (with its pseudo-header) of a serialized datagram.
func VerifyChecksums(data []byte) error {
	if Version(data) != 4 || len(data) < ipv4.HeaderLen {
		return ErrNotIPv4
	}

	headerLen := int(data[0]&0x0f) * 4
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if headerLen < ipv4.HeaderLen || totalLen < headerLen || totalLen > len(data) {
		return fmt.Errorf("%w: header length %d, total length %d, have %d bytes",
			ErrNotIPv4, headerLen, totalLen, len(data))
	}

	if fold(sum(0, data[:headerLen])) != 0xffff {
		return ErrBadIPChecksum
	}

	if layers.IPProtocol(data[9]) != layers.IPProtocolTCP {
		return ErrNotTCP
	}

	segment := data[headerLen:totalLen]
	// pseudo-header: source, destination, zero, protocol, TCP length
	acc := sum(0, data[12:20])
	acc += uint32(layers.IPProtocolTCP)
	acc += uint32(len(segment))
	if fold(sum(acc, segment)) != 0xffff {
		return ErrBadTCPChecksum
	}
	return nil
}

func sum(acc uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		acc += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		acc += uint32(b[n-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = acc&0xffff + acc>>16
	}
	return uint16(acc)
}
