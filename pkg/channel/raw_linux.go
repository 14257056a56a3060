//go:build linux

package channel

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Raw is a raw IPv4 socket bound to the TCP protocol with IP_HDRINCL set,
// so datagrams are read and written with their IPv4 header.
type Raw struct {
	conn net.PacketConn
	raw  *ipv4.RawConn
	buf  []byte
}

// NewRaw opens the raw socket. It requires CAP_NET_RAW.
func NewRaw(opts Options) (*Raw, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket ip4:tcp: %w", err)
	}

	if opts.RecvBuffer > 0 {
		if err := setSockopt(conn, "SO_RCVBUF", unix.SO_RCVBUF, opts.RecvBuffer); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if opts.Mark != 0 {
		if err := setSockopt(conn, "SO_MARK", unix.SO_MARK, int(opts.Mark)); err != nil {
			conn.Close()
			return nil, err
		}
	}

	raw, err := ipv4.NewRawConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable IP_HDRINCL: %w", err)
	}

	return &Raw{
		conn: conn,
		raw:  raw,
		buf:  make([]byte, opts.BufferSize),
	}, nil
}

func setSockopt(conn net.PacketConn, name string, opt, value int) error {
	ipConn, ok := conn.(*net.IPConn)
	if !ok {
		return fmt.Errorf("unexpected raw socket type %T", conn)
	}
	sc, err := ipConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("failed to access raw socket: %w", err)
	}

	var sockErr error
	if err := sc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, value)
	}); err != nil {
		return fmt.Errorf("failed to access raw socket: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("failed to set %s to %d: %w", name, value, sockErr)
	}
	return nil
}

// Receive reads one datagram. The returned slice is owned by the caller.
func (r *Raw) Receive() ([]byte, netip.Addr, error) {
	for {
		hdr, payload, _, err := r.raw.ReadFrom(r.buf)
		if err != nil {
			return nil, netip.Addr{}, err
		}
		if hdr == nil || hdr.Version != 4 {
			continue
		}

		src, ok := netip.AddrFromSlice(hdr.Src)
		if !ok {
			continue
		}

		n := hdr.Len + len(payload)
		pkt := make([]byte, n)
		copy(pkt, r.buf[:n])
		return pkt, src.Unmap(), nil
	}
}

// Send injects pkt. The kernel routes it by its destination address; dst must match.
func (r *Raw) Send(pkt []byte, dst netip.Addr) (int, error) {
	if err := checkIPv4(pkt); err != nil {
		return 0, err
	}

	hdr, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return 0, fmt.Errorf("failed to parse outgoing header: %w", err)
	}
	if got, ok := netip.AddrFromSlice(hdr.Dst); !ok || got.Unmap() != dst {
		return 0, fmt.Errorf("outgoing packet addressed to %s, expected %s", hdr.Dst, dst)
	}

	if err := r.raw.WriteTo(hdr, pkt[hdr.Len:], nil); err != nil {
		return 0, classifySendError(err)
	}
	return len(pkt), nil
}

// Close closes the socket.
func (r *Raw) Close() error {
	return r.conn.Close()
}
