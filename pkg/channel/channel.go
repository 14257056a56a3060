// Package channel provides the raw IPv4 packet source and sink of the balancer.
package channel

import (
	"errors"
	"fmt"
	"net/netip"
	"syscall"

	"github.com/easzlab/natlb/pkg/packet"
)

var (
	// ErrNotIPv4 is returned for datagrams that are not IPv4.
	ErrNotIPv4 = packet.ErrNotIPv4
	// ErrUnsupportedPlatform is returned by NewRaw where raw sockets are unavailable.
	ErrUnsupportedPlatform = errors.New("raw IPv4 channel is not supported on this platform")
)

// Channel receives and injects whole IPv4 datagrams, header included.
type Channel interface {
	// Receive blocks until a datagram arrives and returns an owned copy of it
	// together with its source address.
	Receive() ([]byte, netip.Addr, error)
	// Send injects a complete datagram towards dst.
	Send(pkt []byte, dst netip.Addr) (int, error)
	// Close releases the channel and unblocks a pending Receive.
	Close() error
}

// Options configures a raw channel.
type Options struct {
	// BufferSize is the largest datagram Receive can return.
	BufferSize int
	// RecvBuffer sets SO_RCVBUF when positive.
	RecvBuffer int
	// Mark sets SO_MARK on injected packets when non-zero, so firewall rules
	// can tell them apart from the kernel's own traffic. It needs CAP_NET_ADMIN.
	Mark uint32
}

// DefaultBufferSize is the receive buffer used when Options.BufferSize is unset.
const DefaultBufferSize = 4096

// TransientError wraps a send failure the caller may skip over.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient send error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a recoverable send failure.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

var transientErrnos = []syscall.Errno{
	syscall.ENOBUFS,
	syscall.EAGAIN,
	syscall.EINTR,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.EPERM,
	syscall.EMSGSIZE,
}

// classifySendError wraps err in a TransientError when its errno is recoverable.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return &TransientError{Err: err}
		}
	}
	return err
}

func checkIPv4(pkt []byte) error {
	if v := packet.Version(pkt); v != 4 {
		return fmt.Errorf("%w (version %d)", ErrNotIPv4, v)
	}
	return nil
}
