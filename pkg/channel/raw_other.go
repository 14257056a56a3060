//go:build !linux

package channel

import "net/netip"

// Raw is unavailable outside linux.
type Raw struct{}

// NewRaw always fails with ErrUnsupportedPlatform.
func NewRaw(opts Options) (*Raw, error) {
	return nil, ErrUnsupportedPlatform
}

func (r *Raw) Receive() ([]byte, netip.Addr, error) {
	return nil, netip.Addr{}, ErrUnsupportedPlatform
}

func (r *Raw) Send(pkt []byte, dst netip.Addr) (int, error) {
	return 0, ErrUnsupportedPlatform
}

func (r *Raw) Close() error {
	return nil
}
