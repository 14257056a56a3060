//go:build !linux

package lvs

// NewHandle returns an in-memory handle; IPVS only exists on Linux.
func NewHandle() (Handle, error) {
	return NewFakeHandle(), nil
}
