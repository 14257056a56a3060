//go:build linux

package rstguard

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
)

// NewManager creates a Manager backed by the host's iptables.
func NewManager(logger *zap.Logger) (*Manager, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}
	return NewManagerWithTables(ipt, logger)
}
