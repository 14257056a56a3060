//go:build !linux

package rstguard

import "go.uber.org/zap"

// NewManager creates a Manager over in-memory tables; there is no iptables here.
func NewManager(logger *zap.Logger) (*Manager, error) {
	return NewManagerWithTables(NewFakeTables(), logger)
}
