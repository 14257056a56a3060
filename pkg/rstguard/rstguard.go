// Package rstguard keeps the local kernel from resetting connections that the
// balancer translates. The kernel has no socket for the service port, so it
// answers client and backend segments with RST; these rules drop them.
package rstguard

import (
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

const (
	filterTable = "filter"
	outputChain = "OUTPUT"
	guardChain  = "NATLB-RST"
)

// Tables is the subset of iptables operations the guard uses.
// *iptables.IPTables satisfies it.
type Tables interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// Mark tags packets the balancer injects itself. Guard rules skip them, so
// forwarded resets still reach their peer.
const Mark uint32 = 0x4e4c

// Rule drops outgoing TCP resets sourced from Port unless they carry Mark.
type Rule struct {
	Port uint16
}

// Key uniquely identifies the rule.
func (r Rule) Key() string {
	return "tcp/" + strconv.Itoa(int(r.Port))
}

// Spec returns the iptables rule arguments.
func (r Rule) Spec() []string {
	return []string{
		"-p", "tcp",
		"--sport", strconv.Itoa(int(r.Port)),
		"--tcp-flags", "RST", "RST",
		"-m", "mark", "!", "--mark", fmt.Sprintf("0x%x", Mark),
		"-j", "DROP",
	}
}

// Manager installs guard rules in a dedicated chain jumped to from OUTPUT.
type Manager struct {
	ipt     Tables
	managed map[string]Rule
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewManagerWithTables creates a Manager on ipt and ensures its chain exists.
func NewManagerWithTables(ipt Tables, logger *zap.Logger) (*Manager, error) {
	mgr := &Manager{
		ipt:     ipt,
		managed: make(map[string]Rule),
		logger:  logger,
	}
	if err := mgr.ensureChain(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s chain: %w", guardChain, err)
	}
	return mgr, nil
}

func (m *Manager) ensureChain() error {
	exists, err := m.ipt.ChainExists(filterTable, guardChain)
	if err != nil {
		return fmt.Errorf("failed to check chain existence: %w", err)
	}
	if !exists {
		if err := m.ipt.NewChain(filterTable, guardChain); err != nil {
			return fmt.Errorf("failed to create chain %s: %w", guardChain, err)
		}
		m.logger.Info("created iptables chain", zap.String("chain", guardChain))
	}

	if err := m.ipt.AppendUnique(filterTable, outputChain, "-j", guardChain); err != nil {
		return fmt.Errorf("failed to add jump rule to %s: %w", outputChain, err)
	}
	return nil
}

// Reconcile installs the desired rules and removes the ones no longer wanted.
func (m *Manager) Reconcile(desired []Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desiredMap := make(map[string]Rule, len(desired))
	for _, rule := range desired {
		desiredMap[rule.Key()] = rule
	}

	for key, rule := range m.managed {
		if _, exists := desiredMap[key]; exists {
			continue
		}
		if err := m.ipt.DeleteIfExists(filterTable, guardChain, rule.Spec()...); err != nil {
			return fmt.Errorf("failed to delete RST guard %s: %w", key, err)
		}
		delete(m.managed, key)
		m.logger.Info("deleted RST guard rule", zap.String("key", key))
	}

	for key, rule := range desiredMap {
		if _, exists := m.managed[key]; exists {
			continue
		}
		if err := m.ipt.AppendUnique(filterTable, guardChain, rule.Spec()...); err != nil {
			return fmt.Errorf("failed to add RST guard %s: %w", key, err)
		}
		m.managed[key] = rule
		m.logger.Info("added RST guard rule", zap.String("key", key))
	}

	return nil
}

// Cleanup removes all guard rules, the jump rule and the chain.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ipt.ClearChain(filterTable, guardChain); err != nil {
		m.logger.Error("failed to clear RST guard chain", zap.Error(err))
	}
	if err := m.ipt.DeleteIfExists(filterTable, outputChain, "-j", guardChain); err != nil {
		m.logger.Error("failed to delete jump rule from OUTPUT", zap.Error(err))
	}
	if err := m.ipt.DeleteChain(filterTable, guardChain); err != nil {
		m.logger.Error("failed to delete RST guard chain", zap.Error(err))
	}

	m.managed = make(map[string]Rule)
	m.logger.Info("cleaned up all RST guard rules")
	return nil
}

// Managed returns a copy of the installed rules.
func (m *Manager) Managed() map[string]Rule {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]Rule, len(m.managed))
	for k, v := range m.managed {
		result[k] = v
	}
	return result
}
