package rstguard

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// FakeTables is an in-memory Tables for development and testing.
type FakeTables struct {
	mu     sync.Mutex
	chains map[string][]string
}

// NewFakeTables creates FakeTables holding an empty OUTPUT chain.
func NewFakeTables() *FakeTables {
	return &FakeTables{
		chains: map[string][]string{
			filterTable + "/" + outputChain: nil,
		},
	}
}

func chainKey(table, chain string) string {
	return table + "/" + chain
}

func (f *FakeTables) ChainExists(table, chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[chainKey(table, chain)]
	return ok, nil
}

func (f *FakeTables) NewChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chainKey(table, chain)
	if _, ok := f.chains[key]; ok {
		return fmt.Errorf("chain %s already exists", key)
	}
	f.chains[key] = nil
	return nil
}

func (f *FakeTables) ClearChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chainKey(table, chain)] = nil
	return nil
}

func (f *FakeTables) DeleteChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chainKey(table, chain)
	if len(f.chains[key]) > 0 {
		return fmt.Errorf("chain %s is not empty", key)
	}
	delete(f.chains, key)
	return nil
}

func (f *FakeTables) AppendUnique(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chainKey(table, chain)
	rules, ok := f.chains[key]
	if !ok {
		return fmt.Errorf("chain %s does not exist", key)
	}
	rule := strings.Join(rulespec, " ")
	if !slices.Contains(rules, rule) {
		f.chains[key] = append(rules, rule)
	}
	return nil
}

func (f *FakeTables) DeleteIfExists(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chainKey(table, chain)
	rule := strings.Join(rulespec, " ")
	f.chains[key] = slices.DeleteFunc(f.chains[key], func(r string) bool { return r == rule })
	return nil
}

// Rules returns the rules of a chain, or nil if it does not exist.
func (f *FakeTables) Rules(table, chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.chains[chainKey(table, chain)])
}
