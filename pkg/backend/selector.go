package backend

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
)

// ErrUnsupportedScheduler is returned for algorithm names outside the supported set.
var ErrUnsupportedScheduler = errors.New("unsupported scheduler")

// Scheduler names accepted by NewSelector.
const (
	SchedulerRoundRobin = "roundrobin"
	SchedulerRR         = "rr"
)

var validSchedulers = map[string]bool{
	SchedulerRoundRobin: true,
	SchedulerRR:         true,
}

// Selector picks the backend for each new flow.
type Selector interface {
	// Next returns the backend for the next new flow.
	Next() Backend
	// Backends returns the configured list in order.
	Backends() []Backend
	// Contains reports whether addr is one of the configured backend addresses.
	Contains(addr netip.Addr) bool
}

// ValidateScheduler checks name against the supported set.
func ValidateScheduler(name string) error {
	if !validSchedulers[name] {
		return fmt.Errorf("%w %q (supported: %s, %s)", ErrUnsupportedScheduler, name, SchedulerRoundRobin, SchedulerRR)
	}
	return nil
}

// NewSelector builds the selector for the named scheduling algorithm.
func NewSelector(scheduler string, backends []Backend) (Selector, error) {
	if err := ValidateScheduler(scheduler); err != nil {
		return nil, err
	}
	return NewRoundRobin(backends)
}

// RoundRobin cycles through the backend list positionally.
// It is not safe for concurrent use; the dispatch loop owns it.
type RoundRobin struct {
	backends []Backend
	next     int
}

// NewRoundRobin creates a round-robin selector. The list must be non-empty.
func NewRoundRobin(backends []Backend) (*RoundRobin, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	return &RoundRobin{backends: slices.Clone(backends)}, nil
}

// Next returns the backend at the cursor and advances it, wrapping at the end.
func (r *RoundRobin) Next() Backend {
	b := r.backends[r.next]
	r.next = (r.next + 1) % len(r.backends)
	return b
}

func (r *RoundRobin) Backends() []Backend {
	return slices.Clone(r.backends)
}

func (r *RoundRobin) Contains(addr netip.Addr) bool {
	for _, b := range r.backends {
		if b.Addr == addr {
			return true
		}
	}
	return false
}
