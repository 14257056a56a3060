// Package flow holds the NAT state of the balancer: one record per client flow.
package flow

import (
	"net/netip"
	"time"
)

// Eviction reasons reported by Sweep and Replace.
const (
	ReasonClosed   = "closed"
	ReasonIdle     = "idle"
	ReasonReplaced = "replaced"
)

// Options controls record eviction.
type Options struct {
	// IdleTimeout evicts records not seen for this long. Zero disables idle eviction.
	IdleTimeout time.Duration
	// ClosedLinger keeps closed records around so trailing ACKs still translate.
	ClosedLinger time.Duration
}

// Eviction describes a record removed from the table.
type Eviction struct {
	Record Record
	Reason string
}

// Table is the flow table. It has no locking: a single goroutine owns it.
type Table struct {
	flows     map[Key]*Record
	byBackend map[netip.Addr]*backendGroup
	options   Options
	seq       uint64
}

// backendGroup indexes the records of one backend address.
type backendGroup struct {
	flows map[Key]*Record
	// latest is the record that most recently forwarded a client packet.
	latest *Record
}

// NewTable creates an empty flow table.
func NewTable(options Options) *Table {
	return &Table{
		flows:     make(map[Key]*Record),
		byBackend: make(map[netip.Addr]*backendGroup),
		options:   options,
	}
}

// FindByClient returns the record for the client address and source port.
func (t *Table) FindByClient(client netip.Addr, port uint16) (*Record, bool) {
	rec, ok := t.flows[Key{Client: client, Port: port}]
	return rec, ok
}

// FindByBackend returns the record whose backend equals addr.
// When several flows share the backend, the one that most recently forwarded a
// client packet wins: responses carry no other field that tells them apart.
func (t *Table) FindByBackend(addr netip.Addr) (*Record, bool) {
	group, ok := t.byBackend[addr]
	if !ok {
		return nil, false
	}
	return group.latest, true
}

// BackendFlows returns how many live records point at addr.
func (t *Table) BackendFlows(addr netip.Addr) int {
	if group, ok := t.byBackend[addr]; ok {
		return len(group.flows)
	}
	return 0
}

// HasBackend reports whether any live record points at addr.
func (t *Table) HasBackend(addr netip.Addr) bool {
	_, ok := t.byBackend[addr]
	return ok
}

// Insert adds rec unless a record with the same key exists.
// It returns false when the table already holds the key.
func (t *Table) Insert(rec *Record) bool {
	key := rec.Key()
	if _, exists := t.flows[key]; exists {
		return false
	}

	t.flows[key] = rec
	group, ok := t.byBackend[rec.Backend]
	if !ok {
		group = &backendGroup{flows: make(map[Key]*Record)}
		t.byBackend[rec.Backend] = group
	}
	group.flows[key] = rec
	if group.latest == nil {
		group.latest = rec
	}
	return true
}

// Replace removes the record for key so a new flow can reuse the client port.
func (t *Table) Replace(key Key) (Eviction, bool) {
	rec, ok := t.flows[key]
	if !ok {
		return Eviction{}, false
	}
	t.remove(key, rec)
	return Eviction{Record: *rec, Reason: ReasonReplaced}, true
}

// Observe records a packet of the flow travelling in dir.
func (t *Table) Observe(rec *Record, dir Direction, flags Flags, now time.Time) {
	if dir == FromClient {
		t.seq++
		rec.lastForward = t.seq
		if group, ok := t.byBackend[rec.Backend]; ok && group.flows[rec.Key()] == rec {
			group.latest = rec
		}
	}
	rec.observe(dir, flags, now)
}

// Sweep evicts closed records past their linger time and idle records.
func (t *Table) Sweep(now time.Time) []Eviction {
	var evicted []Eviction
	for key, rec := range t.flows {
		reason := ""
		switch {
		case rec.State == StateClosed && now.Sub(rec.closedAt) >= t.options.ClosedLinger:
			reason = ReasonClosed
		case t.options.IdleTimeout > 0 && now.Sub(rec.LastSeen) >= t.options.IdleTimeout:
			reason = ReasonIdle
		default:
			continue
		}
		t.remove(key, rec)
		evicted = append(evicted, Eviction{Record: *rec, Reason: reason})
	}
	return evicted
}

// Len returns the number of live records.
func (t *Table) Len() int {
	return len(t.flows)
}

// Snapshot returns copies of all live records.
func (t *Table) Snapshot() []Record {
	result := make([]Record, 0, len(t.flows))
	for _, rec := range t.flows {
		result = append(result, *rec)
	}
	return result
}

func (t *Table) remove(key Key, rec *Record) {
	delete(t.flows, key)
	group, ok := t.byBackend[rec.Backend]
	if !ok {
		return
	}
	delete(group.flows, key)
	if len(group.flows) == 0 {
		delete(t.byBackend, rec.Backend)
		return
	}
	if group.latest == rec {
		group.latest = nil
		for _, other := range group.flows {
			if group.latest == nil || other.lastForward > group.latest.lastForward {
				group.latest = other
			}
		}
	}
}
