package flow

import (
	"fmt"
	"net/netip"
	"time"
)

// State is the lifecycle tag of a flow, inferred from TCP flags seen in either direction.
type State int

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Direction tells which side of the flow a packet came from.
type Direction int

const (
	FromClient Direction = iota
	FromBackend
)

func (d Direction) String() string {
	if d == FromBackend {
		return "backend"
	}
	return "client"
}

// Flags are the TCP control bits relevant to flow state.
type Flags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// Key uniquely identifies a flow: the client address and its source port.
type Key struct {
	Client netip.Addr
	Port   uint16
}

func (k Key) String() string {
	return netip.AddrPortFrom(k.Client, k.Port).String()
}

// PortMapper holds the two ports needed to translate in both directions.
type PortMapper struct {
	ClientPort  uint16
	BackendPort uint16
}

// Record is the NAT state of one client flow.
// Backend, Client, LB and Ports never change after the record is created.
type Record struct {
	Backend netip.Addr
	Client  netip.Addr
	LB      netip.Addr
	Ports   PortMapper

	State      State
	ClientFIN  bool
	BackendFIN bool
	Created    time.Time
	LastSeen   time.Time

	closedAt    time.Time
	lastForward uint64
}

// Key returns the identity of the record.
func (r *Record) Key() Key {
	return Key{Client: r.Client, Port: r.Ports.ClientPort}
}

// BackendEndpoint returns the backend address and port in host:port form.
func (r *Record) BackendEndpoint() string {
	return netip.AddrPortFrom(r.Backend, r.Ports.BackendPort).String()
}

// String returns a human-readable representation of the record.
func (r *Record) String() string {
	return fmt.Sprintf("%s -> %s via %s (%s)", r.Key(), r.BackendEndpoint(), r.LB, r.State)
}

// observe applies one packet's flags to the state machine.
func (r *Record) observe(dir Direction, flags Flags, now time.Time) {
	r.LastSeen = now
	if r.State == StateClosed {
		return
	}

	if flags.RST {
		r.close(now)
		return
	}

	if flags.FIN {
		if dir == FromClient {
			r.ClientFIN = true
		} else {
			r.BackendFIN = true
		}
		if r.ClientFIN && r.BackendFIN {
			r.close(now)
			return
		}
		r.State = StateClosing
	}
}

func (r *Record) close(now time.Time) {
	r.State = StateClosed
	r.closedAt = now
}
