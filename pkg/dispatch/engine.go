// Package dispatch classifies received packets and translates them between
// clients and backends.
package dispatch

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/flow"
	"github.com/easzlab/natlb/pkg/metrics"
	"github.com/easzlab/natlb/pkg/packet"
)

// Verdict is the classification outcome of one packet.
type Verdict int

const (
	// VerdictIgnore: the packet is not for the service port.
	VerdictIgnore Verdict = iota
	// VerdictToBackend: client traffic rewritten towards its backend.
	VerdictToBackend
	// VerdictToClient: backend response rewritten towards the client.
	VerdictToClient
	// VerdictUntracked: a response from a known backend with no matching flow.
	VerdictUntracked
	// VerdictMalformed: the datagram is not IPv4 carrying TCP.
	VerdictMalformed
)

func (v Verdict) String() string {
	switch v {
	case VerdictIgnore:
		return "ignore"
	case VerdictToBackend:
		return "to_backend"
	case VerdictToClient:
		return "to_client"
	case VerdictUntracked:
		return "untracked"
	case VerdictMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Inject reports whether the decision carries a packet to send.
func (v Verdict) Inject() bool {
	return v == VerdictToBackend || v == VerdictToClient
}

// Decision is the result of processing one packet. Packet and Dst are set
// only when the verdict injects.
type Decision struct {
	Verdict Verdict
	Record  *flow.Record
	Dst     netip.Addr
	Packet  []byte
	Err     error
}

// Options configures an Engine.
type Options struct {
	ServicePort uint16
	// VerifyChecksums re-validates both checksums of every rewritten packet
	// and reports failures as VerdictMalformed.
	VerifyChecksums bool
}

// Engine holds the flow table and the backend selector. It is not safe for
// concurrent use; one goroutine drives it.
type Engine struct {
	options  Options
	table    *flow.Table
	selector backend.Selector
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewEngine creates an engine that balances options.ServicePort over selector.
func NewEngine(options Options, table *flow.Table, selector backend.Selector, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if options.ServicePort == 0 {
		return nil, fmt.Errorf("service port must be between 1 and 65535")
	}
	if selector == nil || len(selector.Backends()) == 0 {
		return nil, backend.ErrNoBackends
	}
	return &Engine{
		options:  options,
		table:    table,
		selector: selector,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Table returns the flow table owned by the engine.
func (e *Engine) Table() *flow.Table {
	return e.table
}

// SetSelector replaces the selector. Only flows created afterwards use it;
// existing records keep their backend.
func (e *Engine) SetSelector(selector backend.Selector) {
	e.selector = selector
	e.logger.Info("backend selector replaced",
		zap.Stringers("backends", selector.Backends()))
}

// Handle parses data and processes it.
func (e *Engine) Handle(data []byte, now time.Time) Decision {
	p, err := packet.Parse(data)
	if err != nil {
		return Decision{Verdict: VerdictMalformed, Err: err}
	}
	return e.Process(p, now)
}

// Process classifies p, updates the flow table and rewrites p in place.
func (e *Engine) Process(p *packet.Packet, now time.Time) Decision {
	if p.DstPort() != e.options.ServicePort {
		return Decision{Verdict: VerdictIgnore}
	}

	src := p.Src()
	if e.isBackend(src) {
		return e.toClient(p, src, now)
	}
	return e.toBackend(p, src, now)
}

func (e *Engine) isBackend(addr netip.Addr) bool {
	return e.selector.Contains(addr) || e.table.HasBackend(addr)
}

func (e *Engine) toClient(p *packet.Packet, src netip.Addr, now time.Time) Decision {
	rec, ok := e.table.FindByBackend(src)
	if !ok {
		return Decision{Verdict: VerdictUntracked}
	}
	if e.table.BackendFlows(src) > 1 {
		e.metrics.AmbiguousResponse()
	}

	e.table.Observe(rec, flow.FromBackend, flagsOf(p), now)

	err := e.rewrite(p, packet.Translation{
		SrcIP:   rec.LB,
		DstIP:   rec.Client,
		SrcPort: e.options.ServicePort,
		DstPort: rec.Ports.ClientPort,
	})
	if err != nil {
		return Decision{Verdict: VerdictMalformed, Record: rec, Err: err}
	}
	return Decision{Verdict: VerdictToClient, Record: rec, Dst: rec.Client, Packet: p.Data}
}

func (e *Engine) toBackend(p *packet.Packet, src netip.Addr, now time.Time) Decision {
	flags := flagsOf(p)

	rec, ok := e.table.FindByClient(src, p.SrcPort())
	if ok && rec.State == flow.StateClosed && flags.SYN && !flags.ACK {
		if ev, replaced := e.table.Replace(rec.Key()); replaced {
			e.evicted(ev)
		}
		ok = false
	}

	created := false
	if !ok {
		next := e.selector.Next()
		rec = &flow.Record{
			Backend: next.Addr,
			Client:  src,
			LB:      p.Dst(),
			Ports: flow.PortMapper{
				ClientPort:  p.SrcPort(),
				BackendPort: next.Port,
			},
			Created:  now,
			LastSeen: now,
		}
		created = true
	}

	err := e.rewrite(p, packet.Translation{
		SrcIP:   rec.LB,
		DstIP:   rec.Backend,
		SrcPort: e.options.ServicePort,
		DstPort: rec.Ports.BackendPort,
	})
	if err != nil {
		return Decision{Verdict: VerdictMalformed, Err: err}
	}

	if created && e.table.Insert(rec) {
		e.metrics.FlowCreated(rec.BackendEndpoint())
		e.metrics.FlowsActive(e.table.Len())
		e.logger.Info("flow created",
			zap.Stringer("client", rec.Key()),
			zap.String("backend", rec.BackendEndpoint()),
			zap.Stringer("lb", rec.LB))
	}
	e.table.Observe(rec, flow.FromClient, flags, now)

	return Decision{Verdict: VerdictToBackend, Record: rec, Dst: rec.Backend, Packet: p.Data}
}

func (e *Engine) rewrite(p *packet.Packet, t packet.Translation) error {
	if err := packet.Rewrite(p, t); err != nil {
		return err
	}
	if e.options.VerifyChecksums {
		if err := packet.VerifyChecksums(p.Data); err != nil {
			return fmt.Errorf("rewritten packet %s failed verification: %w", t, err)
		}
	}
	return nil
}

// Sweep evicts closed and idle flows.
func (e *Engine) Sweep(now time.Time) int {
	evictions := e.table.Sweep(now)
	for _, ev := range evictions {
		e.evicted(ev)
	}
	e.metrics.FlowsActive(e.table.Len())
	return len(evictions)
}

func (e *Engine) evicted(ev flow.Eviction) {
	e.metrics.FlowEvicted(ev.Reason)
	e.logger.Info("flow evicted",
		zap.Stringer("client", ev.Record.Key()),
		zap.String("backend", ev.Record.BackendEndpoint()),
		zap.String("reason", ev.Reason))
}

func flagsOf(p *packet.Packet) flow.Flags {
	return flow.Flags{
		SYN: p.TCP.SYN,
		ACK: p.TCP.ACK,
		FIN: p.TCP.FIN,
		RST: p.TCP.RST,
	}
}
