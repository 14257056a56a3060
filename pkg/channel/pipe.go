package channel

import (
	"net"
	"net/netip"
	"sync"
)

// Sent is one datagram written to a Pipe.
type Sent struct {
	Packet []byte
	Dst    netip.Addr
}

type inbound struct {
	pkt []byte
	src netip.Addr
}

// Pipe is an in-memory Channel. Inject feeds Receive; Send records datagrams.
type Pipe struct {
	in     chan inbound
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	sent   []Sent
	notify chan struct{}

	// SendHook, when set, is called before a datagram is recorded.
	// A non-nil error is returned from Send and nothing is recorded.
	SendHook func(pkt []byte, dst netip.Addr) error
}

// NewPipe creates a pipe whose inbound queue holds size datagrams.
func NewPipe(size int) *Pipe {
	return &Pipe{
		in:     make(chan inbound, size),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Inject queues a datagram for Receive. It returns net.ErrClosed after Close.
func (p *Pipe) Inject(pkt []byte, src netip.Addr) error {
	select {
	case <-p.done:
		return net.ErrClosed
	default:
	}
	select {
	case p.in <- inbound{pkt: append([]byte(nil), pkt...), src: src}:
		return nil
	case <-p.done:
		return net.ErrClosed
	}
}

func (p *Pipe) Receive() ([]byte, netip.Addr, error) {
	select {
	case msg := <-p.in:
		return msg.pkt, msg.src, nil
	case <-p.done:
		return nil, netip.Addr{}, net.ErrClosed
	}
}

func (p *Pipe) Send(pkt []byte, dst netip.Addr) (int, error) {
	if err := checkIPv4(pkt); err != nil {
		return 0, err
	}
	if p.SendHook != nil {
		if err := p.SendHook(pkt, dst); err != nil {
			return 0, classifySendError(err)
		}
	}

	p.mu.Lock()
	p.sent = append(p.sent, Sent{Packet: append([]byte(nil), pkt...), Dst: dst})
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return len(pkt), nil
}

// Sent returns a copy of everything sent so far.
func (p *Pipe) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Sent, len(p.sent))
	copy(result, p.sent)
	return result
}

// Notify is signalled after each successful Send.
func (p *Pipe) Notify() <-chan struct{} {
	return p.notify
}

func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
