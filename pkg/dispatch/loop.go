package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/channel"
	"github.com/easzlab/natlb/pkg/metrics"
)

// Recorder receives every datagram read from and injected into the channel.
type Recorder interface {
	Write(data []byte, ts time.Time) error
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	// QueueSize is the number of received datagrams buffered between the
	// reader and the dispatch goroutine.
	QueueSize int
	// SweepInterval is how often closed and idle flows are evicted.
	// Zero disables the sweep.
	SweepInterval time.Duration
	Recorder      Recorder
}

type received struct {
	data []byte
	src  netip.Addr
}

// Loop drives an Engine from a Channel. The dispatch goroutine is the only
// one that touches the engine.
type Loop struct {
	ch      channel.Channel
	engine  *Engine
	options LoopOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
	reload  chan backend.Selector
	done    chan struct{}
	now     func() time.Time
}

// ErrLoopStopped is returned by UpdateSelector once Run has returned.
var ErrLoopStopped = errors.New("dispatch loop stopped")

// NewLoop creates a loop.
func NewLoop(ch channel.Channel, engine *Engine, options LoopOptions, logger *zap.Logger, m *metrics.Metrics) *Loop {
	if options.QueueSize <= 0 {
		options.QueueSize = 1
	}
	return &Loop{
		ch:      ch,
		engine:  engine,
		options: options,
		logger:  logger,
		metrics: m,
		reload:  make(chan backend.Selector),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// UpdateSelector hands a new selector to the running loop. It blocks until
// the loop takes it, the loop stops or ctx is done.
func (l *Loop) UpdateSelector(ctx context.Context, selector backend.Selector) error {
	select {
	case l.reload <- selector:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes packets until ctx is cancelled or a fatal error occurs.
// It closes the channel before returning. Run must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	ctx, cancel := context.WithCancel(ctx)

	packets := make(chan received, l.options.QueueSize)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		l.read(ctx, packets, readErr)
	}()

	defer func() {
		cancel()
		if err := l.ch.Close(); err != nil {
			l.logger.Warn("failed to close packet channel", zap.Error(err))
		}
		<-readerDone
	}()

	var sweep <-chan time.Time
	if l.options.SweepInterval > 0 {
		ticker := time.NewTicker(l.options.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	l.logger.Info("dispatch loop started",
		zap.Uint16("port", l.engine.options.ServicePort),
		zap.Int("queue_size", l.options.QueueSize))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopped", zap.Int("flows", l.engine.table.Len()))
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive packet: %w", err)

		case rx := <-packets:
			if err := l.handle(rx); err != nil {
				return err
			}

		case now := <-sweep:
			if n := l.engine.Sweep(now); n > 0 {
				l.logger.Debug("flow sweep finished",
					zap.Int("evicted", n),
					zap.Int("flows", l.engine.table.Len()))
			}

		case selector := <-l.reload:
			l.engine.SetSelector(selector)
		}
	}
}

func (l *Loop) read(ctx context.Context, packets chan<- received, readErr chan<- error) {
	for {
		data, src, err := l.ch.Receive()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case packets <- received{data: data, src: src}:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) handle(rx received) error {
	now := l.now()
	l.record(rx.data, now)

	d := l.engine.Handle(rx.data, now)
	l.metrics.Packet(d.Verdict.String())

	switch d.Verdict {
	case VerdictIgnore:
		return nil

	case VerdictMalformed:
		l.logger.Debug("dropped malformed packet",
			zap.Stringer("src", rx.src), zap.Error(d.Err))
		return nil

	case VerdictUntracked:
		l.logger.Warn("dropped response from backend without a tracked flow",
			zap.Stringer("backend", rx.src))
		return nil
	}

	if _, err := l.ch.Send(d.Packet, d.Dst); err != nil {
		transient := channel.IsTransient(err)
		l.metrics.SendError(transient)
		if transient {
			l.logger.Warn("failed to inject packet, continuing",
				zap.Stringer("verdict", d.Verdict),
				zap.Stringer("dst", d.Dst),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to inject packet to %s: %w", d.Dst, err)
	}

	l.record(d.Packet, now)
	l.metrics.Injected(direction(d.Verdict))
	l.metrics.FlowsActive(l.engine.table.Len())

	if ce := l.logger.Check(zap.DebugLevel, "packet injected"); ce != nil {
		ce.Write(
			zap.Stringer("verdict", d.Verdict),
			zap.Stringer("flow", d.Record),
			zap.Stringer("dst", d.Dst),
			zap.Int("bytes", len(d.Packet)))
	}
	return nil
}

func (l *Loop) record(data []byte, ts time.Time) {
	if l.options.Recorder == nil {
		return
	}
	if err := l.options.Recorder.Write(data, ts); err != nil {
		l.logger.Warn("failed to record packet", zap.Error(err))
	}
}

func direction(v Verdict) string {
	if v == VerdictToClient {
		return "client"
	}
	return "backend"
}
