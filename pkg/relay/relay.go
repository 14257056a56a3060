// Package relay balances the service by terminating client connections and
// piping bytes to a backend over a fresh TCP connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/metrics"
)

// Options configures a Relay.
type Options struct {
	// Listen is the host:port the relay accepts clients on.
	Listen string
	// Timeout bounds every read and write on either side.
	Timeout time.Duration
	// DialTimeout bounds connecting to a backend.
	DialTimeout time.Duration
}

// Relay accepts client connections and relays each to the next backend.
type Relay struct {
	options Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	selector backend.Selector

	wg sync.WaitGroup
}

// New creates a relay over selector.
func New(selector backend.Selector, options Options, logger *zap.Logger, m *metrics.Metrics) (*Relay, error) {
	if selector == nil || len(selector.Backends()) == 0 {
		return nil, backend.ErrNoBackends
	}
	if options.Timeout <= 0 || options.DialTimeout <= 0 {
		return nil, fmt.Errorf("relay timeouts must be positive")
	}
	return &Relay{
		options:  options,
		logger:   logger,
		metrics:  m,
		selector: selector,
	}, nil
}

// SetSelector replaces the selector used for new connections.
func (r *Relay) SetSelector(selector backend.Selector) {
	r.mu.Lock()
	r.selector = selector
	r.mu.Unlock()
	r.logger.Info("relay backends replaced", zap.Stringers("backends", selector.Backends()))
}

func (r *Relay) next() backend.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selector.Next()
}

// Run listens on options.Listen and serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp4", r.options.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.options.Listen, err)
	}
	return r.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then closes ln and waits for
// in-flight connections to finish.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer r.wg.Wait()

	r.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay listener closed: %w", err)
			}
			r.logger.Warn("failed to accept connection", zap.Error(err))
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, conn)
		}()
	}
}

func (r *Relay) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	target := r.next()
	dialer := net.Dialer{Timeout: r.options.DialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp4", target.String())
	if err != nil {
		r.logger.Warn("failed to connect to backend",
			zap.String("client", client.RemoteAddr().String()),
			zap.Stringer("backend", target),
			zap.Error(err))
		return
	}
	defer upstream.Close()

	r.metrics.RelayConnection(target.String())
	r.logger.Debug("relaying connection",
		zap.String("client", client.RemoteAddr().String()),
		zap.Stringer("backend", target))

	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- r.pipe(upstream, client) }()
	go func() { errCh <- r.pipe(client, upstream) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !isClosing(err) {
			r.logger.Debug("relay stream ended",
				zap.Stringer("backend", target),
				zap.Error(err))
		}
	}
}

// pipe copies src to dst with a per-operation deadline, then half-closes dst.
func (r *Relay) pipe(dst, src net.Conn) error {
	_, err := io.Copy(&deadlineWriter{conn: dst, timeout: r.options.Timeout},
		&deadlineReader{conn: src, timeout: r.options.Timeout})
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	return err
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Write(p)
}

func isClosing(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
