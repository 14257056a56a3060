// Package healthcheck probes backends for diagnostics. Results are logged and
// exported as metrics; they never change which backend a flow is assigned to.
package healthcheck

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/easzlab/natlb/pkg/backend"
)

// Checker probes a single backend.
type Checker interface {
	Check(ctx context.Context, b backend.Backend) error
}

// TCPChecker considers a backend healthy when a TCP connection succeeds.
type TCPChecker struct {
	timeout time.Duration
}

func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

func (c *TCPChecker) Check(ctx context.Context, b backend.Backend) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp4", b.String())
	if err != nil {
		return fmt.Errorf("tcp health check failed for %s: %w", b, err)
	}
	conn.Close()
	return nil
}

// Result is the outcome of one probe.
type Result struct {
	Backend backend.Backend
	Latency time.Duration
	Err     error
}

// Healthy reports whether the probe succeeded.
func (r Result) Healthy() bool {
	return r.Err == nil
}

// CheckAll probes every backend concurrently and returns the results in the
// order of backends.
func CheckAll(ctx context.Context, checker Checker, backends []backend.Backend) []Result {
	results := make([]Result, len(backends))
	var wg sync.WaitGroup
	for i, b := range backends {
		i, b := i, b
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := checker.Check(ctx, b)
			results[i] = Result{Backend: b, Latency: time.Since(start), Err: err}
		}()
	}
	wg.Wait()
	return results
}
