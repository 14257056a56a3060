package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/natlb/pkg/backend"
	"github.com/easzlab/natlb/pkg/metrics"
)

// Options configure the periodic probes.
type Options struct {
	Interval  time.Duration
	FailCount int
	RiseCount int
}

type backendStatus struct {
	healthy          bool
	consecutiveFails int
	consecutiveOK    int
	cancel           context.CancelFunc
}

// Manager runs a probe loop per backend and tracks rise/fall state.
type Manager struct {
	checker  Checker
	options  Options
	statuses map[backend.Backend]*backendStatus
	mu       sync.RWMutex
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewManager creates a Manager. Backends start out healthy.
func NewManager(checker Checker, options Options, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if options.FailCount < 1 {
		options.FailCount = 1
	}
	if options.RiseCount < 1 {
		options.RiseCount = 1
	}
	return &Manager{
		checker:  checker,
		options:  options,
		statuses: make(map[backend.Backend]*backendStatus),
		metrics:  m,
		logger:   logger,
	}
}

// IsHealthy reports the last known state of b. Unknown backends are healthy.
func (m *Manager) IsHealthy(b backend.Backend) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[b]
	if !exists {
		return true
	}
	return status.healthy
}

// UpdateTargets starts probes for new backends and stops the ones no longer
// configured.
func (m *Manager) UpdateTargets(ctx context.Context, backends []backend.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[backend.Backend]bool, len(backends))
	for _, b := range backends {
		desired[b] = true
		if _, exists := m.statuses[b]; !exists {
			m.startLocked(ctx, b)
		}
	}

	for b, status := range m.statuses {
		if desired[b] {
			continue
		}
		status.cancel()
		delete(m.statuses, b)
		m.logger.Info("stopped health check for removed backend", zap.Stringer("backend", b))
	}
}

func (m *Manager) startLocked(ctx context.Context, b backend.Backend) {
	checkCtx, cancel := context.WithCancel(ctx)
	m.statuses[b] = &backendStatus{healthy: true, cancel: cancel}
	m.metrics.BackendUp(b.String(), true)
	m.logger.Info("started health check for backend", zap.Stringer("backend", b))

	go m.run(checkCtx, b)
}

func (m *Manager) run(ctx context.Context, b backend.Backend) {
	ticker := time.NewTicker(m.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.record(b, m.checker.Check(ctx, b))
		}
	}
}

// record applies one probe result to the backend's state.
func (m *Manager) record(b backend.Backend, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, exists := m.statuses[b]
	if !exists {
		return
	}

	if checkErr != nil {
		status.consecutiveFails++
		status.consecutiveOK = 0
		if status.healthy && status.consecutiveFails >= m.options.FailCount {
			status.healthy = false
			m.metrics.BackendUp(b.String(), false)
			m.logger.Warn("backend marked unhealthy",
				zap.Stringer("backend", b),
				zap.Int("consecutive_fails", status.consecutiveFails),
				zap.Error(checkErr),
			)
		}
		return
	}

	status.consecutiveOK++
	status.consecutiveFails = 0
	if !status.healthy && status.consecutiveOK >= m.options.RiseCount {
		status.healthy = true
		m.metrics.BackendUp(b.String(), true)
		m.logger.Info("backend marked healthy",
			zap.Stringer("backend", b),
			zap.Int("consecutive_ok", status.consecutiveOK),
		)
	}
}

// Stop cancels every probe.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for b, status := range m.statuses {
		status.cancel()
		m.logger.Debug("stopped health check", zap.Stringer("backend", b))
	}
	m.statuses = make(map[backend.Backend]*backendStatus)
	m.logger.Info("all health checks stopped")
}
