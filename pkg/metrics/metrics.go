// Package metrics exposes balancer counters on a private prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "natlb"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	packets           *prometheus.CounterVec
	injected          *prometheus.CounterVec
	sendErrors        *prometheus.CounterVec
	flowsActive       prometheus.Gauge
	flowsCreated      prometheus.Counter
	flowsEvicted      *prometheus.CounterVec
	backendFlows      *prometheus.CounterVec
	backendUp         *prometheus.GaugeVec
	relayConnections  *prometheus.CounterVec
	ambiguousResponse prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_total",
			Help:      "Packets received, by classification verdict.",
		}, []string{"verdict"}),
		injected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injected_total",
			Help:      "Rewritten packets injected, by direction.",
		}, []string{"direction"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Packet injection failures, by kind (transient or fatal).",
		}, []string{"kind"}),
		flowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Records currently held in the flow table.",
		}),
		flowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_created_total",
			Help:      "Flow records created.",
		}),
		flowsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_evicted_total",
			Help:      "Flow records evicted, by reason.",
		}, []string{"reason"}),
		backendFlows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_flows_total",
			Help:      "Flows assigned to each backend.",
		}, []string{"backend"}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "Diagnostic health of each backend (1 healthy, 0 unhealthy).",
		}, []string{"backend"}),
		relayConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_connections_total",
			Help:      "Connections relayed to each backend.",
		}, []string{"backend"}),
		ambiguousResponse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ambiguous_responses_total",
			Help:      "Backend responses matched while several flows shared the backend.",
		}),
	}

	m.registry.MustRegister(
		m.packets,
		m.injected,
		m.sendErrors,
		m.flowsActive,
		m.flowsCreated,
		m.flowsEvicted,
		m.backendFlows,
		m.backendUp,
		m.relayConnections,
		m.ambiguousResponse,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Packet(verdict string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(verdict).Inc()
}

func (m *Metrics) Injected(direction string) {
	if m == nil {
		return
	}
	m.injected.WithLabelValues(direction).Inc()
}

func (m *Metrics) SendError(transient bool) {
	if m == nil {
		return
	}
	kind := "fatal"
	if transient {
		kind = "transient"
	}
	m.sendErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) FlowsActive(n int) {
	if m == nil {
		return
	}
	m.flowsActive.Set(float64(n))
}

// FlowCreated counts a new record assigned to backend.
func (m *Metrics) FlowCreated(backend string) {
	if m == nil {
		return
	}
	m.flowsCreated.Inc()
	m.backendFlows.WithLabelValues(backend).Inc()
}

func (m *Metrics) FlowEvicted(reason string) {
	if m == nil {
		return
	}
	m.flowsEvicted.WithLabelValues(reason).Inc()
}

func (m *Metrics) AmbiguousResponse() {
	if m == nil {
		return
	}
	m.ambiguousResponse.Inc()
}

func (m *Metrics) BackendUp(backend string, up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	m.backendUp.WithLabelValues(backend).Set(value)
}

func (m *Metrics) RelayConnection(backend string) {
	if m == nil {
		return
	}
	m.relayConnections.WithLabelValues(backend).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
