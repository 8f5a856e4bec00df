// Package metrics provides Prometheus instrumentation for the broker.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	AuthAttempts   *prometheus.CounterVec
	ActiveSessions *prometheus.GaugeVec
	Messages       *prometheus.CounterVec
	RPCResults     *prometheus.CounterVec
	RPCDuration    prometheus.Histogram
	ProxySessions  prometheus.Gauge
	ProxyForwarded *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	namespace = sanitizeNamespace(namespace)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuthAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by client kind and result",
			},
			[]string{"kind", "result"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live broker sessions",
			},
			[]string{"transport"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Published messages by classification",
			},
			[]string{"class"},
		),
		RPCResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_results_total",
				Help:      "Helperbot command results",
			},
			[]string{"ret"},
		),
		RPCDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "Time from command publish to reply or timeout",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
		ProxySessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_sessions",
				Help:      "Number of open upstream proxy sessions",
			},
		),
		ProxyForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_forwarded_total",
				Help:      "Messages relayed by the proxy by direction",
			},
			[]string{"direction"},
		),
	}
}

// sanitizeNamespace maps an app name onto the metric name alphabet.
func sanitizeNamespace(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return "robovac" + name
	}
	return name
}

func (m *Metrics) AuthAttempt(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AuthAttempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(transport).Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(transport).Dec()
}

func (m *Metrics) Message(class string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(class).Inc()
}

func (m *Metrics) RPCResult(ret string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCResults.WithLabelValues(ret).Inc()
	m.RPCDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ProxyOpened() {
	if m == nil {
		return
	}
	m.ProxySessions.Inc()
}

func (m *Metrics) ProxyClosed() {
	if m == nil {
		return
	}
	m.ProxySessions.Dec()
}

func (m *Metrics) ProxyForward(direction string) {
	if m == nil {
		return
	}
	m.ProxyForwarded.WithLabelValues(direction).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on address until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.InfoF("Metrics server listening on %s", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
