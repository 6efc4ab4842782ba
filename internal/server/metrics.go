package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"greeter/internal/chain"
	"greeter/internal/contracts"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	contractCalls   *prometheus.CounterVec
	greetingWrites  *prometheus.CounterVec
	writeDuration   prometheus.Histogram
	connectAttempts *prometheus.CounterVec
	connected       prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "greeter_contract_calls_total",
		Help: "Contract calls by method and outcome",
	}, []string{"method", "status"})

	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "greeter_greeting_writes_total",
		Help: "setGreeting requests by outcome",
	}, []string{"status"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "greeter_greeting_write_seconds",
		Help:    "Time from submitting setGreeting to its inclusion",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	connects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "greeter_connect_attempts_total",
		Help: "Connect attempts by result",
	}, []string{"result"})

	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "greeter_session_connected",
		Help: "1 once a session is established",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(calls, writes, duration, connects, connected)

	return &metricsRegistry{
		registry:        r,
		contractCalls:   calls,
		greetingWrites:  writes,
		writeDuration:   duration,
		connectAttempts: connects,
		connected:       connected,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) observeCall(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.contractCalls.WithLabelValues(method, status).Inc()
}

func (m *metricsRegistry) incWrite(status string) {
	m.greetingWrites.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) observeWrite(d time.Duration) {
	m.writeDuration.Observe(d.Seconds())
}

func (m *metricsRegistry) incConnect(result string) {
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setConnected() {
	m.connected.Set(1)
}

// observedContract counts every call made through it.
type observedContract struct {
	next    chain.Contract
	metrics *metricsRegistry
}

func (o observedContract) Greeting(ctx context.Context) (string, error) {
	g, err := o.next.Greeting(ctx)
	o.metrics.observeCall(contracts.MethodGetGreeting, err)
	return g, err
}

func (o observedContract) ContractInfo(ctx context.Context) (chain.Summary, error) {
	s, err := o.next.ContractInfo(ctx)
	o.metrics.observeCall(contracts.MethodGetContractInfo, err)
	return s, err
}

func (o observedContract) HistoryCount(ctx context.Context) (uint64, error) {
	n, err := o.next.HistoryCount(ctx)
	o.metrics.observeCall(contracts.MethodGetHistoryCount, err)
	return n, err
}

func (o observedContract) HistoryEntry(ctx context.Context, index uint64) (chain.HistoryEntry, error) {
	e, err := o.next.HistoryEntry(ctx, index)
	o.metrics.observeCall(contracts.MethodGetGreetingFromHistory, err)
	return e, err
}

func (o observedContract) SetGreeting(ctx context.Context, greeting string) (chain.Receipt, error) {
	r, err := o.next.SetGreeting(ctx, greeting)
	o.metrics.observeCall(contracts.MethodSetGreeting, err)
	return r, err
}
