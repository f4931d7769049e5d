// Package obsmetrics defines the Tracker's optional Prometheus metrics,
// mirroring the lazy per-category construction in the teacher's
// pkg/metrics/registry.go: each metric group is built once, on first use,
// behind its own sync.Once, so a Tracker that never touches a given
// subsystem never pays for registering its metrics.
package obsmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aicm"

// DeliveryMetrics are the delivery-strategy-facing counters.
type DeliveryMetrics struct {
	Enqueued  *prometheus.CounterVec
	Delivered *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Discarded *prometheus.CounterVec
}

// TransportMetrics are the HTTP transport's request/retry counters.
type TransportMetrics struct {
	Requests *prometheus.CounterVec
	Retries  *prometheus.CounterVec
	Errors   *prometheus.CounterVec
}

// QueueMetrics are the durable queue's depth gauges.
type QueueMetrics struct {
	Depth *prometheus.GaugeVec
}

// Registry lazily constructs and registers each metrics group against a
// prometheus.Registerer supplied at DefaultRegistry construction.
type Registry struct {
	registerer prometheus.Registerer

	deliveryOnce  sync.Once
	transportOnce sync.Once
	queueOnce     sync.Once

	delivery  *DeliveryMetrics
	transport *TransportMetrics
	queue     *QueueMetrics
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// DefaultRegistry returns the process-wide Registry, constructing it
// against prometheus.DefaultRegisterer on first call.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// New constructs a Registry against an explicit Registerer, for hosts
// that mount their own collector registry rather than the global default.
func New(registerer prometheus.Registerer) *Registry {
	return &Registry{registerer: registerer}
}

// Delivery returns (constructing on first call) the delivery-strategy
// metrics, labeled by strategy ("immediate", "mem_queue",
// "persistent_queue") and service_key.
func (r *Registry) Delivery() *DeliveryMetrics {
	r.deliveryOnce.Do(func() {
		labels := []string{"strategy", "service_key"}
		m := &DeliveryMetrics{
			Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "delivery", Name: "enqueued_total", Help: "Records accepted by a delivery strategy.",
			}, labels),
			Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "delivery", Name: "delivered_total", Help: "Records successfully delivered.",
			}, labels),
			Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "delivery", Name: "failed_total", Help: "Records that exhausted retries without delivering.",
			}, labels),
			Discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "delivery", Name: "discarded_total", Help: "Records dropped by the in-memory queue's backpressure overflow policy.",
			}, labels),
		}
		r.registerer.MustRegister(m.Enqueued, m.Delivered, m.Failed, m.Discarded)
		r.delivery = m
	})
	return r.delivery
}

// Transport returns (constructing on first call) the HTTP transport
// metrics, labeled by outcome.
func (r *Registry) Transport() *TransportMetrics {
	r.transportOnce.Do(func() {
		m := &TransportMetrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "transport", Name: "requests_total", Help: "HTTP requests issued to the server.",
			}, []string{"endpoint", "status"}),
			Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "transport", Name: "retries_total", Help: "HTTP attempts beyond the first, within one logical call.",
			}, []string{"endpoint"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "transport", Name: "errors_total", Help: "Logical calls that exhausted retries or hit a permanent error.",
			}, []string{"endpoint", "kind"}),
		}
		r.registerer.MustRegister(m.Requests, m.Retries, m.Errors)
		r.transport = m
	})
	return r.transport
}

// Queue returns (constructing on first call) the durable queue's depth
// gauges, labeled by status (QUEUED/INFLIGHT/FAILED/DONE).
func (r *Registry) Queue() *QueueMetrics {
	r.queueOnce.Do(func() {
		m := &QueueMetrics{
			Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "queue", Name: "depth", Help: "Durable queue row count by status.",
			}, []string{"status"}),
		}
		r.registerer.MustRegister(m.Depth)
		r.queue = m
	})
	return r.queue
}
