// Package delivery defines the shared delivery-strategy contract
// and the metrics/result types common to all three strategies:
// Immediate, In-Memory Queued, and Persistent Queued.
package delivery

import (
	"context"
	"sync/atomic"

	"github.com/aicostmanager/aicm-go/record"
)

// Result is the per-record outcome of one delivery attempt.
type Result struct {
	ResponseID  string
	Status      string // "queued", "rejected", "service_key_unknown", "failed"
	CostEventID string
	Err         error
}

// BatchResult is the outcome of handing one batch to a Strategy.
type BatchResult struct {
	Results []Result
}

// Strategy is the contract all three delivery strategies implement.
// A Tracker owns exactly one Strategy for its lifetime.
type Strategy interface {
	// Deliver accepts records for delivery. Immediate delivers
	// synchronously before returning; the queued strategies return once
	// the records are durably or in-memory enqueued.
	Deliver(ctx context.Context, batch record.Batch) (*BatchResult, error)

	// Start launches any background worker goroutine. A no-op for
	// Immediate.
	Start(ctx context.Context) error

	// Close signals shutdown and blocks until drained or the context
	// deadline elapses, whichever comes first.
	Close(ctx context.Context) error
}

// Metrics counts enqueue/delivery outcomes the way the teacher's
// PublishingMetrics does: a dedicated type injected at construction,
// nil-safe so a Strategy built without one can call its methods
// unconditionally.
type Metrics struct {
	enqueued  counter
	delivered counter
	failed    counter
	discarded counter
}

type counter struct{ n atomic.Int64 }

func (c *counter) add(delta int) {
	if c == nil {
		return
	}
	c.n.Add(int64(delta))
}

func (c *counter) get() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

func (m *Metrics) IncEnqueued(n int) {
	if m == nil {
		return
	}
	m.enqueued.add(n)
}

func (m *Metrics) IncDelivered(n int) {
	if m == nil {
		return
	}
	m.delivered.add(n)
}

func (m *Metrics) IncFailed(n int) {
	if m == nil {
		return
	}
	m.failed.add(n)
}

func (m *Metrics) IncDiscarded(n int) {
	if m == nil {
		return
	}
	m.discarded.add(n)
}

func (m *Metrics) Snapshot() (enqueued, delivered, failed, discarded int64) {
	if m == nil {
		return 0, 0, 0, 0
	}
	return m.enqueued.get(), m.delivered.get(), m.failed.get(), m.discarded.get()
}
