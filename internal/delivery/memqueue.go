package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aicostmanager/aicm-go/errs"
	"github.com/aicostmanager/aicm-go/record"
)

// OverflowPolicy selects what happens when the in-memory queue is full.
type OverflowPolicy string

const (
	OverflowBlock       OverflowPolicy = "block"
	OverflowBackpressure OverflowPolicy = "backpressure"
	OverflowRaise        OverflowPolicy = "raise"
)

// ringQueue is a bounded, mutex-guarded FIFO. A plain channel can't
// implement the "backpressure" overflow policy (drop the oldest entry to
// make room for the newest), so the queue is hand-rolled over a slice
// rather than layered on top of one.
type ringQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*record.UsageRecord
	cap    int
	closed bool
}

func newRingQueue(capacity int) *ringQueue {
	q := &ringQueue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *ringQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// pushBlock waits for room, returning ctx.Err() if ctx is canceled first.
func (q *ringQueue) pushBlock(ctx context.Context, r *record.UsageRecord) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.cap && !q.closed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	q.items = append(q.items, r)
	q.cond.Broadcast()
	return nil
}

// pushRaise returns errs.QueueFull immediately if there's no room.
func (q *ringQueue) pushRaise(r *record.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return &errs.QueueFull{Capacity: q.cap}
	}
	q.items = append(q.items, r)
	q.cond.Broadcast()
	return nil
}

// pushDropOldest always succeeds, evicting the oldest entry if full.
// Returns the evicted record, or nil if nothing was evicted.
func (q *ringQueue) pushDropOldest(r *record.UsageRecord) *record.UsageRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	var evicted *record.UsageRecord
	if len(q.items) >= q.cap {
		evicted = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, r)
	q.cond.Broadcast()
	return evicted
}

// popBatch blocks until maxSize items are queued, maxWait has elapsed, or
// the queue is closed, whichever comes first, then returns up to maxSize
// items (nil if none arrived).
func (q *ringQueue) popBatch(maxSize int, maxWait time.Duration) []*record.UsageRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := time.Now().Add(maxWait)
	for len(q.items) < maxSize && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.AfterFunc(remaining, func() { q.cond.Broadcast() })
		q.cond.Wait()
		timer.Stop()
	}
	if len(q.items) == 0 {
		return nil
	}
	n := len(q.items)
	if n > maxSize {
		n = maxSize
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	q.cond.Broadcast()
	return batch
}

func (q *ringQueue) drainAll() []*record.UsageRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// MemQueue implements the In-Memory Queued Delivery strategy: a
// bounded queue with a single background worker batching on a time
// window, retrying failed batches in-process (no durability) up to
// MaxRetries with exponential backoff before dropping them.
type MemQueue struct {
	sender  Sender
	notify  LimitsNotifier
	logger  *slog.Logger
	metrics *Metrics

	batchInterval time.Duration
	maxBatchSize  int
	maxRetries    int
	overflow      OverflowPolicy
	onDiscard     func(*record.UsageRecord)

	shutdownDeadline time.Duration

	queue    *ringQueue
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// MemQueueConfig bundles MemQueue's tunables, all sourced from Settings.
type MemQueueConfig struct {
	Capacity         int
	BatchInterval    time.Duration
	MaxBatchSize     int
	MaxRetries       int
	Overflow         OverflowPolicy
	OnDiscard        func(*record.UsageRecord)
	ShutdownDeadline time.Duration
}

func NewMemQueue(sender Sender, cfg MemQueueConfig, notify LimitsNotifier, logger *slog.Logger, metrics *Metrics) *MemQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownDeadline == 0 {
		cfg.ShutdownDeadline = 30 * time.Second
	}
	return &MemQueue{
		sender:           sender,
		notify:           notify,
		logger:           logger,
		metrics:          metrics,
		batchInterval:    cfg.BatchInterval,
		maxBatchSize:     cfg.MaxBatchSize,
		maxRetries:       cfg.MaxRetries,
		overflow:         cfg.Overflow,
		onDiscard:        cfg.OnDiscard,
		shutdownDeadline: cfg.ShutdownDeadline,
		queue:            newRingQueue(cfg.Capacity),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the single background worker goroutine.
func (m *MemQueue) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// Deliver enqueues every record in batch per the configured overflow
// policy, returning once all records are accepted (or the first rejection
// under OverflowRaise).
func (m *MemQueue) Deliver(ctx context.Context, batch record.Batch) (*BatchResult, error) {
	results := make([]Result, 0, len(batch))
	for _, r := range batch {
		switch m.overflow {
		case OverflowRaise:
			if err := m.queue.pushRaise(r); err != nil {
				return nil, err
			}
		case OverflowBlock:
			if err := m.queue.pushBlock(ctx, r); err != nil {
				return nil, err
			}
		default: // OverflowBackpressure
			evicted := m.queue.pushDropOldest(r)
			if evicted != nil {
				m.metrics.IncDiscarded(1)
				if m.onDiscard != nil {
					m.onDiscard(evicted)
				}
			}
		}
		results = append(results, Result{ResponseID: r.ResponseID, Status: "queued"})
	}
	m.metrics.IncEnqueued(len(batch))
	return &BatchResult{Results: results}, nil
}

// Close signals the worker to drain and stop, waiting up to the
// shutdown deadline.
func (m *MemQueue) Close(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.queue.close()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.shutdownDeadline)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemQueue) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			m.queue.close()
			m.drainRemaining(ctx)
			return
		default:
		}

		batch := m.queue.popBatch(m.maxBatchSize, m.batchInterval)
		if len(batch) == 0 {
			continue
		}
		m.deliverWithRetry(ctx, batch)
	}
}

func (m *MemQueue) drainRemaining(ctx context.Context) {
	deadline := time.Now().Add(m.shutdownDeadline)
	for {
		remaining := m.queue.drainAll()
		if len(remaining) == 0 {
			return
		}
		for len(remaining) > 0 {
			n := m.maxBatchSize
			if n > len(remaining) {
				n = len(remaining)
			}
			m.deliverWithRetry(ctx, remaining[:n])
			remaining = remaining[n:]
			if time.Now().After(deadline) {
				m.logger.Warn("memqueue: shutdown deadline hit with records remaining", "count", len(remaining))
				return
			}
		}
	}
}

func (m *MemQueue) deliverWithRetry(ctx context.Context, batch []*record.UsageRecord) {
	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		res, err := m.sender.SendBatch(ctx, record.Batch(batch))
		if err == nil {
			delivered := 0
			for _, r := range res.Results {
				if r.Status != "rejected" {
					delivered++
				}
			}
			m.metrics.IncDelivered(delivered)
			if m.notify != nil {
				m.notify(record.Batch(batch), res.Results)
			}
			return
		}
		lastErr = err
		if attempt < m.maxRetries {
			time.Sleep(memQueueBackoff(attempt))
		}
	}
	m.metrics.IncFailed(len(batch))
	m.logger.Error("memqueue: batch dropped after exhausting retries", "error", lastErr, "batch_size", len(batch))
}

func memQueueBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
