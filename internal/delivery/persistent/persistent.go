package persistent

import (
	"context"
	"log/slog"

	"github.com/aicostmanager/aicm-go/internal/delivery"
	"github.com/aicostmanager/aicm-go/record"
)

// senderAdapter adapts a delivery.Sender (the transport-facing interface
// the rest of the codebase uses) to this package's local Sender, so the
// worker never needs to know about delivery.Result directly.
type senderAdapter struct {
	inner delivery.Sender
}

func (a senderAdapter) SendBatch(ctx context.Context, batch record.Batch) (*SendResult, error) {
	res, err := a.inner.SendBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := &SendResult{Atomic: len(res.Results) == 0 && len(batch) > 0}
	for _, r := range res.Results {
		out.Results = append(out.Results, RecordOutcome{ResponseID: r.ResponseID, Status: r.Status})
	}
	return out, nil
}

// Strategy implements delivery.Strategy over a durable sqlite-backed
// queue: Deliver enqueues each record individually so a crash loses
// at most pre-fsync records, and a single background Worker dispatches
// them.
type Strategy struct {
	store  *Store
	worker *Worker
}

// Open constructs a Strategy backed by the database at dbPath.
func Open(dbPath string, sender delivery.Sender, notify delivery.LimitsNotifier, logger *slog.Logger, cfg WorkerConfig) (*Strategy, error) {
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	notifyFn := func(results []RecordOutcome) {
		if notify == nil {
			return
		}
		converted := make([]delivery.Result, len(results))
		for i, r := range results {
			converted[i] = delivery.Result{ResponseID: r.ResponseID, Status: r.Status}
		}
		notify(nil, converted)
	}
	worker := NewWorker(store, senderAdapter{inner: sender}, notifyFn, logger, cfg)
	return &Strategy{store: store, worker: worker}, nil
}

// Start reclaims stale INFLIGHT rows and launches the worker goroutine.
func (s *Strategy) Start(ctx context.Context) error {
	return s.worker.Start(ctx)
}

// Deliver enqueues every record in batch as its own durable row.
func (s *Strategy) Deliver(ctx context.Context, batch record.Batch) (*delivery.BatchResult, error) {
	results := make([]delivery.Result, 0, len(batch))
	for _, r := range batch {
		payload, err := record.ToWire(r)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.Enqueue(ctx, payload); err != nil {
			return nil, err
		}
		results = append(results, delivery.Result{ResponseID: r.ResponseID, Status: "queued"})
	}
	s.worker.Wake()
	return &delivery.BatchResult{Results: results}, nil
}

// Close stops the worker and closes the database handle.
func (s *Strategy) Close(ctx context.Context) error {
	if err := s.worker.Close(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// Store exposes the underlying Store for the queue maintenance tool.
func (s *Strategy) Store() *Store { return s.store }
