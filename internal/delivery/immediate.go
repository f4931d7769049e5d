package delivery

import (
	"context"
	"log/slog"

	"github.com/aicostmanager/aicm-go/record"
)

// Sender is the subset of the HTTP transport the delivery strategies
// depend on, kept as an interface so tests can substitute a fake without
// standing up an httptest server, and so this package never imports
// internal/transport directly (transport already imports record/limits;
// delivery importing transport back would be fine too, but the interface
// keeps the dependency direction explicit and the fakes cheap).
type Sender interface {
	SendBatch(ctx context.Context, batch record.Batch) (*SendResult, error)
}

// SendResult is the transport-agnostic shape Sender returns; the
// transport.Client adapter converts its richer BatchResult into this.
type SendResult struct {
	Results []Result
}

// LimitsNotifier is called with a freshly delivered batch so the caller
// can run (D).Check / (D).Notify; kept as a function type rather than an
// import of the limits package so Immediate/MemQueue stay agnostic of
// limits-cache internals.
type LimitsNotifier func(batch record.Batch, results []Result)

// Immediate implements the Immediate Delivery strategy: Deliver
// calls the transport synchronously and returns only once the HTTP call
// (with its own internal retries) has settled.
type Immediate struct {
	sender       Sender
	raiseOnError bool
	notify       LimitsNotifier
	logger       *slog.Logger
	metrics      *Metrics
}

// NewImmediate constructs an Immediate strategy. notify may be nil.
func NewImmediate(sender Sender, raiseOnError bool, notify LimitsNotifier, logger *slog.Logger, metrics *Metrics) *Immediate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Immediate{sender: sender, raiseOnError: raiseOnError, notify: notify, logger: logger, metrics: metrics}
}

// Start is a no-op: Immediate has no background worker.
func (i *Immediate) Start(ctx context.Context) error { return nil }

// Close is a no-op: there is nothing to drain.
func (i *Immediate) Close(ctx context.Context) error { return nil }

// Deliver sends batch in one HTTP call. On failure, it either returns the
// error (RAISE_ON_ERROR) or logs it and returns a BatchResult whose
// entries carry the failure per-record.
func (i *Immediate) Deliver(ctx context.Context, batch record.Batch) (*BatchResult, error) {
	i.metrics.IncEnqueued(len(batch))

	sendResult, err := i.sender.SendBatch(ctx, batch)
	if err != nil {
		i.metrics.IncFailed(len(batch))
		if i.raiseOnError {
			return nil, err
		}
		i.logger.Error("immediate delivery failed", "error", err, "batch_size", len(batch))
		results := make([]Result, len(batch))
		for idx, r := range batch {
			results[idx] = Result{ResponseID: r.ResponseID, Status: "failed", Err: err}
		}
		return &BatchResult{Results: results}, nil
	}

	delivered := 0
	for _, res := range sendResult.Results {
		if res.Status != "rejected" {
			delivered++
		}
	}
	i.metrics.IncDelivered(delivered)

	if i.notify != nil {
		i.notify(batch, sendResult.Results)
	}
	return &BatchResult{Results: sendResult.Results}, nil
}
