package persistent

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aicostmanager/aicm-go/errs"
	"github.com/aicostmanager/aicm-go/record"
)

// Sender is the transport dependency the worker needs; kept minimal and
// local so this package doesn't import internal/transport directly.
type Sender interface {
	SendBatch(ctx context.Context, batch record.Batch) (*SendResult, error)
}

// SendResult mirrors transport.BatchResult's shape without importing it.
type SendResult struct {
	Results []RecordOutcome
	// Atomic is true when the server omitted per-record results; the
	// worker then treats the whole batch as succeeding or failing
	// together.
	Atomic bool
}

// RecordOutcome is one /track result entry, matched back to a row by
// ResponseID.
type RecordOutcome struct {
	ResponseID string
	Status     string // "queued", "service_key_unknown", or "rejected"
}

// NotifyFunc is invoked with the per-record outcomes of a successful send;
// the worker itself stays agnostic of the limits cache.
type NotifyFunc func(results []RecordOutcome)

// WorkerConfig bundles the durable-queue worker's tunables.
type WorkerConfig struct {
	MaxBatchSize    int
	PollInterval    time.Duration
	MaxRetries      int
	InflightReclaim time.Duration
	RetentionWindow time.Duration // how long DONE rows live before vacuum; default 24h
}

// Worker implements the dequeue loop: BEGIN IMMEDIATE claim, send,
// then mark DONE/reschedule/FAILED depending on outcome.
type Worker struct {
	store  *Store
	sender Sender
	notify NotifyFunc
	logger *slog.Logger
	cfg    WorkerConfig

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWorker(store *Store, sender Sender, notify NotifyFunc, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InflightReclaim == 0 {
		cfg.InflightReclaim = 60 * time.Second
	}
	if cfg.RetentionWindow == 0 {
		cfg.RetentionWindow = 24 * time.Hour
	}
	return &Worker{
		store:  store,
		sender: sender,
		notify: notify,
		logger: logger,
		cfg:    cfg,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start performs the startup INFLIGHT-reclaim scan, warns if FAILED rows
// already exist, then launches the background loop.
func (w *Worker) Start(ctx context.Context) error {
	reclaimed, err := w.store.ReclaimStaleInflight(ctx, w.cfg.InflightReclaim)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		w.logger.Warn("persistent queue: reclaimed stale inflight rows", "count", reclaimed)
	}

	stats, err := w.store.Stats(ctx)
	if err == nil && stats[StatusFailed] > 0 {
		w.logger.Warn("persistent queue: failed rows present, inspect with the queue maintenance tool", "count", stats[StatusFailed])
	}

	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Wake lets Enqueue nudge the worker to skip the remainder of a sleep.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Close signals the loop to stop, finishes the in-flight batch, marks
// straggling INFLIGHT rows back to QUEUED, and waits for the goroutine to
// exit.
func (w *Worker) Close(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	_, err := w.store.ReclaimStaleInflight(ctx, 0)
	return err
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	vacuumTicker := time.NewTicker(time.Hour)
	defer vacuumTicker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-vacuumTicker.C:
			if n, err := w.store.VacuumDone(ctx, w.cfg.RetentionWindow); err == nil && n > 0 {
				w.logger.Debug("persistent queue: vacuumed done rows", "count", n)
			}
		default:
		}

		claimed, err := w.store.DequeueBatch(ctx, w.cfg.MaxBatchSize)
		if err != nil {
			w.logger.Error("persistent queue: dequeue failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if len(claimed) == 0 {
			w.sleep(ctx)
			continue
		}

		w.deliverClaimed(ctx, claimed)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-timer.C:
	case <-w.wakeCh:
	}
}

func (w *Worker) deliverClaimed(ctx context.Context, claimed []Row) {
	batch := make(record.Batch, 0, len(claimed))
	byResponseID := make(map[string]Row, len(claimed))
	for _, row := range claimed {
		r, err := record.FromWire(row.Payload)
		if err != nil {
			w.logger.Error("persistent queue: undecodable payload, marking failed", "id", row.ID, "error", err)
			_ = w.store.MarkFailed(ctx, row.ID, err.Error())
			continue
		}
		batch = append(batch, r)
		byResponseID[r.ResponseID] = row
	}
	if len(batch) == 0 {
		return
	}

	result, err := w.sender.SendBatch(ctx, batch)
	if err != nil {
		var permanent *errs.PermanentServerError
		if errors.As(err, &permanent) {
			for _, row := range byResponseID {
				_ = w.store.MarkFailed(ctx, row.ID, err.Error())
			}
			return
		}
		for _, row := range byResponseID {
			w.rescheduleOrFail(ctx, row, err.Error())
		}
		return
	}

	if w.notify != nil {
		w.notify(result.Results)
	}

	if result.Atomic || len(result.Results) == 0 {
		for _, row := range byResponseID {
			_ = w.store.MarkDone(ctx, row.ID)
		}
		return
	}

	seen := make(map[string]bool, len(result.Results))
	for _, res := range result.Results {
		seen[res.ResponseID] = true
		row, ok := byResponseID[res.ResponseID]
		if !ok {
			continue
		}
		if res.Status == "rejected" {
			_ = w.store.MarkFailed(ctx, row.ID, "rejected by server")
			continue
		}
		_ = w.store.MarkDone(ctx, row.ID)
	}
	for responseID, row := range byResponseID {
		if !seen[responseID] {
			_ = w.store.MarkDone(ctx, row.ID)
		}
	}
}

func (w *Worker) rescheduleOrFail(ctx context.Context, row Row, lastErr string) {
	attempt := row.AttemptCount + 1
	if attempt >= w.cfg.MaxRetries {
		_ = w.store.MarkFailed(ctx, row.ID, lastErr)
		return
	}
	next := time.Now().Add(queueBackoff(attempt))
	_ = w.store.Reschedule(ctx, row.ID, attempt, next, lastErr)
}

// queueBackoff implements backoff(n) = min(base * 2^(n-1), 300s) *
// jitter(0.8..1.2).
func queueBackoff(attempt int) time.Duration {
	const base = float64(time.Second)
	d := base * math.Pow(2, float64(attempt-1))
	if d > float64(300*time.Second) {
		d = float64(300 * time.Second)
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(d * jitter)
}
