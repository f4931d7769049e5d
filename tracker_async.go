package aicm

import (
	"context"

	"github.com/aicostmanager/aicm-go/errs"
)

// AsyncResult is delivered on the channel TrackAsync/TrackBatchAsync
// return once the underlying blocking call completes.
type AsyncResult struct {
	Result *TrackResult
	Err    error
}

// AsyncBatchResult is delivered on the channel TrackBatchAsync returns.
type AsyncBatchResult struct {
	Result *BatchTrackResult
	Err    error
}

// TrackAsync offloads Track to the Tracker's bounded worker pool and
// returns immediately with a channel the caller can receive from (or
// ignore, fire-and-forget). Per §9, this is a thin wrapper over the same
// blocking Track implementation, not a separate code path: the semantics
// (enqueue-then-check ordering, error kinds, metrics) are identical.
func (t *Tracker) TrackAsync(ctx context.Context, serviceKey string, usage map[string]any, opts ...TrackOption) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	if t.closed.Load() {
		out <- AsyncResult{Err: &errs.TrackerClosed{}}
		close(out)
		return out
	}

	select {
	case t.asyncSem <- struct{}{}:
	case <-ctx.Done():
		out <- AsyncResult{Err: ctx.Err()}
		close(out)
		return out
	}

	go func() {
		defer func() { <-t.asyncSem }()
		defer close(out)
		res, err := t.Track(ctx, serviceKey, usage, opts...)
		out <- AsyncResult{Result: res, Err: err}
	}()
	return out
}

// TrackBatchAsync is TrackBatch's async counterpart, same worker pool and
// same wrapper-over-blocking-core discipline as TrackAsync.
func (t *Tracker) TrackBatchAsync(ctx context.Context, serviceKey string, entries []BatchEntry, opts ...TrackOption) <-chan AsyncBatchResult {
	out := make(chan AsyncBatchResult, 1)
	if t.closed.Load() {
		out <- AsyncBatchResult{Err: &errs.TrackerClosed{}}
		close(out)
		return out
	}

	select {
	case t.asyncSem <- struct{}{}:
	case <-ctx.Done():
		out <- AsyncBatchResult{Err: ctx.Err()}
		close(out)
		return out
	}

	go func() {
		defer func() { <-t.asyncSem }()
		defer close(out)
		res, err := t.TrackBatch(ctx, serviceKey, entries, opts...)
		out <- AsyncBatchResult{Result: res, Err: err}
	}()
	return out
}
